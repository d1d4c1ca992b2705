package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code 是对外暴露的错误类别，前端依赖这些取值做分支。
type Code string

const (
	Unauthorized          Code = "UNAUTHORIZED"
	Forbidden             Code = "FORBIDDEN"
	AccessDenied          Code = "ACCESS_DENIED"
	InvalidCredentials    Code = "INVALID_CREDENTIALS"
	InvalidToken          Code = "INVALID_TOKEN"
	TokenExpired          Code = "TOKEN_EXPIRED"
	ValidationError       Code = "VALIDATION_ERROR"
	InvalidInput          Code = "INVALID_INPUT"
	ResourceNotFound      Code = "RESOURCE_NOT_FOUND"
	ResourceAlreadyExists Code = "RESOURCE_ALREADY_EXISTS"
	QuotaExceeded         Code = "QUOTA_EXCEEDED"
	OperationNotAllowed   Code = "OPERATION_NOT_ALLOWED"
	FileTooLarge          Code = "FILE_TOO_LARGE"
	InvalidFileType       Code = "INVALID_FILE_TYPE"
	VirusDetected         Code = "VIRUS_DETECTED"
	FileScanFailed        Code = "FILE_SCAN_FAILED"
	InputTooLarge         Code = "ERR_INPUT_TOO_LARGE"
	MissingParse          Code = "ERR_MISSING_PARSE"
	RateLimitExceeded     Code = "RATE_LIMIT_EXCEEDED"
	InternalServerError   Code = "INTERNAL_SERVER_ERROR"
	DatabaseError         Code = "DATABASE_ERROR"
	ExternalServiceError  Code = "EXTERNAL_SERVICE_ERROR"
)

var statusByCode = map[Code]int{
	Unauthorized:          http.StatusUnauthorized,
	InvalidCredentials:    http.StatusUnauthorized,
	InvalidToken:          http.StatusUnauthorized,
	TokenExpired:          http.StatusUnauthorized,
	Forbidden:             http.StatusForbidden,
	AccessDenied:          http.StatusForbidden,
	ValidationError:       http.StatusBadRequest,
	InvalidInput:          http.StatusBadRequest,
	QuotaExceeded:         http.StatusBadRequest,
	OperationNotAllowed:   http.StatusBadRequest,
	InvalidFileType:       http.StatusBadRequest,
	VirusDetected:         http.StatusBadRequest,
	ResourceNotFound:      http.StatusNotFound,
	ResourceAlreadyExists: http.StatusConflict,
	FileTooLarge:          http.StatusRequestEntityTooLarge,
	InputTooLarge:         http.StatusRequestEntityTooLarge,
	MissingParse:          http.StatusUnprocessableEntity,
	RateLimitExceeded:     http.StatusTooManyRequests,
	ExternalServiceError:  http.StatusBadGateway,
	FileScanFailed:        http.StatusInternalServerError,
	DatabaseError:         http.StatusInternalServerError,
	InternalServerError:   http.StatusInternalServerError,
}

// Error 是业务层统一返回的错误类型。
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus 返回该错误类别对应的 HTTP 状态码。
func (e *Error) HTTPStatus() int {
	if status, ok := statusByCode[e.Code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Is 让 errors.Is 可以按类别比较，例如 errors.Is(err, errcode.New(errcode.QuotaExceeded, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// WithDetails 附加结构化细节并返回自身。
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func NotFound(resource string) *Error {
	return New(ResourceNotFound, resource+" not found")
}

func AlreadyExists(resource string) *Error {
	return New(ResourceAlreadyExists, resource+" already exists")
}

func Validation(message string) *Error {
	return New(ValidationError, message)
}

func Denied() *Error {
	return New(AccessDenied, "access denied")
}

func NotAllowed(message string) *Error {
	return New(OperationNotAllowed, message)
}

func Internal(err error) *Error {
	return Wrap(InternalServerError, "internal server error", err)
}

// As 提取错误链中的 *Error。
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf 返回错误的类别；非业务错误视为 INTERNAL_SERVER_ERROR。
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return InternalServerError
}

// HasCode 判断错误链中是否存在指定类别。
func HasCode(err error, code Code) bool {
	e, ok := As(err)
	return ok && e.Code == code
}

// Body 是返回给客户端的错误结构。
type Body struct {
	Error   string         `json:"error"`
	Code    Code           `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// Public 生成对外输出；5xx 只给出通用描述，不暴露内部原因。
func (e *Error) Public() Body {
	if e.HTTPStatus() >= http.StatusInternalServerError {
		return Body{Error: "internal server error", Code: e.Code}
	}
	return Body{Error: e.Message, Code: e.Code, Details: e.Details}
}
