package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"aicareer/internal/api/middleware"
	"aicareer/internal/errcode"
)

// RespondError 是错误到 HTTP 响应的唯一出口。
func RespondError(c *gin.Context, err error) {
	e, ok := errcode.As(err)
	if !ok {
		e = errcode.Internal(err)
	}
	if e.HTTPStatus() >= http.StatusInternalServerError {
		middleware.LoggerFromContext(c).Error("request failed",
			slog.String("code", string(e.Code)),
			slog.Any("error", err),
		)
	}
	c.JSON(e.HTTPStatus(), e.Public())
}

// bindJSON 绑定失败时直接写出 VALIDATION_ERROR 并返回 false。
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		RespondError(c, bindingError(err))
		return false
	}
	return true
}

// bindingError 把 validator 的字段错误整理为 details。
func bindingError(err error) *errcode.Error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]any, len(verrs))
		for _, fe := range verrs {
			if fe.Tag() == "docmime" {
				return errcode.New(errcode.InvalidFileType, "unsupported file type").
					WithDetails(map[string]any{"mime": fe.Value()})
			}
			fields[lowerFirst(fe.Field())] = fe.Tag()
		}
		return errcode.Validation("request validation failed").WithDetails(map[string]any{"fields": fields})
	}
	return errcode.New(errcode.InvalidInput, "malformed request body")
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	b := []byte(s)
	if b[0] >= 'A' && b[0] <= 'Z' {
		b[0] += 'a' - 'A'
	}
	return string(b)
}

// queryInt 读取非负整数查询参数，缺省时返回 def。
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		RespondError(c, errcode.Validation(name+" must be a non-negative integer"))
		return 0, false
	}
	return v, true
}
