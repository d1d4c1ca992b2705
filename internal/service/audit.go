package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/errcode"
)

// AuditEvent 是审计事件，结构体本身即 meta 内容。
type AuditEvent interface {
	Action() string
}

type UserRegistered struct {
	Email string `json:"email"`
}

type UserLogin struct {
	Email string `json:"email"`
}

type TokenRefreshed struct{}

type UserLogout struct{}

type UploadInitiated struct {
	DocumentID string `json:"documentId"`
	Mime       string `json:"mime"`
	SizeBytes  int64  `json:"sizeBytes"`
	Type       string `json:"type"`
}

type DuplicateDetected struct {
	DocumentID string `json:"documentId"`
	SHA256     string `json:"sha256"`
}

type UploadFinalized struct {
	DocumentID string `json:"documentId"`
}

type DocumentDeleted struct {
	DocumentID string `json:"documentId"`
	StorageKey string `json:"storageKey"`
}

type ResumeChanged struct {
	action   string
	ResumeID string `json:"resumeId"`
	Title    string `json:"title"`
}

type ResumeVersionCreated struct {
	ResumeID  string `json:"resumeId"`
	VersionID string `json:"versionId"`
	Label     string `json:"label"`
}

type JobChanged struct {
	action string
	JobID  string `json:"jobId"`
	Title  string `json:"title"`
}

type RunCreated struct {
	RunID           string `json:"runId"`
	JDID            string `json:"jdId"`
	ResumeVersionID string `json:"resumeVersionId"`
}

type RunDeleted struct {
	RunID string `json:"runId"`
}

type UserChanged struct {
	action string
	UserID string `json:"userId"`
}

type OperationFailed struct {
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
}

func (UserRegistered) Action() string       { return "user_registered" }
func (UserLogin) Action() string            { return "user_login" }
func (TokenRefreshed) Action() string       { return "token_refreshed" }
func (UserLogout) Action() string           { return "user_logout" }
func (UploadInitiated) Action() string      { return "upload_initiated" }
func (DuplicateDetected) Action() string    { return "duplicate_detected" }
func (UploadFinalized) Action() string      { return "upload_finalized" }
func (DocumentDeleted) Action() string      { return "document_deleted" }
func (e ResumeChanged) Action() string      { return e.action }
func (ResumeVersionCreated) Action() string { return "resume_version_created" }
func (e JobChanged) Action() string         { return e.action }
func (RunCreated) Action() string           { return "run_created" }
func (RunDeleted) Action() string           { return "run_deleted" }
func (e UserChanged) Action() string        { return e.action }
func (OperationFailed) Action() string      { return "operation_failed" }

func resumeEvent(action, id, title string) ResumeChanged {
	return ResumeChanged{action: action, ResumeID: id, Title: title}
}

func jobEvent(action, id, title string) JobChanged {
	return JobChanged{action: action, JobID: id, Title: title}
}

func userEvent(action, id string) UserChanged {
	return UserChanged{action: action, UserID: id}
}

// AuditService 只追加写入审计日志。
type AuditService struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewAuditService(db *gorm.DB, logger *slog.Logger) *AuditService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditService{db: db, logger: logger}
}

// Record 写入失败只记录日志，不影响业务结果。
func (s *AuditService) Record(ctx context.Context, userID string, event AuditEvent) {
	if err := s.RecordTx(ctx, s.db, userID, event); err != nil {
		s.logger.ErrorContext(ctx, "write audit log failed",
			slog.String("action", event.Action()),
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}
}

// RecordTx 在给定事务内写入审计日志。
func (s *AuditService) RecordTx(ctx context.Context, tx *gorm.DB, userID string, event AuditEvent) error {
	meta, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit meta: %w", err)
	}
	entry := database.AuditLog{
		UserID: userID,
		Action: event.Action(),
		Meta:   datatypes.JSON(meta),
	}
	if err := tx.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("create audit log: %w", err)
	}
	return nil
}

// ListForUser 返回用户自己的审计日志，按时间倒序。
func (s *AuditService) ListForUser(ctx context.Context, userID string, page Page) ([]database.AuditLog, int64, error) {
	if userID == "" {
		return nil, 0, errcode.Denied()
	}
	return s.list(ctx, userID, page)
}

// ListAll 供管理员查询，userID 为空时返回全部。
func (s *AuditService) ListAll(ctx context.Context, userID string, page Page) ([]database.AuditLog, int64, error) {
	return s.list(ctx, userID, page)
}

func (s *AuditService) list(ctx context.Context, userID string, page Page) ([]database.AuditLog, int64, error) {
	page = page.normalize()
	scoped := func() *gorm.DB {
		q := s.db.WithContext(ctx).Model(&database.AuditLog{})
		if userID != "" {
			q = q.Where("user_id = ?", userID)
		}
		return q
	}

	var total int64
	if err := scoped().Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count audit logs: %w", err)
	}

	logs := make([]database.AuditLog, 0, page.Take)
	if err := scoped().Order("created_at DESC").Limit(page.Take).Offset(page.Skip).Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("list audit logs: %w", err)
	}
	return logs, total, nil
}
