package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/errcode"
	"aicareer/internal/storage"
	"aicareer/internal/tasks"
)

// AllowedMimeTypes 是允许上传的文件类型。
var AllowedMimeTypes = map[string]struct{}{
	"application/pdf":    {},
	"application/msword": {},
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": {},
	"text/plain": {},
}

var sha256Pattern = regexp.MustCompile(`^[a-f0-9]{64}$`)

// IsSHA256Hex 判断是否为 64 位十六进制摘要，大小写不敏感。
func IsSHA256Hex(s string) bool {
	return sha256Pattern.MatchString(strings.ToLower(s))
}

// DocumentDispatcher 是文档生命周期需要的投递能力。
type DocumentDispatcher interface {
	EnqueueAVScan(ctx context.Context, p tasks.AVScanPayload, opts ...asynq.Option) (string, error)
	EnqueueStorageCleanup(ctx context.Context, p tasks.StorageCleanupPayload, opts ...asynq.Option) (string, error)
}

// UploadLimits 控制单文件大小、配额与签名链接有效期。
type UploadLimits struct {
	MaxBytes int64
	Quota    int
	URLTTL   time.Duration
}

// DefaultUploadLimits 10 MiB、50 个文档、1 小时。
func DefaultUploadLimits() UploadLimits {
	return UploadLimits{MaxBytes: 10 * 1024 * 1024, Quota: 50, URLTTL: time.Hour}
}

// DocumentService 管理上传初始化、确认与删除。
type DocumentService struct {
	guard
	db         *gorm.DB
	storage    storage.Provider
	dispatcher DocumentDispatcher
	limits     UploadLimits
	now        func() time.Time
}

func NewDocumentService(db *gorm.DB, store storage.Provider, dispatcher DocumentDispatcher, audit *AuditService, logger *slog.Logger, limits UploadLimits) *DocumentService {
	return &DocumentService{
		guard:      newGuard(audit, logger),
		db:         db,
		storage:    store,
		dispatcher: dispatcher,
		limits:     limits,
		now:        time.Now,
	}
}

// InitUploadInput 是客户端声明的文件元数据。
type InitUploadInput struct {
	Mime          string
	SHA256        string
	SizeBytes     int64
	SuggestedName string
	Type          string
}

// InitUploadResult 中 Duplicate 为 true 表示命中了已有文档。
type InitUploadResult struct {
	DocumentID string    `json:"documentId"`
	SignedURL  string    `json:"signedUrl"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Duplicate  bool      `json:"duplicate"`
}

func (s *DocumentService) validateUpload(in *InitUploadInput) error {
	in.Mime = strings.ToLower(strings.TrimSpace(in.Mime))
	in.SHA256 = strings.ToLower(strings.TrimSpace(in.SHA256))
	in.SuggestedName = strings.TrimSpace(in.SuggestedName)
	if in.Type == "" {
		in.Type = database.DocumentTypeResume
	}

	if _, ok := AllowedMimeTypes[in.Mime]; !ok {
		return errcode.New(errcode.InvalidFileType, "unsupported file type").
			WithDetails(map[string]any{"mime": in.Mime})
	}
	if !IsSHA256Hex(in.SHA256) {
		return errcode.Validation("sha256 must be 64 hex characters")
	}
	if in.SizeBytes <= 0 {
		return errcode.Validation("sizeBytes must be positive")
	}
	if in.SizeBytes > s.limits.MaxBytes {
		return errcode.New(errcode.FileTooLarge, "file exceeds maximum size").
			WithDetails(map[string]any{"maxBytes": s.limits.MaxBytes, "sizeBytes": in.SizeBytes})
	}
	switch in.Type {
	case database.DocumentTypeResume, database.DocumentTypeJD, database.DocumentTypeExport:
	default:
		return errcode.Validation("type must be one of resume, jd, export")
	}
	if len(in.SuggestedName) > 255 {
		return errcode.Validation("suggestedName is too long")
	}
	return nil
}

// InitUpload 按 (userId, sha256) 去重，新文档以 pending 状态落库并返回直传链接。
func (s *DocumentService) InitUpload(ctx context.Context, userID string, in InitUploadInput) (*InitUploadResult, error) {
	if err := s.validateUpload(&in); err != nil {
		return nil, err
	}

	existing, err := s.findByHash(ctx, userID, in.SHA256)
	if err != nil {
		return nil, s.fail(ctx, userID, "init_upload", err)
	}
	if existing != nil {
		return s.duplicateResult(ctx, userID, existing)
	}

	var active int64
	if err := s.db.WithContext(ctx).Model(&database.Document{}).
		Where("user_id = ? AND status <> ?", userID, database.DocumentStatusRejected).
		Count(&active).Error; err != nil {
		return nil, s.fail(ctx, userID, "init_upload", err)
	}
	if active >= int64(s.limits.Quota) {
		return nil, errcode.New(errcode.QuotaExceeded, "document quota exceeded").
			WithDetails(map[string]any{"quota": s.limits.Quota})
	}

	id := uuid.NewString()
	doc := database.Document{
		ID:         id,
		UserID:     userID,
		Type:       in.Type,
		StorageKey: storage.DocumentKey(userID, id),
		Mime:       in.Mime,
		SHA256:     in.SHA256,
		SizeBytes:  in.SizeBytes,
		Filename:   in.SuggestedName,
		Status:     database.DocumentStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&doc).Error; err != nil {
		if database.IsDuplicateKey(err) {
			// 并发的相同上传已先落库。
			existing, lookupErr := s.findByHash(ctx, userID, in.SHA256)
			if lookupErr == nil && existing != nil {
				return s.duplicateResult(ctx, userID, existing)
			}
		}
		return nil, s.fail(ctx, userID, "init_upload", err)
	}

	signedURL, expiresAt, err := s.signPut(ctx, doc.StorageKey)
	if err != nil {
		return nil, s.fail(ctx, userID, "init_upload", err)
	}

	s.audit.Record(ctx, userID, UploadInitiated{DocumentID: doc.ID, Mime: doc.Mime, SizeBytes: doc.SizeBytes, Type: doc.Type})
	return &InitUploadResult{DocumentID: doc.ID, SignedURL: signedURL, ExpiresAt: expiresAt}, nil
}

func (s *DocumentService) duplicateResult(ctx context.Context, userID string, doc *database.Document) (*InitUploadResult, error) {
	signedURL, expiresAt, err := s.signPut(ctx, doc.StorageKey)
	if err != nil {
		return nil, s.fail(ctx, userID, "init_upload", err)
	}
	s.audit.Record(ctx, userID, DuplicateDetected{DocumentID: doc.ID, SHA256: doc.SHA256})
	return &InitUploadResult{DocumentID: doc.ID, SignedURL: signedURL, ExpiresAt: expiresAt, Duplicate: true}, nil
}

func (s *DocumentService) signPut(ctx context.Context, key string) (string, time.Time, error) {
	expiresAt := s.now().Add(s.limits.URLTTL)
	signedURL, err := s.storage.PresignedPutURL(ctx, key, s.limits.URLTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign upload: %w", err)
	}
	return signedURL, expiresAt, nil
}

func (s *DocumentService) findByHash(ctx context.Context, userID, sha string) (*database.Document, error) {
	var doc database.Document
	err := s.db.WithContext(ctx).Where("user_id = ? AND sha256 = ?", userID, sha).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup document by hash: %w", err)
	}
	return &doc, nil
}

func documentOwner(d *database.Document) string { return d.UserID }

// FinalizeUpload 仅允许 pending → scanning，并投递病毒扫描任务。
func (s *DocumentService) FinalizeUpload(ctx context.Context, userID, documentID string) (*database.Document, error) {
	doc, err := loadOwned(ctx, s.db, userID, documentID, "document", documentOwner)
	if err != nil {
		return nil, s.fail(ctx, userID, "finalize_upload", err)
	}
	if doc.Status != database.DocumentStatusPending {
		return nil, errcode.NotAllowed("document is not pending upload").
			WithDetails(map[string]any{"status": doc.Status})
	}

	// 条件更新保证并发确认时只有一个请求能推进状态。
	res := s.db.WithContext(ctx).Model(&database.Document{}).
		Where("id = ? AND status = ?", doc.ID, database.DocumentStatusPending).
		Update("status", database.DocumentStatusScanning)
	if res.Error != nil {
		return nil, s.fail(ctx, userID, "finalize_upload", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errcode.NotAllowed("document is not pending upload")
	}
	doc.Status = database.DocumentStatusScanning

	if _, err := s.dispatcher.EnqueueAVScan(ctx, tasks.AVScanPayload{
		DocumentID: doc.ID,
		StorageKey: doc.StorageKey,
		UserID:     doc.UserID,
		Filename:   doc.Filename,
	}); err != nil {
		// 文档停留在 scanning，由对账任务补投。
		return nil, s.fail(ctx, userID, "finalize_upload", err)
	}

	s.audit.Record(ctx, userID, UploadFinalized{DocumentID: doc.ID})
	return doc, nil
}

// List 返回用户的文档，可按类型过滤。
func (s *DocumentService) List(ctx context.Context, userID, docType string) ([]database.Document, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if docType != "" {
		q = q.Where("type = ?", docType)
	}
	docs := make([]database.Document, 0)
	if err := q.Order("created_at DESC").Find(&docs).Error; err != nil {
		return nil, s.fail(ctx, userID, "list_documents", err)
	}
	return docs, nil
}

// Get 读取单个文档。
func (s *DocumentService) Get(ctx context.Context, userID, documentID string) (*database.Document, error) {
	doc, err := loadOwned(ctx, s.db, userID, documentID, "document", documentOwner)
	if err != nil {
		return nil, s.fail(ctx, userID, "get_document", err)
	}
	return doc, nil
}

// DownloadURL 仅对已通过扫描的文档签发下载链接。
func (s *DocumentService) DownloadURL(ctx context.Context, userID, documentID string) (string, time.Time, error) {
	doc, err := loadOwned(ctx, s.db, userID, documentID, "document", documentOwner)
	if err != nil {
		return "", time.Time{}, s.fail(ctx, userID, "download_document", err)
	}
	if doc.Status != database.DocumentStatusApproved {
		return "", time.Time{}, errcode.NotAllowed("document has not been approved")
	}
	expiresAt := s.now().Add(s.limits.URLTTL)
	u, err := s.storage.PresignedGetURL(ctx, doc.StorageKey, s.limits.URLTTL)
	if err != nil {
		return "", time.Time{}, s.fail(ctx, userID, "download_document", err)
	}
	return u, expiresAt, nil
}

// Delete 删除记录后尽力删除对象，失败时交给清理任务重试。
func (s *DocumentService) Delete(ctx context.Context, userID, documentID string) error {
	doc, err := loadOwned(ctx, s.db, userID, documentID, "document", documentOwner)
	if err != nil {
		return s.fail(ctx, userID, "delete_document", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&database.Chunk{}).Error; err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
		if err := tx.Delete(&database.Document{}, "id = ?", doc.ID).Error; err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
		return nil
	})
	if err != nil {
		return s.fail(ctx, userID, "delete_document", err)
	}

	removeObject(ctx, s.storage, s.dispatcher, s.logger, doc.StorageKey, "document deleted")
	s.audit.Record(ctx, userID, DocumentDeleted{DocumentID: doc.ID, StorageKey: doc.StorageKey})
	return nil
}

type cleanupEnqueuer interface {
	EnqueueStorageCleanup(ctx context.Context, p tasks.StorageCleanupPayload, opts ...asynq.Option) (string, error)
}

func removeObject(ctx context.Context, store storage.Provider, dispatcher cleanupEnqueuer, logger *slog.Logger, key, reason string) {
	err := store.DeleteObject(ctx, key)
	if err == nil {
		return
	}
	log := logger.With(slog.String("storage_key", key))
	log.WarnContext(ctx, "delete storage object failed, scheduling cleanup", slog.Any("error", err))
	if _, err := dispatcher.EnqueueStorageCleanup(ctx, tasks.StorageCleanupPayload{StorageKey: key, Reason: reason}); err != nil {
		log.ErrorContext(ctx, "schedule storage cleanup failed", slog.Any("error", err))
	}
}
