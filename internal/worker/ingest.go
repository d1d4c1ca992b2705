package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/notify"
	"aicareer/internal/providers"
	"aicareer/internal/storage"
	"aicareer/internal/tasks"
)

// 读取对象的上限，与上传大小限制一致。
const maxObjectBytes = 10 * 1024 * 1024

// 文档处理流水线的中间状态，只用于推送。
const (
	statusParsed   = "parsed"
	statusEmbedded = "embedded"
)

// ParseHandler 消费 ingest:parse：抽取文本、切片并回填引用该文档的简历版本与 JD。
type ParseHandler struct {
	db         *gorm.DB
	storage    storage.Provider
	dispatcher Dispatcher
	notifier   notify.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewParseHandler(db *gorm.DB, store storage.Provider, dispatcher Dispatcher, notifier notify.Publisher, logger *slog.Logger) *ParseHandler {
	return &ParseHandler{db: db, storage: store, dispatcher: dispatcher, notifier: notifier, logger: logger, now: time.Now}
}

func (h *ParseHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := taskLogger(ctx, h.logger, t)
	payload, err := decode[tasks.ParsePayload](t)
	if err != nil {
		log.Error("decode parse payload failed", slog.Any("error", err), slog.String("payload", redactPayload(t.Payload())))
		return err
	}
	log = log.With(slog.String("document_id", payload.DocumentID), slog.String("user_id", payload.UserID))

	return runJob(ctx, log, func() error {
		return h.parse(ctx, log, payload)
	})
}

func (h *ParseHandler) parse(ctx context.Context, log *slog.Logger, payload tasks.ParsePayload) error {
	var doc database.Document
	if err := h.db.WithContext(ctx).Where("id = ?", payload.DocumentID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return permanent(fmt.Errorf("document %s not found", payload.DocumentID))
		}
		return fmt.Errorf("load document: %w", err)
	}
	if doc.Status != database.DocumentStatusApproved {
		return permanent(fmt.Errorf("document %s is %s, not approved", doc.ID, doc.Status))
	}

	data, err := h.readObject(ctx, payload.FilePath)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return permanent(err)
		}
		return err
	}

	text := ExtractText(payload.MimeType, data)
	if text == "" {
		log.Warn("no text extracted from document", slog.String("mime", payload.MimeType))
		return nil
	}
	chunks := ChunkText(text, chunkSize)
	parsed := database.NewParsedJSON(text, "document")
	now := h.now()

	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&database.Document{}).Where("id = ?", doc.ID).Updates(map[string]any{
			"parsed_text": text,
			"parsed_at":   now,
		}).Error; err != nil {
			return fmt.Errorf("store parsed text: %w", err)
		}
		// 只回填尚无内容的记录，内联 JD 正文不被覆盖。
		if err := tx.Model(&database.ResumeVersion{}).
			Where("document_id = ? AND (parsed_json IS NULL OR parsed_json = ?)", doc.ID, "{}").
			Update("parsed_json", parsed).Error; err != nil {
			return fmt.Errorf("backfill resume versions: %w", err)
		}
		if err := tx.Model(&database.JobDescription{}).
			Where("source_document_id = ? AND (parsed_json IS NULL OR parsed_json = ?)", doc.ID, "{}").
			Update("parsed_json", parsed).Error; err != nil {
			return fmt.Errorf("backfill job descriptions: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("document parsed", slog.Int("chars", len(text)), slog.Int("chunks", len(chunks)))
	publish(ctx, log, h.notifier, notify.Event{Kind: notify.KindDocument, ID: doc.ID, UserID: doc.UserID, Status: statusParsed})

	if _, err := h.dispatcher.EnqueueEmbed(ctx, tasks.EmbedPayload{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		Chunks:     chunks,
	}); err != nil {
		return fmt.Errorf("enqueue embed: %w", err)
	}
	return nil
}

func (h *ParseHandler) readObject(ctx context.Context, key string) ([]byte, error) {
	rc, err := h.storage.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxObjectBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", key, err)
	}
	if len(data) > maxObjectBytes {
		return nil, permanent(fmt.Errorf("object %q exceeds %d bytes", key, maxObjectBytes))
	}
	return data, nil
}

// EmbedHandler 消费 ingest:embed，整体替换文档的切片与向量。
type EmbedHandler struct {
	db       *gorm.DB
	embedder providers.EmbeddingProvider
	notifier notify.Publisher
	logger   *slog.Logger
}

func NewEmbedHandler(db *gorm.DB, embedder providers.EmbeddingProvider, notifier notify.Publisher, logger *slog.Logger) *EmbedHandler {
	return &EmbedHandler{db: db, embedder: embedder, notifier: notifier, logger: logger}
}

func (h *EmbedHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := taskLogger(ctx, h.logger, t)
	payload, err := decode[tasks.EmbedPayload](t)
	if err != nil {
		log.Error("decode embed payload failed", slog.Any("error", err), slog.String("payload", redactPayload(t.Payload())))
		return err
	}
	log = log.With(slog.String("document_id", payload.DocumentID), slog.String("user_id", payload.UserID))

	return runJob(ctx, log, func() error {
		return h.embed(ctx, log, payload)
	})
}

func chunkKind(docType string) string {
	if docType == database.DocumentTypeJD {
		return "jd"
	}
	return "resume"
}

func (h *EmbedHandler) embed(ctx context.Context, log *slog.Logger, payload tasks.EmbedPayload) error {
	var doc database.Document
	if err := h.db.WithContext(ctx).Select("id", "user_id", "type").Where("id = ?", payload.DocumentID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return permanent(fmt.Errorf("document %s not found", payload.DocumentID))
		}
		return fmt.Errorf("load document: %w", err)
	}

	texts := payload.Chunks
	if len(texts) == 0 {
		texts = ChunkText(payload.Content, chunkSize)
	}
	vectors, err := h.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks: %w", err)
	}
	if len(vectors) != len(texts) {
		return fmt.Errorf("embedding count mismatch: got %d want %d", len(vectors), len(texts))
	}

	rows := make([]database.Chunk, 0, len(texts))
	for i, text := range texts {
		raw, err := json.Marshal(vectors[i])
		if err != nil {
			return fmt.Errorf("marshal embedding: %w", err)
		}
		rows = append(rows, database.Chunk{
			DocumentID: doc.ID,
			UserID:     doc.UserID,
			Kind:       chunkKind(doc.Type),
			Index:      i,
			Content:    text,
			Embedding:  datatypes.JSON(raw),
		})
	}

	err = h.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Delete(&database.Chunk{}).Error; err != nil {
			return fmt.Errorf("delete old chunks: %w", err)
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("insert chunks: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	log.Info("chunks embedded", slog.Int("chunks", len(rows)))
	publish(ctx, log, h.notifier, notify.Event{Kind: notify.KindDocument, ID: doc.ID, UserID: doc.UserID, Status: statusEmbedded})
	return nil
}
