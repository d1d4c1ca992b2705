package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/metrics"
	"aicareer/internal/notify"
	"aicareer/internal/scanner"
	"aicareer/internal/storage"
	"aicareer/internal/tasks"
)

// AVScanHandler 消费 avscan:scan，把文档推进到 approved 或 rejected。
type AVScanHandler struct {
	db         *gorm.DB
	scanner    scanner.Scanner
	dispatcher Dispatcher
	notifier   notify.Publisher
	logger     *slog.Logger
	now        func() time.Time
}

func NewAVScanHandler(db *gorm.DB, sc scanner.Scanner, dispatcher Dispatcher, notifier notify.Publisher, logger *slog.Logger) *AVScanHandler {
	return &AVScanHandler{db: db, scanner: sc, dispatcher: dispatcher, notifier: notifier, logger: logger, now: time.Now}
}

// scanFailure 是扫描异常时写入 scanResult 的内容。
type scanFailure struct {
	Clean    bool      `json:"clean"`
	Error    string    `json:"error"`
	ScanTime time.Time `json:"scanTime"`
}

// ProcessTask 实现 asynq.Handler。
func (h *AVScanHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := taskLogger(ctx, h.logger, t)
	payload, err := decode[tasks.AVScanPayload](t)
	if err != nil {
		log.Error("decode avscan payload failed", slog.Any("error", err), slog.String("payload", redactPayload(t.Payload())))
		return err
	}
	log = log.With(slog.String("document_id", payload.DocumentID), slog.String("user_id", payload.UserID))

	return runJob(ctx, log, func() error {
		return h.scan(ctx, log, payload)
	})
}

func (h *AVScanHandler) scan(ctx context.Context, log *slog.Logger, payload tasks.AVScanPayload) error {
	var doc database.Document
	if err := h.db.WithContext(ctx).Where("id = ?", payload.DocumentID).First(&doc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return permanent(fmt.Errorf("document %s not found", payload.DocumentID))
		}
		return fmt.Errorf("load document: %w", err)
	}

	switch doc.Status {
	case database.DocumentStatusPending:
		log.Warn("document not finalized, skipping scan")
		return nil
	case database.DocumentStatusApproved:
		// 重复投递：只补齐可能丢失的解析任务。
		if doc.ParsedAt == nil {
			return h.enqueueParse(ctx, &doc)
		}
		log.Info("document already approved, skipping scan")
		return nil
	}

	verdict, scanErr := h.scanner.Scan(ctx, scanner.Target{StorageKey: doc.StorageKey, Filename: doc.Filename})
	if scanErr != nil {
		metrics.ObserveScanVerdict("error")
		failure, _ := json.Marshal(scanFailure{Clean: false, Error: scanErr.Error(), ScanTime: h.now().UTC()})
		if err := h.setVerdict(ctx, doc.ID, database.DocumentStatusRejected, failure); err != nil {
			log.Error("force reject after scan failure failed", slog.Any("error", err))
		}
		publish(ctx, log, h.notifier, notify.Event{Kind: notify.KindDocument, ID: doc.ID, UserID: doc.UserID, Status: database.DocumentStatusRejected, Error: "scan failed"})
		if errors.Is(scanErr, storage.ErrObjectNotFound) {
			// 客户端未上传就 finalize，对象不会再出现。
			return permanent(fmt.Errorf("scan document: %w", scanErr))
		}
		return fmt.Errorf("scan document: %w", scanErr)
	}

	status := database.DocumentStatusApproved
	result := "clean"
	if !verdict.Clean {
		status = database.DocumentStatusRejected
		result = "infected"
	}
	metrics.ObserveScanVerdict(result)

	raw, err := json.Marshal(verdict)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	if err := h.setVerdict(ctx, doc.ID, status, raw); err != nil {
		return err
	}
	log.Info("scan verdict recorded", slog.String("status", status), slog.String("threat_type", verdict.ThreatType))
	publish(ctx, log, h.notifier, notify.Event{Kind: notify.KindDocument, ID: doc.ID, UserID: doc.UserID, Status: status})

	if status != database.DocumentStatusApproved {
		// 感染不是任务失败，结论已经落库。
		return nil
	}
	doc.Status = status
	return h.enqueueParse(ctx, &doc)
}

func (h *AVScanHandler) setVerdict(ctx context.Context, docID, status string, result []byte) error {
	err := h.db.WithContext(ctx).Model(&database.Document{}).Where("id = ?", docID).Updates(map[string]any{
		"status":      status,
		"scan_result": datatypes.JSON(result),
	}).Error
	if err != nil {
		return fmt.Errorf("update scan verdict: %w", err)
	}
	return nil
}

func (h *AVScanHandler) enqueueParse(ctx context.Context, doc *database.Document) error {
	_, err := h.dispatcher.EnqueueParse(ctx, tasks.ParsePayload{
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		FilePath:   doc.StorageKey,
		MimeType:   doc.Mime,
	})
	if err != nil {
		return fmt.Errorf("enqueue parse: %w", err)
	}
	return nil
}
