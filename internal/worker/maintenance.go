package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"gorm.io/gorm"

	"aicareer/internal/database"
	"aicareer/internal/storage"
	"aicareer/internal/tasks"
)

// 单次对账最多处理的记录数。
const reconcileBatch = 100

// StorageCleanupHandler 重试删除记录时未能删除的对象。
type StorageCleanupHandler struct {
	storage storage.Provider
	logger  *slog.Logger
}

func NewStorageCleanupHandler(store storage.Provider, logger *slog.Logger) *StorageCleanupHandler {
	return &StorageCleanupHandler{storage: store, logger: logger}
}

func (h *StorageCleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := taskLogger(ctx, h.logger, t)
	payload, err := decode[tasks.StorageCleanupPayload](t)
	if err != nil {
		log.Error("decode cleanup payload failed", slog.Any("error", err), slog.String("payload", redactPayload(t.Payload())))
		return err
	}
	log = log.With(slog.String("storage_key", payload.StorageKey), slog.String("reason", payload.Reason))

	return runJob(ctx, log, func() error {
		return h.storage.DeleteObject(ctx, payload.StorageKey)
	})
}

// ReconcileHandler 周期性补投卡住的任务：scanning 的文档与 queued 的运行。
// 任务 ID 固定，已在队列中的任务会被 broker 判定为冲突而跳过。
type ReconcileHandler struct {
	db         *gorm.DB
	dispatcher Dispatcher
	stuckAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

func NewReconcileHandler(db *gorm.DB, dispatcher Dispatcher, stuckAfter time.Duration, logger *slog.Logger) *ReconcileHandler {
	return &ReconcileHandler{db: db, dispatcher: dispatcher, stuckAfter: stuckAfter, logger: logger, now: time.Now}
}

func (h *ReconcileHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	log := taskLogger(ctx, h.logger, t)
	return runJob(ctx, log, func() error {
		cutoff := h.now().Add(-h.stuckAfter)
		scans, scanErr := h.requeueScans(ctx, cutoff)
		runs, runErr := h.requeueRuns(ctx, cutoff)
		log.Info("reconciliation finished", slog.Int("scans_requeued", scans), slog.Int("runs_requeued", runs))
		return errors.Join(scanErr, runErr)
	})
}

func (h *ReconcileHandler) requeueScans(ctx context.Context, cutoff time.Time) (int, error) {
	var docs []database.Document
	err := h.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", database.DocumentStatusScanning, cutoff).
		Order("updated_at ASC").
		Limit(reconcileBatch).
		Find(&docs).Error
	if err != nil {
		return 0, fmt.Errorf("find stuck documents: %w", err)
	}

	var errs []error
	n := 0
	for _, doc := range docs {
		_, err := h.dispatcher.EnqueueAVScan(ctx, tasks.AVScanPayload{
			DocumentID: doc.ID,
			StorageKey: doc.StorageKey,
			UserID:     doc.UserID,
			Filename:   doc.Filename,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("requeue scan %s: %w", doc.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func (h *ReconcileHandler) requeueRuns(ctx context.Context, cutoff time.Time) (int, error) {
	var runs []database.Run
	err := h.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", database.RunStatusQueued, cutoff).
		Order("updated_at ASC").
		Limit(reconcileBatch).
		Find(&runs).Error
	if err != nil {
		return 0, fmt.Errorf("find stuck runs: %w", err)
	}

	var errs []error
	n := 0
	for _, run := range runs {
		_, err := h.dispatcher.EnqueueAnalysis(ctx, tasks.AnalysisPayload{
			RunID:           run.ID,
			UserID:          run.UserID,
			JDID:            run.JDID,
			ResumeVersionID: run.ResumeVersionID,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("requeue run %s: %w", run.ID, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
