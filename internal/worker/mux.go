package worker

import (
	"github.com/hibiken/asynq"

	"aicareer/internal/metrics"
	"aicareer/internal/tasks"
)

// Handlers 汇总全部任务处理器。
type Handlers struct {
	AVScan         *AVScanHandler
	Parse          *ParseHandler
	Embed          *EmbedHandler
	Score          *ScoreHandler
	StorageCleanup *StorageCleanupHandler
	Reconcile      *ReconcileHandler
}

// NewServeMux 注册任务类型与处理器，并挂载指标中间件。
func NewServeMux(h Handlers) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Use(metrics.AsynqMetricsMiddleware())
	mux.Handle(tasks.TypeAVScan, h.AVScan)
	mux.Handle(tasks.TypeParse, h.Parse)
	mux.Handle(tasks.TypeEmbed, h.Embed)
	mux.Handle(tasks.TypeScore, h.Score)
	mux.Handle(tasks.TypeStorageCleanup, h.StorageCleanup)
	mux.Handle(tasks.TypeReconcile, h.Reconcile)
	return mux
}
