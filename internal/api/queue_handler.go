package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"aicareer/internal/queue"
)

// QueueInspector 由 *queue.Dispatcher 实现。
type QueueInspector interface {
	Stats(ctx context.Context) ([]queue.QueueStats, error)
	JobStatus(ctx context.Context, queueName, id string) (*queue.JobStatus, error)
}

// QueueHandler 供管理员查看队列深度与单个任务状态。
type QueueHandler struct {
	inspector QueueInspector
}

func NewQueueHandler(inspector QueueInspector) *QueueHandler {
	return &QueueHandler{inspector: inspector}
}

func (h *QueueHandler) Stats(c *gin.Context) {
	stats, err := h.inspector.Stats(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

func (h *QueueHandler) Job(c *gin.Context) {
	status, err := h.inspector.JobStatus(c.Request.Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}
