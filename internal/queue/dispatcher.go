// Package queue 封装 asynq 的任务投递与队列查询。
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"aicareer/internal/errcode"
	"aicareer/internal/tasks"
)

// Enqueuer 由 *asynq.Client 实现。
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Inspector 由 *asynq.Inspector 实现。
type Inspector interface {
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
}

// Dispatcher 按任务族投递到固定队列，调用方只能确认 broker 已接收。
type Dispatcher struct {
	client    Enqueuer
	inspector Inspector
	logger    *slog.Logger
}

// NewDispatcher inspector 可为 nil，此时状态查询不可用。
func NewDispatcher(client Enqueuer, inspector Inspector, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{client: client, inspector: inspector, logger: logger}
}

// AVScanTaskID 同一文档同一时间只保留一个扫描任务。
func AVScanTaskID(documentID string) string { return "avscan:" + documentID }

// AnalysisTaskID 同一运行同一时间只保留一个打分任务。
func AnalysisTaskID(runID string) string { return "analysis:" + runID }

func (d *Dispatcher) EnqueueAVScan(ctx context.Context, p tasks.AVScanPayload, opts ...asynq.Option) (string, error) {
	defaults := []asynq.Option{
		asynq.Queue(tasks.QueueAVScan),
		asynq.MaxRetry(3),
		asynq.Timeout(2 * time.Minute),
		asynq.TaskID(AVScanTaskID(p.DocumentID)),
	}
	return d.enqueue(ctx, tasks.TypeAVScan, p, defaults, opts)
}

func (d *Dispatcher) EnqueueParse(ctx context.Context, p tasks.ParsePayload, opts ...asynq.Option) (string, error) {
	defaults := []asynq.Option{
		asynq.Queue(tasks.QueueParse),
		asynq.MaxRetry(3),
		asynq.Timeout(5 * time.Minute),
	}
	return d.enqueue(ctx, tasks.TypeParse, p, defaults, opts)
}

func (d *Dispatcher) EnqueueEmbed(ctx context.Context, p tasks.EmbedPayload, opts ...asynq.Option) (string, error) {
	defaults := []asynq.Option{
		asynq.Queue(tasks.QueueEmbed),
		asynq.MaxRetry(3),
		asynq.Timeout(5 * time.Minute),
	}
	return d.enqueue(ctx, tasks.TypeEmbed, p, defaults, opts)
}

func (d *Dispatcher) EnqueueAnalysis(ctx context.Context, p tasks.AnalysisPayload, opts ...asynq.Option) (string, error) {
	defaults := []asynq.Option{
		asynq.Queue(tasks.QueueScore),
		asynq.MaxRetry(2),
		asynq.Timeout(3 * time.Minute),
		asynq.TaskID(AnalysisTaskID(p.RunID)),
	}
	return d.enqueue(ctx, tasks.TypeScore, p, defaults, opts)
}

func (d *Dispatcher) EnqueueStorageCleanup(ctx context.Context, p tasks.StorageCleanupPayload, opts ...asynq.Option) (string, error) {
	defaults := []asynq.Option{
		asynq.Queue(tasks.QueueMaintenance),
		asynq.MaxRetry(10),
	}
	return d.enqueue(ctx, tasks.TypeStorageCleanup, p, defaults, opts)
}

// enqueue 调用方传入的选项追加在默认值之后，asynq 以后出现者为准。
func (d *Dispatcher) enqueue(ctx context.Context, taskType string, payload interface{ Validate() error }, defaults, overrides []asynq.Option) (string, error) {
	task, err := tasks.NewTask(taskType, payload)
	if err != nil {
		return "", err
	}

	opts := append(append([]asynq.Option{}, defaults...), overrides...)
	info, err := d.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			id := taskIDFromOptions(opts)
			d.logger.Info("task already queued", slog.String("task_type", taskType), slog.String("job_id", id))
			return id, nil
		}
		return "", fmt.Errorf("enqueue %s: %w", taskType, err)
	}

	d.logger.Debug("task enqueued",
		slog.String("task_type", taskType),
		slog.String("job_id", info.ID),
		slog.String("queue", info.Queue),
	)
	return info.ID, nil
}

func taskIDFromOptions(opts []asynq.Option) string {
	id := ""
	for _, opt := range opts {
		if opt.Type() == asynq.TaskIDOpt {
			if v, ok := opt.Value().(string); ok {
				id = v
			}
		}
	}
	return id
}

// JobStatus 是对外暴露的任务状态。
type JobStatus struct {
	ID            string     `json:"id"`
	Queue         string     `json:"queue"`
	Type          string     `json:"type"`
	State         string     `json:"state"`
	Retried       int        `json:"retried"`
	MaxRetry      int        `json:"maxRetry"`
	LastError     string     `json:"lastError,omitempty"`
	NextProcessAt *time.Time `json:"nextProcessAt,omitempty"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// JobStatus 查询单个任务状态。
func (d *Dispatcher) JobStatus(_ context.Context, queueName, id string) (*JobStatus, error) {
	if d.inspector == nil {
		return nil, errcode.New(errcode.ExternalServiceError, "queue inspector unavailable")
	}
	info, err := d.inspector.GetTaskInfo(queueName, id)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			return nil, errcode.NotFound("job")
		}
		return nil, fmt.Errorf("get task info: %w", err)
	}

	status := &JobStatus{
		ID:        info.ID,
		Queue:     info.Queue,
		Type:      info.Type,
		State:     info.State.String(),
		Retried:   info.Retried,
		MaxRetry:  info.MaxRetry,
		LastError: info.LastErr,
	}
	if !info.NextProcessAt.IsZero() {
		t := info.NextProcessAt
		status.NextProcessAt = &t
	}
	if !info.CompletedAt.IsZero() {
		t := info.CompletedAt
		status.CompletedAt = &t
	}
	return status, nil
}

// QueueStats 是单个队列的深度统计。
type QueueStats struct {
	Queue     string `json:"queue"`
	Size      int    `json:"size"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
	Completed int    `json:"completed"`
	Processed int    `json:"processedToday"`
	Failed    int    `json:"failedToday"`
	Paused    bool   `json:"paused"`
}

// Stats 并发查询全部业务队列，从未使用过的队列返回零值。
func (d *Dispatcher) Stats(ctx context.Context) ([]QueueStats, error) {
	if d.inspector == nil {
		return nil, errcode.New(errcode.ExternalServiceError, "queue inspector unavailable")
	}

	names := tasks.Queues()
	out := make([]QueueStats, len(names))
	g, _ := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			info, err := d.inspector.GetQueueInfo(name)
			if err != nil {
				if errors.Is(err, asynq.ErrQueueNotFound) {
					out[i] = QueueStats{Queue: name}
					return nil
				}
				return fmt.Errorf("get queue info %s: %w", name, err)
			}
			out[i] = QueueStats{
				Queue:     name,
				Size:      info.Size,
				Pending:   info.Pending,
				Active:    info.Active,
				Scheduled: info.Scheduled,
				Retry:     info.Retry,
				Archived:  info.Archived,
				Completed: info.Completed,
				Processed: info.Processed,
				Failed:    info.Failed,
				Paused:    info.Paused,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
