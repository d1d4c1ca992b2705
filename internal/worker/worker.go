// Package worker 实现各队列的后台任务处理器。
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"aicareer/internal/notify"
	"aicareer/internal/tasks"
)

// Dispatcher 是处理器之间串联流水线所需的投递能力，*queue.Dispatcher 满足该接口。
type Dispatcher interface {
	EnqueueAVScan(ctx context.Context, p tasks.AVScanPayload, opts ...asynq.Option) (string, error)
	EnqueueParse(ctx context.Context, p tasks.ParsePayload, opts ...asynq.Option) (string, error)
	EnqueueEmbed(ctx context.Context, p tasks.EmbedPayload, opts ...asynq.Option) (string, error)
	EnqueueAnalysis(ctx context.Context, p tasks.AnalysisPayload, opts ...asynq.Option) (string, error)
}

// taskLogger 附加 job_id、task_type 与 queue。
func taskLogger(ctx context.Context, base *slog.Logger, t *asynq.Task) *slog.Logger {
	id, _ := asynq.GetTaskID(ctx)
	queue, _ := asynq.GetQueueName(ctx)
	return base.With(
		slog.String("job_id", id),
		slog.String("task_type", t.Type()),
		slog.String("queue", queue),
	)
}

// runJob 统一记录开始、完成与失败日志及耗时，错误原样返回给 asynq。
func runJob(ctx context.Context, log *slog.Logger, fn func() error) error {
	start := time.Now()
	log.InfoContext(ctx, "job started")

	err := fn()
	duration := slog.Int64("duration_ms", time.Since(start).Milliseconds())
	if err != nil {
		if errors.Is(err, asynq.SkipRetry) {
			log.WarnContext(ctx, "job failed permanently", duration, slog.Any("error", err))
		} else {
			log.ErrorContext(ctx, "job failed", duration, slog.Any("error", err))
		}
		return err
	}
	log.InfoContext(ctx, "job completed", duration)
	return nil
}

// permanent 标记无需重试的失败。
func permanent(err error) error {
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		return err
	}
	return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
}

// decode 反序列化失败时载荷本身有问题，重试没有意义。
func decode[T interface{ Validate() error }](t *asynq.Task) (T, error) {
	p, err := tasks.Decode[T](t)
	if err != nil {
		return p, permanent(err)
	}
	return p, nil
}

func isFinalAsynqAttempt(ctx context.Context) bool {
	retryCount, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	if !ok1 || !ok2 {
		return false
	}
	return retryCount >= maxRetry
}

// shouldReport 永久失败或最后一次重试时才向用户推送失败状态。
func shouldReport(ctx context.Context, err error) bool {
	return errors.Is(err, asynq.SkipRetry) || isFinalAsynqAttempt(ctx)
}

func publish(ctx context.Context, log *slog.Logger, publisher notify.Publisher, event notify.Event) {
	if publisher == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	if err := publisher.Publish(ctx, event); err != nil {
		log.WarnContext(ctx, "publish status notification failed",
			slog.String("kind", event.Kind),
			slog.String("status", event.Status),
			slog.Any("error", err),
		)
	}
}

var sensitiveKeys = []string{"password", "token", "secret"}

// redactPayload 在记录原始载荷前抹掉敏感字段，非 JSON 载荷只记录长度。
func redactPayload(raw []byte) string {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Sprintf("<%d bytes>", len(raw))
	}
	for k := range fields {
		lk := strings.ToLower(k)
		for _, s := range sensitiveKeys {
			if strings.Contains(lk, s) {
				fields[k] = "[REDACTED]"
				break
			}
		}
	}
	out, _ := json.Marshal(fields)
	return string(out)
}
