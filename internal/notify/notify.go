// Package notify 推送文档与分析运行的状态变化。
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// 事件主体类型。
const (
	KindDocument = "document"
	KindRun      = "run"
)

// Event 的字段名与前端解析保持一致。
type Event struct {
	Kind   string    `json:"kind"`
	ID     string    `json:"id"`
	UserID string    `json:"userId"`
	Status string    `json:"status"`
	Error  string    `json:"error,omitempty"`
	At     time.Time `json:"at"`
}

// RoutingKey 形如 document.status。
func (e Event) RoutingKey() string { return e.Kind + ".status" }

// Publisher 投递失败不应影响主流程，调用方通常只记录日志。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Channel 返回用户的 Redis Pub/Sub 频道名。
func Channel(userID string) string { return "user_notify:" + userID }

// RedisPublisher 通过 Redis Pub/Sub 转发给 WebSocket 连接。
type RedisPublisher struct {
	client redis.UniversalClient
}

func NewRedisPublisher(client redis.UniversalClient) *RedisPublisher {
	return &RedisPublisher{client: client}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal notification payload: %w", err)
	}
	channel := Channel(event.UserID)
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish redis notification to %q: %w", channel, err)
	}
	return nil
}

// Fanout 依次投递到全部下游，错误合并返回。
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop 丢弃全部事件。
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
