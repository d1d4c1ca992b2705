package middleware

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"aicareer/internal/errcode"
	"aicareer/internal/metrics"
)

// RateCounter 是固定窗口计数所需的 redis 子集，*redis.Client 满足该接口。
type RateCounter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
}

func incrWithTTL(ctx context.Context, client RateCounter, key string, ttl time.Duration) (int64, error) {
	count, err := client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		_ = client.Expire(ctx, key, ttl).Err()
	}
	return count, nil
}

// RateLimit 描述一个限流桶。
type RateLimit struct {
	Bucket string
	Max    int
	Window time.Duration
}

// RateLimitMiddleware 按客户端 IP 做固定窗口限流。
// counter 为 nil 时不限流；redis 不可用时放行并记录告警。
func RateLimitMiddleware(counter RateCounter, limit RateLimit, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if counter == nil || limit.Max <= 0 || limit.Window <= 0 {
			c.Next()
			return
		}

		now := time.Now().UTC()
		windowStart := now.Truncate(limit.Window)
		key := "rate:" + limit.Bucket + ":" + c.ClientIP() + ":" + strconv.FormatInt(windowStart.Unix(), 10)

		count, err := incrWithTTL(c.Request.Context(), counter, key, limit.Window)
		if err != nil {
			logger.Warn("rate limit counter unavailable",
				slog.String("bucket", limit.Bucket),
				slog.Any("error", err),
			)
			c.Next()
			return
		}

		remaining := int64(limit.Max) - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(limit.Max))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > int64(limit.Max) {
			retryAfter := windowStart.Add(limit.Window).Sub(now)
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			metrics.ObserveRateLimited(limit.Bucket)
			AbortWithError(c, errcode.New(errcode.RateLimitExceeded, "too many requests, please try again later"))
			return
		}
		c.Next()
	}
}
