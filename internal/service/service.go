// Package service 实现各业务资源的读写，所有读写都先做归属校验。
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"gorm.io/gorm"

	"aicareer/internal/errcode"
	"aicareer/internal/policy"
)

// guard 统一处理非预期错误：记录审计与日志后转换为通用内部错误。
type guard struct {
	audit  *AuditService
	logger *slog.Logger
}

func newGuard(audit *AuditService, logger *slog.Logger) guard {
	if logger == nil {
		logger = slog.Default()
	}
	return guard{audit: audit, logger: logger}
}

// fail 业务错误原样返回，其余错误审计后包装为 INTERNAL_SERVER_ERROR。
func (g guard) fail(ctx context.Context, userID, operation string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errcode.As(err); ok {
		return err
	}
	g.logger.ErrorContext(ctx, "operation failed",
		slog.String("operation", operation),
		slog.String("user_id", userID),
		slog.Any("error", err),
	)
	if g.audit != nil {
		g.audit.Record(ctx, userID, OperationFailed{Operation: operation, Reason: err.Error()})
	}
	return errcode.Internal(err)
}

// loadOwned 按 ID 读取资源，不存在返回 NOT_FOUND，归属不符返回 ACCESS_DENIED。
func loadOwned[T any](ctx context.Context, db *gorm.DB, userID, id, resource string, ownerOf func(*T) string, preload ...string) (*T, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errcode.NotFound(resource)
	}
	var m T
	q := db.WithContext(ctx)
	for _, p := range preload {
		q = q.Preload(p)
	}
	if err := q.Where("id = ?", id).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errcode.NotFound(resource)
		}
		return nil, err
	}
	if err := policy.AssertOwnership(userID, ownerOf(&m)); err != nil {
		return nil, err
	}
	return &m, nil
}

// Page 是 take/skip 分页参数。
type Page struct {
	Take int
	Skip int
}

const (
	defaultPageSize = 50
	maxPageSize     = 100
)

func (p Page) normalize() Page {
	if p.Take <= 0 {
		p.Take = defaultPageSize
	}
	if p.Take > maxPageSize {
		p.Take = maxPageSize
	}
	if p.Skip < 0 {
		p.Skip = 0
	}
	return p
}
