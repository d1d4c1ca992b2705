package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aicareer/internal/api/middleware"
	"aicareer/internal/database"
	"aicareer/internal/service"
)

type AuditHandler struct {
	audit *service.AuditService
}

func NewAuditHandler(audit *service.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

type auditPage struct {
	Items []database.AuditLog `json:"items"`
	Total int64               `json:"total"`
	Skip  int                 `json:"skip"`
}

func pageFromQuery(c *gin.Context) (service.Page, bool) {
	take, ok := queryInt(c, "take", 0)
	if !ok {
		return service.Page{}, false
	}
	skip, ok := queryInt(c, "skip", 0)
	if !ok {
		return service.Page{}, false
	}
	return service.Page{Take: take, Skip: skip}, true
}

// Mine 返回调用者自己的审计日志。
func (h *AuditHandler) Mine(c *gin.Context) {
	page, ok := pageFromQuery(c)
	if !ok {
		return
	}
	h.respond(c, page, func() ([]database.AuditLog, int64, error) {
		return h.audit.ListForUser(c.Request.Context(), middleware.UserID(c), page)
	})
}

// All 仅管理员可用，可按 ?userId= 过滤。
func (h *AuditHandler) All(c *gin.Context) {
	page, ok := pageFromQuery(c)
	if !ok {
		return
	}
	h.respond(c, page, func() ([]database.AuditLog, int64, error) {
		return h.audit.ListAll(c.Request.Context(), c.Query("userId"), page)
	})
}

func (h *AuditHandler) respond(c *gin.Context, page service.Page, list func() ([]database.AuditLog, int64, error)) {
	items, total, err := list()
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, auditPage{Items: items, Total: total, Skip: page.Skip})
}
