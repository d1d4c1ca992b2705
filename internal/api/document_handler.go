package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"aicareer/internal/api/middleware"
	"aicareer/internal/errcode"
	"aicareer/internal/service"
)

// DocumentHandler 暴露直传上传与文档查询接口，文件内容不经过 API。
type DocumentHandler struct {
	documents *service.DocumentService
}

func NewDocumentHandler(documents *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{documents: documents}
}

type initUploadRequest struct {
	Mime          string `json:"mime" binding:"required,docmime"`
	SHA256        string `json:"sha256" binding:"required,sha256hex"`
	SizeBytes     int64  `json:"sizeBytes" binding:"required,gt=0"`
	SuggestedName string `json:"suggestedName" binding:"max=255"`
	Type          string `json:"type" binding:"omitempty,oneof=resume jd export"`
}

// InitUpload 返回预签名 PUT 地址；相同摘要重复调用返回同一个 documentId。
func (h *DocumentHandler) InitUpload(c *gin.Context) {
	var req initUploadRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.documents.InitUpload(c.Request.Context(), middleware.UserID(c), service.InitUploadInput{
		Mime:          req.Mime,
		SHA256:        req.SHA256,
		SizeBytes:     req.SizeBytes,
		SuggestedName: req.SuggestedName,
		Type:          req.Type,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	status := http.StatusCreated
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// FinalizeUpload 客户端完成直传后调用，文档进入 scanning 并投递扫描任务。
func (h *DocumentHandler) FinalizeUpload(c *gin.Context) {
	doc, err := h.documents.FinalizeUpload(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, doc)
}

// List 支持 ?type= 过滤。
func (h *DocumentHandler) List(c *gin.Context) {
	docType := c.Query("type")
	switch docType {
	case "", "resume", "jd", "export":
	default:
		RespondError(c, errcode.Validation("type must be one of resume, jd, export"))
		return
	}

	docs, err := h.documents.List(c.Request.Context(), middleware.UserID(c), docType)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, docs)
}

func (h *DocumentHandler) Get(c *gin.Context) {
	doc, err := h.documents.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

type downloadURLResponse struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// DownloadURL 只对 approved 文档签发下载地址。
func (h *DocumentHandler) DownloadURL(c *gin.Context) {
	url, expiresAt, err := h.documents.DownloadURL(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, downloadURLResponse{URL: url, ExpiresAt: expiresAt})
}

func (h *DocumentHandler) Delete(c *gin.Context) {
	if err := h.documents.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
