package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aicareer/internal/api/middleware"
	"aicareer/internal/service"
)

// ResumeHandler 负责处理与简历及其版本相关的 API 请求。
type ResumeHandler struct {
	resumes *service.ResumeService
}

func NewResumeHandler(resumes *service.ResumeService) *ResumeHandler {
	return &ResumeHandler{resumes: resumes}
}

type createResumeRequest struct {
	Title      string  `json:"title" binding:"required,max=255"`
	DocumentID *string `json:"documentId" binding:"omitempty,uuid"`
}

func (h *ResumeHandler) Create(c *gin.Context) {
	var req createResumeRequest
	if !bindJSON(c, &req) {
		return
	}
	resume, err := h.resumes.Create(c.Request.Context(), middleware.UserID(c), req.Title, req.DocumentID)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resume)
}

// List 返回调用者的简历，版本按创建时间倒序。
func (h *ResumeHandler) List(c *gin.Context) {
	resumes, err := h.resumes.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resumes)
}

func (h *ResumeHandler) Get(c *gin.Context) {
	resume, err := h.resumes.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resume)
}

type updateResumeRequest struct {
	Title string `json:"title" binding:"required,max=255"`
}

func (h *ResumeHandler) Update(c *gin.Context) {
	var req updateResumeRequest
	if !bindJSON(c, &req) {
		return
	}
	resume, err := h.resumes.Update(c.Request.Context(), middleware.UserID(c), c.Param("id"), req.Title)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resume)
}

func (h *ResumeHandler) Delete(c *gin.Context) {
	if err := h.resumes.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createVersionRequest struct {
	DocumentID *string `json:"documentId" binding:"omitempty,uuid"`
	FromRunID  *string `json:"fromRunId" binding:"omitempty,uuid"`
}

// CreateVersion 的请求体可以为空，此时生成一个空白版本。
func (h *ResumeHandler) CreateVersion(c *gin.Context) {
	var req createVersionRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}
	version, err := h.resumes.CreateVersion(c.Request.Context(), middleware.UserID(c), c.Param("id"), service.VersionInput{
		DocumentID: req.DocumentID,
		FromRunID:  req.FromRunID,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, version)
}
