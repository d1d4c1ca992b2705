package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aicareer/internal/api/middleware"
	"aicareer/internal/service"
)

// JobHandler 管理目标岗位描述。
type JobHandler struct {
	jobs *service.JobService
}

func NewJobHandler(jobs *service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

type createJobRequest struct {
	Title       string  `json:"title" binding:"required,max=255"`
	Company     string  `json:"company" binding:"max=255"`
	DocumentID  *string `json:"documentId" binding:"omitempty,uuid"`
	Description string  `json:"description" binding:"max=102400"`
}

func (h *JobHandler) Create(c *gin.Context) {
	var req createJobRequest
	if !bindJSON(c, &req) {
		return
	}
	job, err := h.jobs.Create(c.Request.Context(), middleware.UserID(c), service.JobInput{
		Title:       req.Title,
		Company:     req.Company,
		DocumentID:  req.DocumentID,
		Description: req.Description,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (h *JobHandler) List(c *gin.Context) {
	jobs, err := h.jobs.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *JobHandler) Get(c *gin.Context) {
	job, err := h.jobs.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type updateJobRequest struct {
	Title       *string `json:"title" binding:"omitempty,min=1,max=255"`
	Company     *string `json:"company" binding:"omitempty,max=255"`
	DocumentID  *string `json:"documentId" binding:"omitempty,uuid"`
	Description *string `json:"description" binding:"omitempty,max=102400"`
}

// Update 只修改请求中出现的字段。
func (h *JobHandler) Update(c *gin.Context) {
	var req updateJobRequest
	if !bindJSON(c, &req) {
		return
	}
	job, err := h.jobs.Update(c.Request.Context(), middleware.UserID(c), c.Param("id"), service.JobPatch{
		Title:       req.Title,
		Company:     req.Company,
		DocumentID:  req.DocumentID,
		Description: req.Description,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *JobHandler) Delete(c *gin.Context) {
	if err := h.jobs.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
