package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"aicareer/internal/api/middleware"
	"aicareer/internal/service"
)

// RunHandler 创建与查询匹配分析。
type RunHandler struct {
	runs *service.RunService
}

func NewRunHandler(runs *service.RunService) *RunHandler {
	return &RunHandler{runs: runs}
}

type createRunRequest struct {
	JDID            string `json:"jdId" binding:"required,uuid"`
	ResumeVersionID string `json:"resumeVersionId" binding:"required,uuid"`
}

// Create 落库 queued 状态的运行并投递打分任务。
func (h *RunHandler) Create(c *gin.Context) {
	var req createRunRequest
	if !bindJSON(c, &req) {
		return
	}
	run, err := h.runs.Create(c.Request.Context(), middleware.UserID(c), req.JDID, req.ResumeVersionID)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, run)
}

func (h *RunHandler) List(c *gin.Context) {
	runs, err := h.runs.List(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *RunHandler) Get(c *gin.Context) {
	run, err := h.runs.Get(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (h *RunHandler) Delete(c *gin.Context) {
	if err := h.runs.Delete(c.Request.Context(), middleware.UserID(c), c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
