package api

import (
	"errors"
	"net/http"

	"productlens/internal/model"
	"productlens/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// addResultRequest 是 worker 回写分析结果的请求体。
type addResultRequest struct {
	ID       uuid.UUID `json:"id"`
	TaskType string    `json:"taskType"`
	Message  string    `json:"message"`
}

// handleAddResult 接收 worker 的分析结果并写入任务文档。
//
// POST /api/v1/add/task
//
// taskType 只接受 text / photo / reviews，其他值直接返回 400，不访问存储。
func (s *Server) handleAddResult(c *gin.Context) {
	var req addResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	jobType, err := model.ParseJobType(req.TaskType)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.sink.RecordResult(c.Request.Context(), req.ID, getUserID(c), jobType, req.Message); err != nil {
		if errors.Is(err, model.ErrUnknownJobType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if errors.Is(err, store.ErrTaskNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record result failed"})
		return
	}
	c.Status(http.StatusOK)
}
