package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"productlens/internal/dispatch"
	"productlens/internal/model"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// createTaskRequest 创建任务的请求参数。
type createTaskRequest struct {
	Name        string               `json:"name"` // 为空时使用主商品名称
	Main        model.ProductInput   `json:"main"`
	Products    []model.ProductInput `json:"products"`
	UsedWords   []string             `json:"used_words"`
	UnusedWords []string             `json:"unused_words"`
}

func (r *createTaskRequest) validate() error {
	if strings.TrimSpace(r.Main.Name) == "" {
		return errors.New("main product name is required")
	}
	return nil
}

func (r *createTaskRequest) payload() model.TaskPayload {
	return model.TaskPayload{
		MainProduct:    r.Main.ToProduct(),
		Competitors:    model.ToProducts(r.Products),
		KeywordsUsed:   r.UsedWords,
		KeywordsUnused: r.UnusedWords,
	}
}

// regenerateTaskRequest 在创建参数基础上指定已有任务。
type regenerateTaskRequest struct {
	ID uuid.UUID `json:"id"`
	createTaskRequest
}

// createTaskResponse 创建任务的响应。
type createTaskResponse struct {
	ID uuid.UUID `json:"id"`
}

type renameTaskRequest struct {
	ID      uuid.UUID `json:"id"`
	NewName string    `json:"newName"`
}

type taskIDRequest struct {
	ID uuid.UUID `json:"id"`
}

type historyElement struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

type historyResponse struct {
	Elements []historyElement `json:"elements"`
}

type taskDocumentResponse struct {
	Main           model.Product   `json:"main"`
	Products       []model.Product `json:"products"`
	UsedWords      []string        `json:"usedWords"`
	UnusedWords    []string        `json:"unusedWords"`
	TextAnalysis   *string         `json:"textAnalysis"`
	PhotoAnalysis  *string         `json:"photoAnalysis"`
	ReviewAnalysis *string         `json:"reviewAnalysis"`
}

// handleCreateTask 创建任务并分发三个分析作业。
//
// POST /api/v1/create/task
//
// 存储写入成功但分发失败时返回 500，并带上任务 ID 与失败的作业类型；
// 已写入的任务保留，由客户端决定是否重新生成。
func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := getUserID(c)
	ctx := c.Request.Context()

	id, err := s.tasks.CreateTask(ctx, userID, req.Name, req.payload())
	if err != nil {
		if id != uuid.Nil {
			s.logger.Error("task left without document",
				slog.String("task_id", id.String()),
				slog.String("user_id", userID))
		}
		s.writeStoreError(c, "create task", err)
		return
	}

	if err := s.dispatcher.Dispatch(ctx, id, req.Main, req.Products); err != nil {
		s.writeDispatchError(c, id, err)
		return
	}

	c.JSON(http.StatusCreated, createTaskResponse{ID: id})
}

// handleRegenerateTask 用新的商品与关键词覆盖任务并重新分发。
//
// POST /api/v1/regenerate/task
func (s *Server) handleRegenerateTask(c *gin.Context) {
	var req regenerateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if err := s.tasks.RegenerateTask(ctx, getUserID(c), req.ID, req.payload()); err != nil {
		s.writeStoreError(c, "regenerate task", err)
		return
	}
	if err := s.dispatcher.Dispatch(ctx, req.ID, req.Main, req.Products); err != nil {
		s.writeDispatchError(c, req.ID, err)
		return
	}

	c.JSON(http.StatusCreated, createTaskResponse{ID: req.ID})
}

func (s *Server) writeDispatchError(c *gin.Context, id uuid.UUID, err error) {
	failed := dispatch.FailedJobTypes(err)
	types := make([]string, 0, len(failed))
	for _, jt := range failed {
		types = append(types, jt.String())
	}
	s.logger.Error("dispatch analysis jobs failed",
		slog.String("task_id", id.String()),
		slog.String("user_id", getUserID(c)),
		slog.Any("failed_job_types", types),
		slog.String("error", err.Error()))
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "dispatch analysis jobs failed",
		"details": err.Error(),
		"id":      id,
		"failed":  types,
	})
}

// handleRenameTask 修改任务名称。
//
// PUT /api/v1/edit/task
func (s *Server) handleRenameTask(c *gin.Context) {
	var req renameTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ID == uuid.Nil || strings.TrimSpace(req.NewName) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id and newName are required"})
		return
	}

	if err := s.tasks.RenameTask(c.Request.Context(), getUserID(c), req.ID, req.NewName); err != nil {
		s.writeStoreError(c, "rename task", err)
		return
	}
	c.Status(http.StatusAccepted)
}

// handleDeleteTask 从两个存储中删除任务。
//
// POST /api/v1/delete/task
func (s *Server) handleDeleteTask(c *gin.Context) {
	var req taskIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	if err := s.tasks.DeleteTask(c.Request.Context(), getUserID(c), req.ID); err != nil {
		s.writeStoreError(c, "delete task", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": req.ID})
}

// handleHistory 返回用户的任务列表，最近活动的在前。
//
// GET /api/v1/get/history
func (s *Server) handleHistory(c *gin.Context) {
	tasks, err := s.tasks.History(c.Request.Context(), getUserID(c))
	if err != nil {
		s.writeStoreError(c, "list tasks", err)
		return
	}

	resp := historyResponse{Elements: make([]historyElement, 0, len(tasks))} // 保证 JSON 为 [] 而不是 null
	for _, t := range tasks {
		resp.Elements = append(resp.Elements, historyElement{ID: t.ID, Name: t.Name, CreatedAt: t.CreatedAt})
	}
	c.JSON(http.StatusOK, resp)
}

// handleGetTask 返回任务文档，未完成的分析字段为 null。
//
// POST /api/v1/get/task
func (s *Server) handleGetTask(c *gin.Context) {
	var req taskIDRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	doc, err := s.tasks.GetTask(c.Request.Context(), getUserID(c), req.ID)
	if err != nil {
		s.writeStoreError(c, "get task", err)
		return
	}

	c.JSON(http.StatusOK, taskDocumentResponse{
		Main:           doc.MainProduct,
		Products:       nonNilProducts(doc.Competitors),
		UsedWords:      nonNilStrings(doc.KeywordsUsed),
		UnusedWords:    nonNilStrings(doc.KeywordsUnused),
		TextAnalysis:   doc.TextAnalysis,
		PhotoAnalysis:  doc.PhotoAnalysis,
		ReviewAnalysis: doc.ReviewAnalysis,
	})
}

func nonNilProducts(p []model.Product) []model.Product {
	if p == nil {
		return []model.Product{}
	}
	return p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
