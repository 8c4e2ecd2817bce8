package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"productlens/internal/model"
	"productlens/internal/pkg/metrics"

	"github.com/google/uuid"
)

const compensationTimeout = 5 * time.Second

// Service 负责把一个任务写入两个互不相关的存储。
//
// 两次写入之间没有跨库事务：先写关系型行拿到 ID，再以同一 ID 写文档。
// 文档写入失败时，默认删除刚写入的关系型行（补偿），避免出现没有内容的任务。
// 分发分析任务不在这里完成，调用方在写入成功后自行调用 Dispatcher。
type Service struct {
	rel        RelationalStore
	docs       DocumentStore
	logger     *slog.Logger
	compensate bool
	now        func() time.Time
}

// ServiceOption Service 配置选项。
type ServiceOption func(*Service)

// WithCompensation 设置文档写入失败时是否回滚关系型行。
func WithCompensation(enabled bool) ServiceOption {
	return func(s *Service) {
		s.compensate = enabled
	}
}

// WithClock 替换时间来源（测试用）。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService 创建任务存储服务。
func NewService(rel RelationalStore, docs DocumentStore, logger *slog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		rel:        rel,
		docs:       docs,
		logger:     logger,
		compensate: true,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTask 创建任务并返回其 ID。
//
// 参数:
//   - owner: 用户 ID，同时是文档分区名
//   - name: 任务名称，为空时使用主商品名称
//   - payload: 主商品、竞品与关键词
//
// 返回值:
//   - uuid.UUID: 新任务 ID；关系型行已写入且未被回滚时，即使返回错误也非零
//   - error: ErrRelationalStore / ErrDocumentStore 包装的错误
func (s *Service) CreateTask(ctx context.Context, owner, name string, payload model.TaskPayload) (uuid.UUID, error) {
	if strings.TrimSpace(owner) == "" {
		return uuid.Nil, errors.New("owner is required")
	}
	if name == "" {
		name = payload.MainProduct.Name
	}

	task := &model.Task{UserID: owner, Name: name, CreatedAt: s.now()}
	if err := s.rel.InsertTask(ctx, task); err != nil {
		metrics.TasksCreatedTotal.WithLabelValues("relational_error").Inc()
		return uuid.Nil, err
	}

	doc := &model.AnalysisDocument{
		ID:             task.ID.String(),
		CreatedAt:      task.CreatedAt,
		MainProduct:    payload.MainProduct,
		Competitors:    payload.Competitors,
		KeywordsUsed:   nonNil(payload.KeywordsUsed),
		KeywordsUnused: nonNil(payload.KeywordsUnused),
	}
	if doc.Competitors == nil {
		doc.Competitors = []model.Product{}
	}

	if err := s.docs.InsertDocument(ctx, owner, doc); err != nil {
		metrics.TasksCreatedTotal.WithLabelValues("document_error").Inc()
		s.logger.Error("insert task document failed",
			slog.String("task_id", task.ID.String()),
			slog.String("user_id", owner),
			slog.String("error", err.Error()))

		if !s.compensate {
			return task.ID, err
		}
		if cerr := s.removeOrphan(ctx, owner, task.ID); cerr != nil {
			return task.ID, errors.Join(err, cerr)
		}
		return uuid.Nil, err
	}

	metrics.TasksCreatedTotal.WithLabelValues("ok").Inc()
	s.logger.Info("task created",
		slog.String("task_id", task.ID.String()),
		slog.String("user_id", owner),
		slog.Int("competitors", len(doc.Competitors)))

	return task.ID, nil
}

// removeOrphan 删除文档写入失败后遗留的关系型行。
// 请求被取消时仍然执行，使用独立的超时。
func (s *Service) removeOrphan(ctx context.Context, owner string, id uuid.UUID) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := s.rel.DeleteTask(cctx, owner, id); err != nil {
		metrics.OrphanCompensationsTotal.WithLabelValues("error").Inc()
		s.logger.Error("orphan task compensation failed",
			slog.String("task_id", id.String()),
			slog.String("user_id", owner),
			slog.String("error", err.Error()))
		return fmt.Errorf("compensate task %s: %w", id, err)
	}

	metrics.OrphanCompensationsTotal.WithLabelValues("ok").Inc()
	s.logger.Warn("orphan task removed",
		slog.String("task_id", id.String()),
		slog.String("user_id", owner))
	return nil
}

// RegenerateTask 刷新任务活动时间并整体覆盖文档中的商品与关键词。
//
// 分析字段不做清理，旧结果在 worker 重新写入之前保持原值。
// 同一任务的并发重新生成没有加锁，两个存储各自以最后一次写入为准。
func (s *Service) RegenerateTask(ctx context.Context, owner string, id uuid.UUID, payload model.TaskPayload) error {
	at := s.now()
	if err := s.rel.TouchTask(ctx, owner, id, at); err != nil {
		metrics.TasksRegeneratedTotal.WithLabelValues(resultLabel(err)).Inc()
		return err
	}
	if err := s.docs.ReplacePayload(ctx, owner, id, payload, at); err != nil {
		metrics.TasksRegeneratedTotal.WithLabelValues(resultLabel(err)).Inc()
		return err
	}

	metrics.TasksRegeneratedTotal.WithLabelValues("ok").Inc()
	s.logger.Info("task regenerated",
		slog.String("task_id", id.String()),
		slog.String("user_id", owner))
	return nil
}

// RenameTask 修改任务名称，只涉及关系型存储。
func (s *Service) RenameTask(ctx context.Context, owner string, id uuid.UUID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name is required")
	}
	return s.rel.RenameTask(ctx, owner, id, name)
}

// DeleteTask 删除任务的两部分。
//
// 关系型行不存在时直接返回 ErrTaskNotFound；文档缺失视为已删除。
func (s *Service) DeleteTask(ctx context.Context, owner string, id uuid.UUID) error {
	if err := s.rel.DeleteTask(ctx, owner, id); err != nil {
		return err
	}
	if err := s.docs.DeleteDocument(ctx, owner, id); err != nil && !errors.Is(err, ErrTaskNotFound) {
		s.logger.Error("delete task document failed",
			slog.String("task_id", id.String()),
			slog.String("user_id", owner),
			slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("task deleted",
		slog.String("task_id", id.String()),
		slog.String("user_id", owner))
	return nil
}

// History 按最近活动时间倒序返回用户的任务。
func (s *Service) History(ctx context.Context, owner string) ([]model.Task, error) {
	return s.rel.ListTasks(ctx, owner)
}

// GetTask 返回任务的文档部分。
func (s *Service) GetTask(ctx context.Context, owner string, id uuid.UUID) (*model.AnalysisDocument, error) {
	return s.docs.GetDocument(ctx, owner, id)
}

// Ping 检查两个存储的连接。
func (s *Service) Ping(ctx context.Context) error {
	return errors.Join(s.rel.Ping(ctx), s.docs.Ping(ctx))
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		return "not_found"
	case errors.Is(err, ErrRelationalStore):
		return "relational_error"
	case errors.Is(err, ErrDocumentStore):
		return "document_error"
	default:
		return "error"
	}
}
