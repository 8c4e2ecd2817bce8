package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"productlens/internal/model"
	"productlens/internal/pkg/metrics"
	"productlens/internal/store"

	"github.com/google/uuid"
)

// AnalysisWriter 写入单个分析字段。
type AnalysisWriter interface {
	SetAnalysis(ctx context.Context, owner string, id uuid.UUID, jobType model.JobType, message string) error
}

// Sink 接收 worker 回写的分析结果。
type Sink struct {
	docs   AnalysisWriter
	logger *slog.Logger
}

// New 创建 Sink。
func New(docs AnalysisWriter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{docs: docs, logger: logger}
}

// RecordResult 把 message 写入任务文档中 jobType 对应的字段。
//
// 重复调用直接覆盖，三种类型之间没有先后要求；不访问关系型存储。
// 非法类型返回 model.ErrUnknownJobType，文档不存在返回 store.ErrTaskNotFound。
func (s *Sink) RecordResult(ctx context.Context, taskID uuid.UUID, owner string, jobType model.JobType, message string) error {
	if !jobType.Valid() {
		return fmt.Errorf("record result: %w", model.ErrUnknownJobType)
	}
	if taskID == uuid.Nil {
		return errors.New("task id is empty")
	}

	label := jobType.String()
	if err := s.docs.SetAnalysis(ctx, owner, taskID, jobType, message); err != nil {
		if errors.Is(err, store.ErrTaskNotFound) {
			metrics.AnalysisResultsTotal.WithLabelValues(label, "not_found").Inc()
		} else {
			metrics.AnalysisResultsTotal.WithLabelValues(label, "error").Inc()
		}
		s.logger.Error("record analysis result failed",
			slog.String("task_id", taskID.String()),
			slog.String("job_type", label),
			slog.String("error", err.Error()))
		return err
	}

	metrics.AnalysisResultsTotal.WithLabelValues(label, "ok").Inc()
	s.logger.Info("analysis result recorded",
		slog.String("task_id", taskID.String()),
		slog.String("job_type", label),
		slog.Int("bytes", len(message)))
	return nil
}
