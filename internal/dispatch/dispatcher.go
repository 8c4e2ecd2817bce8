package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"productlens/internal/model"
	"productlens/internal/pkg/jobqueue"
	"productlens/internal/pkg/metrics"

	"github.com/google/uuid"
)

// Publisher 把一条分析任务写入持久队列。
type Publisher interface {
	PushJob(ctx context.Context, job *jobqueue.AnalysisJob) error
}

// Error 汇总一次分发中失败的发布。
//
// 已经成功发布的任务不会被撤回，调用方需要自行决定如何对外呈现部分成功。
type Error struct {
	TaskID   uuid.UUID
	failures map[model.JobType]error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("dispatch task ")
	b.WriteString(e.TaskID.String())
	b.WriteString(":")
	for _, jt := range e.Failed() {
		b.WriteString(" ")
		b.WriteString(jt.String())
		b.WriteString(": ")
		b.WriteString(e.failures[jt].Error())
		b.WriteString(";")
	}
	return strings.TrimSuffix(b.String(), ";")
}

// Failed 按 text、photo、reviews 的顺序返回发布失败的类型。
func (e *Error) Failed() []model.JobType {
	out := make([]model.JobType, 0, len(e.failures))
	for _, jt := range model.AllJobTypes() {
		if _, ok := e.failures[jt]; ok {
			out = append(out, jt)
		}
	}
	return out
}

// Cause 返回指定类型的失败原因。
func (e *Error) Cause(jt model.JobType) error {
	return e.failures[jt]
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, len(e.failures))
	for _, jt := range e.Failed() {
		out = append(out, e.failures[jt])
	}
	return out
}

// Dispatcher 把一个任务拆成三条分析任务并发发布。
type Dispatcher struct {
	pub    Publisher
	logger *slog.Logger
}

// New 创建 Dispatcher。pub 需要支持并发调用。
func New(pub Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{pub: pub, logger: logger}
}

// Dispatch 发布 text、photo、reviews 三条任务。
//
// 三次发布同时进行，全部结束后才返回；任意一条失败即返回 *Error，
// 其中列出失败的类型。不回滚、不重试。
func (d *Dispatcher) Dispatch(ctx context.Context, taskID uuid.UUID, main model.ProductInput, competitors []model.ProductInput) error {
	jobs, err := BuildJobs(taskID, main, competitors)
	if err != nil {
		return err
	}

	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for i, job := range jobs {
		wg.Add(1)
		go func(i int, job *jobqueue.AnalysisJob) {
			defer wg.Done()
			errs[i] = d.pub.PushJob(ctx, job)
		}(i, job)
	}
	wg.Wait()

	var failures map[model.JobType]error
	for i, job := range jobs {
		jt := job.TaskType.String()
		if errs[i] == nil {
			metrics.JobsPublishedTotal.WithLabelValues(jt, "ok").Inc()
			continue
		}
		metrics.JobsPublishedTotal.WithLabelValues(jt, "error").Inc()
		d.logger.Error("publish analysis job failed",
			slog.String("task_id", taskID.String()),
			slog.String("job_type", jt),
			slog.String("error", errs[i].Error()))
		if failures == nil {
			failures = make(map[model.JobType]error)
		}
		failures[job.TaskType] = errs[i]
	}

	if failures != nil {
		return &Error{TaskID: taskID, failures: failures}
	}

	d.logger.Info("analysis jobs dispatched",
		slog.String("task_id", taskID.String()),
		slog.Int("products", len(competitors)+1))
	return nil
}

// FailedJobTypes 从 Dispatch 返回的错误中取出失败类型，非分发错误返回 nil。
func FailedJobTypes(err error) []model.JobType {
	var de *Error
	if errors.As(err, &de) {
		return de.Failed()
	}
	return nil
}
