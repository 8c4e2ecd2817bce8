package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"productlens/internal/model"
	"productlens/internal/pkg/metrics"
	"productlens/internal/pkg/progresslog"

	"github.com/google/uuid"
)

// LineWriter 把一行写给客户端并立即刷出。写失败意味着客户端已断开。
type LineWriter interface {
	WriteLine(line []byte) error
}

// Subscription 是单个任务的持久拉取消费者。
type Subscription interface {
	Read(ctx context.Context) ([]progresslog.Entry, error)
	Ack(ctx context.Context, msgID string) error
	DeadLetter(ctx context.Context, entry progresslog.Entry, reason string) error
}

// Subscriber 获取（或复用）任务的持久消费者。
type Subscriber interface {
	Subscribe(ctx context.Context, taskID uuid.UUID) (Subscription, error)
}

type logSubscriber struct {
	log *progresslog.Log
}

func (s logSubscriber) Subscribe(ctx context.Context, taskID uuid.UUID) (Subscription, error) {
	sub, err := s.log.Subscribe(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// FromLog 把 progresslog.Log 适配为 Subscriber。
func FromLog(l *progresslog.Log) Subscriber {
	return logSubscriber{log: l}
}

// Aggregator 把一个任务的进度流转成客户端可见的 NDJSON 流。
//
// 每次请求独立：自己的消费者、自己的 Tracker，不同任务之间没有共享状态。
type Aggregator struct {
	subs       Subscriber
	logger     *slog.Logger
	retryDelay time.Duration
}

// Option Aggregator 配置选项。
type Option func(*Aggregator)

// WithRetryDelay 设置读取失败后的等待时间。
func WithRetryDelay(d time.Duration) Option {
	return func(a *Aggregator) {
		if d > 0 {
			a.retryDelay = d
		}
	}
}

// NewAggregator 创建 Aggregator。
func NewAggregator(subs Subscriber, logger *slog.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Aggregator{
		subs:       subs,
		logger:     logger,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// errClientGone 表示写客户端失败，按正常取消处理。
var errClientGone = errors.New("client gone")

// Stream 为 taskID 输出进度流，直到三种类型都结束、客户端断开或 ctx 结束。
//
// 流程:
//  1. 先输出 start 行
//  2. 获取任务的持久消费者
//  3. 循环拉取：先确认再处理（确认失败则跳过该条），解析失败输出一行提示后继续，
//     每条事件原样转发，转发后若三种类型都已结束，输出 done 行并返回
//
// 客户端断开不是错误，返回 nil；消费者组保留，下次连接从下一条未确认的事件继续。
// 只有获取消费者失败时返回错误。
func (a *Aggregator) Stream(ctx context.Context, taskID uuid.UUID, w LineWriter) error {
	metrics.ProgressStreamsActive.Inc()
	defer metrics.ProgressStreamsActive.Dec()

	logger := a.logger.With(slog.String("task_id", taskID.String()))

	if err := a.emit(w, StartLine); err != nil {
		a.finish(logger, "client_gone")
		return nil
	}

	sub, err := a.subs.Subscribe(ctx, taskID)
	if err != nil {
		logger.Error("subscribe progress failed", slog.String("error", err.Error()))
		a.finish(logger, "error")
		return fmt.Errorf("subscribe progress: %w", err)
	}

	tracker := NewTracker()
	for {
		if ctx.Err() != nil {
			a.finish(logger, "client_gone")
			return nil
		}

		entries, err := sub.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.finish(logger, "client_gone")
				return nil
			}
			logger.Warn("read progress failed", slog.String("error", err.Error()))
			if !sleepCtx(ctx, a.retryDelay) {
				a.finish(logger, "client_gone")
				return nil
			}
			continue
		}

		for _, entry := range entries {
			if err := a.handle(ctx, logger, sub, tracker, w, entry); err != nil {
				a.finish(logger, "client_gone")
				return nil
			}
			if tracker.Complete() {
				if err := a.emit(w, DoneLine); err != nil {
					a.finish(logger, "client_gone")
					return nil
				}
				tracker.Close()
				a.finish(logger, "done")
				return nil
			}
		}
	}
}

// handle 处理单条记录，只在写客户端失败时返回错误。
func (a *Aggregator) handle(ctx context.Context, logger *slog.Logger, sub Subscription, tracker *Tracker, w LineWriter, entry progresslog.Entry) error {
	if err := sub.Ack(ctx, entry.ID); err != nil {
		metrics.ProgressAckFailuresTotal.Inc()
		logger.Error("ack progress event failed, skipping",
			slog.String("msg_id", entry.ID),
			slog.String("error", err.Error()))
		return nil
	}

	ev, err := decodeEvent(entry.Data)
	if err != nil {
		metrics.ProgressMalformedTotal.Inc()
		logger.Warn("malformed progress event",
			slog.String("msg_id", entry.ID),
			slog.String("error", err.Error()))
		if dlqErr := sub.DeadLetter(ctx, entry, err.Error()); dlqErr != nil {
			logger.Error("dead letter progress event failed",
				slog.String("msg_id", entry.ID),
				slog.String("error", dlqErr.Error()))
		}
		return a.emit(w, InvalidLine)
	}

	tracker.Observe(ev.TaskType, ev.Message)
	if err := a.emit(w, Line{Message: ev.Message, TaskType: ev.TaskType}); err != nil {
		return err
	}
	metrics.ProgressEventsRelayedTotal.WithLabelValues(typeLabel(ev.TaskType)).Inc()
	return nil
}

// typeLabel 限制指标标签的取值范围。
func typeLabel(taskType string) string {
	if taskType == model.EventTypeSystem {
		return taskType
	}
	if _, err := model.ParseJobType(taskType); err != nil {
		return "other"
	}
	return taskType
}

func (a *Aggregator) emit(w LineWriter, line Line) error {
	data, err := line.Encode()
	if err != nil {
		return err
	}
	if err := w.WriteLine(data); err != nil {
		return fmt.Errorf("%w: %w", errClientGone, err)
	}
	return nil
}

func (a *Aggregator) finish(logger *slog.Logger, reason string) {
	metrics.ProgressStreamsCompletedTotal.WithLabelValues(reason).Inc()
	logger.Info("progress stream closed", slog.String("reason", reason))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
