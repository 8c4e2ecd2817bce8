package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "productlens"

var (
	// TasksCreatedTotal 创建任务次数，按结果区分 (ok / relational_error / document_error)。
	TasksCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_created_total",
		Help:      "Task creations by outcome.",
	}, []string{"result"})

	// TasksRegeneratedTotal 重新生成任务次数。
	TasksRegeneratedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_regenerated_total",
		Help:      "Task regenerations by outcome.",
	}, []string{"result"})

	// OrphanCompensationsTotal 文档写入失败后回滚关系型记录的次数。
	OrphanCompensationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphan_compensations_total",
		Help:      "Compensating deletes of relational rows after a failed document write.",
	}, []string{"result"})

	// JobsPublishedTotal 分析任务发布次数，按类型与结果区分。
	JobsPublishedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jobs_published_total",
		Help:      "Analysis job publishes by job type and outcome.",
	}, []string{"job_type", "result"})

	// AnalysisResultsTotal worker 回写分析结果次数。
	AnalysisResultsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "analysis_results_total",
		Help:      "Analysis results recorded by job type and outcome.",
	}, []string{"job_type", "result"})

	// ProgressStreamsActive 当前打开的进度流数量。
	ProgressStreamsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "progress_streams_active",
		Help:      "Progress streams currently open.",
	})

	// ProgressStreamsCompletedTotal 进度流结束次数，按原因区分 (done / client_gone / error)。
	ProgressStreamsCompletedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_streams_completed_total",
		Help:      "Progress streams finished by reason.",
	}, []string{"reason"})

	// ProgressEventsRelayedTotal 转发给客户端的进度事件数。
	ProgressEventsRelayedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_events_relayed_total",
		Help:      "Progress events relayed to clients by task type.",
	}, []string{"task_type"})

	// ProgressAckFailuresTotal 确认失败而被丢弃的进度事件数。
	ProgressAckFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_ack_failures_total",
		Help:      "Progress events dropped because the ack failed.",
	})

	// ProgressMalformedTotal 无法解析的进度事件数。
	ProgressMalformedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "progress_malformed_total",
		Help:      "Progress events that could not be decoded.",
	})

	// RateLimitRejectedTotal 被限流拒绝的请求数。
	RateLimitRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_rejected_total",
		Help:      "Requests rejected by the per-user rate limiter.",
	})

	// RateLimitTimeoutTotal 阻塞等待令牌超时次数。
	RateLimitTimeoutTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limit_timeout_total",
		Help:      "Blocking rate limit acquisitions that timed out.",
	})

	// RateLimitWaitDuration 等待令牌的耗时分布。
	RateLimitWaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "rate_limit_wait_seconds",
		Help:      "Time spent waiting for a rate limit token.",
		Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

var initOnce sync.Once

// InitMetrics 将全部指标注册到默认 Registry。可重复调用。
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			TasksCreatedTotal,
			TasksRegeneratedTotal,
			OrphanCompensationsTotal,
			JobsPublishedTotal,
			AnalysisResultsTotal,
			ProgressStreamsActive,
			ProgressStreamsCompletedTotal,
			ProgressEventsRelayedTotal,
			ProgressAckFailuresTotal,
			ProgressMalformedTotal,
			RateLimitRejectedTotal,
			RateLimitTimeoutTotal,
			RateLimitWaitDuration,
		)
	})
}
