package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"productlens/internal/model"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultQueue 是三种分析任务共用的队列名。
const DefaultQueue = "analysis_queue"

var (
	ErrNoJob     = errors.New("no job available")
	ErrNilClient = errors.New("redis client is not initialized")
)

// AnalysisJob 是发布给分析 worker 的消息。
//
// Payload 已经是独立序列化好的 JSON，三种类型的形状不同：
// text / photo 为 []string，reviews 为 [][]string。
type AnalysisJob struct {
	TaskType model.JobType   `json:"task_type"`
	Payload  json.RawMessage `json:"payload"`
	TaskID   uuid.UUID       `json:"task_id"`
}

// Client wraps Redis List operations for the analysis job queue.
type Client struct {
	rdb   redis.UniversalClient
	queue string
}

// NewClient creates a jobqueue client from an existing redis client.
// queue 为空时使用 DefaultQueue。
func NewClient(rdb redis.UniversalClient, queue string) (*Client, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if queue == "" {
		queue = DefaultQueue
	}
	return &Client{rdb: rdb, queue: queue}, nil
}

// Queue 返回队列 key。
func (c *Client) Queue() string { return c.queue }

func (c *Client) processingKey() string { return c.queue + ":processing" }

// PushJob 序列化任务并推入队列。
//
// 不做去重：同一任务重新生成时会再次推送三条消息，由 worker 覆盖旧结果。
func (c *Client) PushJob(ctx context.Context, job *AnalysisJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return ErrNilClient
	}
	if !job.TaskType.Valid() {
		return fmt.Errorf("push job: %w", model.ErrUnknownJobType)
	}
	if job.TaskID == uuid.Nil {
		return errors.New("task id is empty")
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.rdb.LPush(ctx, c.queue, data).Err(); err != nil {
		return fmt.Errorf("lpush job: %w", err)
	}
	return nil
}

// PopJob blocks until a job is available or timeout is reached.
// 取出的消息同时放入 processing 列表，worker 处理完成后调用 AckJob。
func (c *Client) PopJob(ctx context.Context, timeout time.Duration) (*AnalysisJob, error) {
	if c == nil || c.rdb == nil {
		return nil, ErrNilClient
	}
	raw, err := c.rdb.BRPopLPush(ctx, c.queue, c.processingKey(), timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("brpoplpush job: %w", err)
	}

	var job AnalysisJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// 坏消息留在 processing 列表里没有意义
		c.rdb.LRem(ctx, c.processingKey(), 1, raw)
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &job, nil
}

// AckJob 从 processing 列表移除已处理的消息。
func (c *Client) AckJob(ctx context.Context, job *AnalysisJob) error {
	if job == nil {
		return errors.New("job is nil")
	}
	if c == nil || c.rdb == nil {
		return ErrNilClient
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.rdb.LRem(ctx, c.processingKey(), 1, data).Err(); err != nil {
		return fmt.Errorf("lrem job: %w", err)
	}
	return nil
}

// QueueDepth returns the number of waiting and in-flight jobs.
func (c *Client) QueueDepth(ctx context.Context) (int64, int64, error) {
	if c == nil || c.rdb == nil {
		return 0, 0, ErrNilClient
	}
	waiting, err := c.rdb.LLen(ctx, c.queue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen queue: %w", err)
	}
	inflight, err := c.rdb.LLen(ctx, c.processingKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("llen processing: %w", err)
	}
	return waiting, inflight, nil
}
