package progresslog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix 是进度流 key 的默认前缀，完整 key 为 "<prefix>.<task_id>"。
const DefaultPrefix = "ai_stream"

// Event 是 worker 写入进度流的消息体。
type Event struct {
	Message  string `json:"message"`
	TaskType string `json:"task_type"`
}

// Entry 是从进度流读到的一条原始记录。
//
// Data 保持未解析状态，由调用方决定如何处理解析失败。
type Entry struct {
	ID   string
	Data string
}

// Log 封装基于 Redis Streams 的进度日志。
//
// 每个任务一条 Stream，按任务 ID 寻址；每个任务一个持久消费者组，
// 客户端断开后组内未确认的位置保留，重新连接时从下一条未确认消息继续。
type Log struct {
	rdb       redis.UniversalClient
	logger    *slog.Logger
	prefix    string
	maxLen    int64
	blockTime time.Duration
	batchSize int64
}

// Option 进度日志配置选项。
type Option func(*Log)

// WithPrefix 设置 Stream key 前缀。
func WithPrefix(prefix string) Option {
	return func(l *Log) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

// WithMaxLen 设置单条 Stream 的最大保留长度。
func WithMaxLen(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxLen = n
		}
	}
}

// WithBlockTime 设置单次阻塞读取的时长。
func WithBlockTime(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.blockTime = d
		}
	}
}

// WithBatchSize 设置每次读取的最大条数。
func WithBatchSize(n int64) Option {
	return func(l *Log) {
		if n > 0 {
			l.batchSize = n
		}
	}
}

// New 创建进度日志。rdb 可被多个订阅与生产者并发共享。
func New(rdb redis.UniversalClient, logger *slog.Logger, opts ...Option) (*Log, error) {
	if rdb == nil {
		return nil, errors.New("redis client is nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Log{
		rdb:       rdb,
		logger:    logger,
		prefix:    DefaultPrefix,
		maxLen:    10000,
		blockTime: 1 * time.Second,
		batchSize: 10,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// StreamKey 返回任务对应的 Stream key。
func (l *Log) StreamKey(taskID uuid.UUID) string {
	return l.prefix + "." + taskID.String()
}

// ConsumerName 返回任务的持久消费者名称，同时用作消费者组名。
func ConsumerName(taskID uuid.UUID) string {
	return "pull-" + taskID.String()
}

// Append 追加一条进度事件（worker 侧使用）。
//
// 返回值:
//   - string: Stream 消息 ID
//   - error: 写入失败时返回错误
func (l *Log) Append(ctx context.Context, taskID uuid.UUID, taskType, message string) (string, error) {
	data, err := json.Marshal(Event{Message: message, TaskType: taskType})
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	return l.appendRaw(ctx, l.StreamKey(taskID), map[string]interface{}{
		"data": string(data),
	})
}

func (l *Log) appendRaw(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	msgID, err := l.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: l.maxLen,
		Approx: true,
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd failed: %w", err)
	}

	l.logger.Debug("progress event appended",
		slog.String("stream", stream),
		slog.String("msg_id", msgID))

	return msgID, nil
}

// Subscribe 获取（或复用）任务的持久消费者。
//
// 消费者组从 Stream 起始位置开始；组已存在时直接复用，
// 之前已确认的消息不会再次投递。
func (l *Log) Subscribe(ctx context.Context, taskID uuid.UUID) (*Subscription, error) {
	if taskID == uuid.Nil {
		return nil, errors.New("task id is empty")
	}
	sub := &Subscription{
		log:           l,
		stream:        l.StreamKey(taskID),
		group:         ConsumerName(taskID),
		consumer:      ConsumerName(taskID),
		pendingCursor: "0",
	}
	if err := sub.ensureGroup(ctx); err != nil {
		return nil, err
	}

	l.logger.Debug("progress subscription ready",
		slog.String("stream", sub.stream),
		slog.String("group", sub.group))

	return sub, nil
}

// Length 返回任务 Stream 当前长度。
func (l *Log) Length(ctx context.Context, taskID uuid.UUID) (int64, error) {
	n, err := l.rdb.XLen(ctx, l.StreamKey(taskID)).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen failed: %w", err)
	}
	return n, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
