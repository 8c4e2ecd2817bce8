package progresslog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Subscription 是单个任务的持久拉取消费者。
//
// 同一个 Subscription 不能被多个 goroutine 同时使用；
// 不同任务的 Subscription 之间没有共享状态。
type Subscription struct {
	log      *Log
	stream   string
	group    string
	consumer string

	// pendingCursor 为空表示上次断开时遗留的未确认消息已经读完
	pendingCursor string
}

// Stream 返回 Stream key。
func (s *Subscription) Stream() string { return s.stream }

// Group 返回消费者组名称。
func (s *Subscription) Group() string { return s.group }

func (s *Subscription) ensureGroup(ctx context.Context) error {
	err := s.log.rdb.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Read 拉取下一批进度记录。
//
// 先补读本消费者名下未确认的历史消息（上一次连接读到但没来得及确认的），
// 读完后再阻塞等待新消息，单次最多阻塞 blockTime。超时返回空切片和 nil。
func (s *Subscription) Read(ctx context.Context) ([]Entry, error) {
	if s.pendingCursor != "" {
		entries, err := s.read(ctx, s.pendingCursor, -1)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			s.pendingCursor = entries[len(entries)-1].ID
			return entries, nil
		}
		s.pendingCursor = ""
	}
	return s.read(ctx, ">", s.log.blockTime)
}

func (s *Subscription) read(ctx context.Context, start string, block time.Duration) ([]Entry, error) {
	streams, err := s.log.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, start},
		Count:    s.log.batchSize,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if isNoGroup(err) {
			// Stream 被删除或过期后重新建组
			if gerr := s.ensureGroup(ctx); gerr != nil {
				return nil, gerr
			}
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup failed: %w", err)
	}

	var entries []Entry
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			data, _ := msg.Values["data"].(string)
			entries = append(entries, Entry{ID: msg.ID, Data: data})
		}
	}
	return entries, nil
}

// Ack 确认消息已被取走。
func (s *Subscription) Ack(ctx context.Context, msgID string) error {
	acked, err := s.log.rdb.XAck(ctx, s.stream, s.group, msgID).Result()
	if err != nil {
		return fmt.Errorf("xack failed: %w", err)
	}
	if acked == 0 {
		s.log.logger.Warn("progress event not acked (may already be acked)",
			slog.String("stream", s.stream),
			slog.String("msg_id", msgID))
	}
	return nil
}

// DeadLetter 将无法解析的记录写入 "<stream>:dlq" 以便排查。
func (s *Subscription) DeadLetter(ctx context.Context, entry Entry, reason string) error {
	_, err := s.log.appendRaw(ctx, s.stream+":dlq", map[string]interface{}{
		"original_id": entry.ID,
		"payload":     entry.Data,
		"reason":      reason,
		"failed_at":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	return err
}

// Pending 获取组内已投递但未确认的消息数量。
func (s *Subscription) Pending(ctx context.Context) (int64, error) {
	info, err := s.log.rdb.XPending(ctx, s.stream, s.group).Result()
	if err != nil {
		return 0, fmt.Errorf("xpending failed: %w", err)
	}
	return info.Count, nil
}
