package progresslog

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newMiniRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func newTestLog(t *testing.T, rdb *redis.Client) *Log {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	l, err := New(rdb, logger, WithBlockTime(20*time.Millisecond))
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return l
}

func readUntil(t *testing.T, sub *Subscription, want int) []Entry {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(2 * time.Second)
	var got []Entry
	for len(got) < want && time.Now().Before(deadline) {
		entries, err := sub.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, entries...)
	}
	if len(got) < want {
		t.Fatalf("expected %d entries, got %d", want, len(got))
	}
	return got
}

func TestStreamKeyAndConsumerName(t *testing.T) {
	_, rdb := newMiniRedis(t)
	l, err := New(rdb, nil, WithPrefix("progress"))
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	id := uuid.MustParse("0190f3a4-8b7e-7c3d-9a1b-2c3d4e5f6a7b")

	if got := l.StreamKey(id); got != "progress.0190f3a4-8b7e-7c3d-9a1b-2c3d4e5f6a7b" {
		t.Fatalf("unexpected stream key %q", got)
	}
	if got := ConsumerName(id); got != "pull-0190f3a4-8b7e-7c3d-9a1b-2c3d4e5f6a7b" {
		t.Fatalf("unexpected consumer name %q", got)
	}
}

func TestAppendAndRead(t *testing.T) {
	_, rdb := newMiniRedis(t)
	l := newTestLog(t, rdb)
	ctx := context.Background()
	taskID := uuid.New()

	sub, err := l.Subscribe(ctx, taskID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := l.Append(ctx, taskID, "text", "chunk1"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, taskID, "photo", "__end__"); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries := readUntil(t, sub, 2)
	var ev Event
	if err := json.Unmarshal([]byte(entries[0].Data), &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.TaskType != "text" || ev.Message != "chunk1" {
		t.Fatalf("unexpected first event %+v", ev)
	}

	pending, err := sub.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 2 {
		t.Fatalf("expected 2 pending before ack, got %d", pending)
	}
	for _, e := range entries {
		if err := sub.Ack(ctx, e.ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	pending, _ = sub.Pending(ctx)
	if pending != 0 {
		t.Fatalf("expected 0 pending after ack, got %d", pending)
	}
}

func TestReadTimesOutEmpty(t *testing.T) {
	_, rdb := newMiniRedis(t)
	l := newTestLog(t, rdb)
	sub, err := l.Subscribe(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	entries, err := sub.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(entries))
	}
}

func TestResubscribeSkipsAckedEntries(t *testing.T) {
	_, rdb := newMiniRedis(t)
	l := newTestLog(t, rdb)
	ctx := context.Background()
	taskID := uuid.New()

	first, err := l.Subscribe(ctx, taskID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, _ = l.Append(ctx, taskID, "text", "one")
	_, _ = l.Append(ctx, taskID, "text", "two")

	entries := readUntil(t, first, 2)
	// 只确认第一条，模拟连接在处理第二条之前断开
	if err := first.Ack(ctx, entries[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	_, _ = l.Append(ctx, taskID, "text", "three")

	second, err := l.Subscribe(ctx, taskID)
	if err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	resumed := readUntil(t, second, 2)

	var messages []string
	for _, e := range resumed {
		var ev Event
		if err := json.Unmarshal([]byte(e.Data), &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		messages = append(messages, ev.Message)
	}
	if messages[0] != "two" || messages[1] != "three" {
		t.Fatalf("expected resume from unacked entry, got %v", messages)
	}
}

func TestDeadLetter(t *testing.T) {
	mr, rdb := newMiniRedis(t)
	l := newTestLog(t, rdb)
	ctx := context.Background()
	taskID := uuid.New()

	sub, err := l.Subscribe(ctx, taskID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sub.DeadLetter(ctx, Entry{ID: "1-0", Data: "not-json"}, "invalid"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	entries, err := mr.Stream(sub.Stream() + ":dlq")
	if err != nil {
		t.Fatalf("read dlq: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 dlq entry, got %d", len(entries))
	}
}

func TestSubscribeRejectsNilTask(t *testing.T) {
	_, rdb := newMiniRedis(t)
	l := newTestLog(t, rdb)
	if _, err := l.Subscribe(context.Background(), uuid.Nil); err == nil {
		t.Fatalf("expected error for nil task id")
	}
}
