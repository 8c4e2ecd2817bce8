package progress

import (
	"encoding/json"
	"errors"
	"fmt"

	"productlens/internal/model"
	"productlens/internal/pkg/progresslog"
)

// EndSentinel 表示某个类型的 worker 不会再为该任务产生进度。
const EndSentinel = "__end__"

// Line 是发给客户端的一行 NDJSON。
type Line struct {
	Message  string `json:"message"`
	TaskType string `json:"taskType"`
}

var (
	StartLine   = Line{Message: "start", TaskType: model.EventTypeSystem}
	DoneLine    = Line{Message: "done", TaskType: model.EventTypeSystem}
	InvalidLine = Line{Message: "invalid progress event", TaskType: model.EventTypeSystem}
)

// Encode 返回以换行结尾的 JSON。
func (l Line) Encode() ([]byte, error) {
	data, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

var errMissingField = errors.New("missing field")

// decodeEvent 解析 worker 写入的 {message, task_type}，两个字段都必须存在。
func decodeEvent(data string) (progresslog.Event, error) {
	var raw struct {
		Message  *string `json:"message"`
		TaskType *string `json:"task_type"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return progresslog.Event{}, fmt.Errorf("decode progress event: %w", err)
	}
	if raw.Message == nil {
		return progresslog.Event{}, fmt.Errorf("decode progress event: %w: message", errMissingField)
	}
	if raw.TaskType == nil {
		return progresslog.Event{}, fmt.Errorf("decode progress event: %w: task_type", errMissingField)
	}
	return progresslog.Event{Message: *raw.Message, TaskType: *raw.TaskType}, nil
}
