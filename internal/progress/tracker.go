package progress

import "productlens/internal/model"

// State 是单个进度流的生命周期状态。
type State int

const (
	StateStreaming State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Tracker 记录三种分析类型是否都已发出结束标记。
//
// 判断完成只看三个标记，不看消息条数；同一类型重复的结束标记没有额外作用。
// 状态只会向前推进：Streaming → Closing → Closed。
type Tracker struct {
	textDone    bool
	photoDone   bool
	reviewsDone bool
	state       State
}

// NewTracker 返回初始状态的 Tracker。
func NewTracker() *Tracker {
	return &Tracker{}
}

// Observe 处理一条已解析的事件。不是结束标记或类型未知时忽略。
func (t *Tracker) Observe(taskType, message string) {
	if t.state != StateStreaming || message != EndSentinel {
		return
	}
	jt, err := model.ParseJobType(taskType)
	if err != nil {
		return
	}
	switch jt {
	case model.JobTypeText:
		t.textDone = true
	case model.JobTypePhoto:
		t.photoDone = true
	case model.JobTypeReviews:
		t.reviewsDone = true
	}
}

// Done 报告 jt 是否已经结束。
func (t *Tracker) Done(jt model.JobType) bool {
	switch jt {
	case model.JobTypeText:
		return t.textDone
	case model.JobTypePhoto:
		return t.photoDone
	case model.JobTypeReviews:
		return t.reviewsDone
	}
	return false
}

// Complete 在三种类型都结束时返回 true 并进入 Closing，之后再调用总是 false。
func (t *Tracker) Complete() bool {
	if t.state != StateStreaming {
		return false
	}
	if t.textDone && t.photoDone && t.reviewsDone {
		t.state = StateClosing
		return true
	}
	return false
}

// Close 进入终态。
func (t *Tracker) Close() { t.state = StateClosed }

// State 返回当前状态。
func (t *Tracker) State() State { return t.state }
