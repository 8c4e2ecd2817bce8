package model

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownJobType 表示未知的分析类型标签。
var ErrUnknownJobType = errors.New("unknown job type")

// JobType 表示一个独立的分析维度。
//
// 三种类型共用同一个队列与同一条进度流，通过字符串标签区分。
// 零值不是合法类型，防止未初始化的值被当作 text 处理。
type JobType int

const (
	JobTypeText JobType = iota + 1
	JobTypePhoto
	JobTypeReviews
)

// EventTypeSystem 是服务端合成事件（start / done）使用的类型标签。
const EventTypeSystem = "system"

// AllJobTypes 按分发顺序返回全部分析类型。
func AllJobTypes() []JobType {
	return []JobType{JobTypeText, JobTypePhoto, JobTypeReviews}
}

// String 返回线上协议使用的标签。
func (t JobType) String() string {
	switch t {
	case JobTypeText:
		return "text"
	case JobTypePhoto:
		return "photo"
	case JobTypeReviews:
		return "reviews"
	default:
		return fmt.Sprintf("JobType(%d)", int(t))
	}
}

// Valid 报告 t 是否为三种合法类型之一。
func (t JobType) Valid() bool {
	switch t {
	case JobTypeText, JobTypePhoto, JobTypeReviews:
		return true
	}
	return false
}

// AnalysisField 返回该类型分析结果在文档中的字段名。
func (t JobType) AnalysisField() string {
	switch t {
	case JobTypeText:
		return "text_analysis"
	case JobTypePhoto:
		return "photo_analysis"
	case JobTypeReviews:
		return "review_analysis"
	default:
		return ""
	}
}

// ParseJobType 解析线上标签（严格匹配 text / photo / reviews）。
func ParseJobType(s string) (JobType, error) {
	switch s {
	case "text":
		return JobTypeText, nil
	case "photo":
		return JobTypePhoto, nil
	case "reviews":
		return JobTypeReviews, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownJobType, s)
	}
}

// MarshalText 实现 encoding.TextMarshaler。
func (t JobType) MarshalText() ([]byte, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownJobType, int(t))
	}
	return []byte(t.String()), nil
}

// UnmarshalText 实现 encoding.TextUnmarshaler。
func (t *JobType) UnmarshalText(data []byte) error {
	parsed, err := ParseJobType(strings.TrimSpace(string(data)))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
