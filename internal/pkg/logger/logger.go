package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewDefault 按日志级别创建 JSON 格式的 slog.Logger，并设置为全局默认。
//
// APP_LOG_FORMAT=text 时使用文本格式，便于本地调试。
func NewDefault(level string) *slog.Logger {
	return New(os.Stdout, level, os.Getenv("APP_LOG_FORMAT"))
}

// New 创建写入 w 的 logger。format 为 "text" 时使用文本格式，否则为 JSON。
func New(w io.Writer, level string, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	l := slog.New(handler)
	slog.SetDefault(l)
	return l
}

// ParseLevel 将 debug / info / warn / error 转换为 slog.Level，未知值回退为 info。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
