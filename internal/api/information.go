package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// lineWriter 把每一行立即写出并 flush，客户端逐行收到进度。
type lineWriter struct {
	w gin.ResponseWriter
}

func (l lineWriter) WriteLine(line []byte) error {
	if _, err := l.w.Write(line); err != nil {
		return err
	}
	l.w.Flush()
	return nil
}

// handleInformation 以 NDJSON 流返回任务进度。
//
// GET /api/v1/information?id=<uuid>
//
// 响应头发出之后的错误只能记录日志，连接随后关闭。
func (s *Server) handleInformation(c *gin.Context) {
	id, err := uuid.Parse(c.Query("id"))
	if err != nil || id == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid task id"})
		return
	}

	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	if err := s.progress.Stream(c.Request.Context(), id, lineWriter{w: c.Writer}); err != nil {
		s.logger.Error("progress stream failed",
			slog.String("task_id", id.String()),
			slog.String("user_id", getUserID(c)),
			slog.String("error", err.Error()))
	}
}
