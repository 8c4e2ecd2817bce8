package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"productlens/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// Limiter 为某个主体尝试取得一次配额。
type Limiter interface {
	Allow(ctx context.Context, subject string) (time.Duration, error)
}

// RateLimitMiddleware 按用户限制写操作的频率，超限返回 429。
//
// Redis 不可用时放行请求，只记录日志。
func RateLimitMiddleware(limiter Limiter, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		retry, err := limiter.Allow(ctx, c.GetString(ContextUserID))
		if errors.Is(err, ratelimit.ErrRateLimited) {
			secs := int(math.Ceil(retry.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		if err != nil && logger != nil {
			logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
		}
		c.Next()
	}
}
