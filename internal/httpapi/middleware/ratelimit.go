package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/velora-ai/companion/internal/common"
)

// Limiter is the fixed-window counter behind RateLimit.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// RateLimit caps hits per client IP on the wrapped routes. A limiter
// outage fails open.
func RateLimit(limiter Limiter, name string, limit int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := name + ":" + c.ClientIP()
		allowed, err := limiter.Allow(c.Request.Context(), key, limit, window)
		if err != nil {
			logrus.WithError(err).Warn("rate limiter unavailable")
			c.Next()
			return
		}
		if !allowed {
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
