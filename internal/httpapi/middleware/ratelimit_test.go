package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

type fakeLimiter struct {
	limit int
	hits  map[string]int
	err   error
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	_ = ctx
	_ = window
	if f.err != nil {
		return false, f.err
	}
	if f.hits == nil {
		f.hits = map[string]int{}
	}
	f.hits[key]++
	return f.hits[key] <= limit, nil
}

func hit(r *gin.Engine) int {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRateLimitBlocksPastLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RateLimit(&fakeLimiter{limit: 2}, "test", 2, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	if code := hit(r); code != http.StatusOK {
		t.Fatalf("first hit = %d", code)
	}
	if code := hit(r); code != http.StatusOK {
		t.Fatalf("second hit = %d", code)
	}
	if code := hit(r); code != http.StatusTooManyRequests {
		t.Fatalf("third hit = %d", code)
	}
}

func TestRateLimitFailsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", RateLimit(&fakeLimiter{err: errors.New("redis down")}, "test", 1, time.Minute), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	if code := hit(r); code != http.StatusOK {
		t.Fatalf("limiter outage blocked request: %d", code)
	}
}
