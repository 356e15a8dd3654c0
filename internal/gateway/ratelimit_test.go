package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/basket/tgway/internal/config"
	"github.com/basket/tgway/internal/gateway"
)

func newRateLimitRouter(rl *gateway.RateLimitMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(rl.Wrap())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/admin/bots/:slug/token/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func rlRequest(r *gin.Engine, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", "/api/admin/bots/acme/token/status", nil)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_UnderLimit(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10}
	r := newRateLimitRouter(gateway.NewRateLimitMiddleware(cfg))

	for i := 0; i < 5; i++ {
		if rec := rlRequest(r, "test-key"); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
}

func TestRateLimit_OverLimit(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3}
	r := newRateLimitRouter(gateway.NewRateLimitMiddleware(cfg))

	for i := 0; i < 3; i++ {
		if rec := rlRequest(r, "test-key"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	if rec := rlRequest(r, "test-key"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1}
	r := newRateLimitRouter(gateway.NewRateLimitMiddleware(cfg))

	rlRequest(r, "test-key")
	rec := rlRequest(r, "test-key")

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if retryAfter := rec.Header().Get("Retry-After"); retryAfter != "1" {
		t.Fatalf("expected Retry-After: 1, got %q", retryAfter)
	}
}

func TestRateLimit_BurstAllowed(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 5}
	r := newRateLimitRouter(gateway.NewRateLimitMiddleware(cfg))

	for i := 0; i < 5; i++ {
		if rec := rlRequest(r, "burst-key"); rec.Code != http.StatusOK {
			t.Fatalf("burst request %d: expected 200, got %d", i, rec.Code)
		}
	}

	if rec := rlRequest(r, "burst-key"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst exhausted, got %d", rec.Code)
	}
}

func TestRateLimit_RefillOverTime(t *testing.T) {
	// 60 requests per minute = 1 per second.
	cfg := config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1}
	r := newRateLimitRouter(gateway.NewRateLimitMiddleware(cfg))

	if rec := rlRequest(r, "refill-key"); rec.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", rec.Code)
	}
	if rec := rlRequest(r, "refill-key"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 immediately after, got %d", rec.Code)
	}

	time.Sleep(1100 * time.Millisecond)

	if rec := rlRequest(r, "refill-key"); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refill, got %d", rec.Code)
	}
}

func TestRateLimit_PerKeyIsolation(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 2}
	r := newRateLimitRouter(gateway.NewRateLimitMiddleware(cfg))

	for i := 0; i < 2; i++ {
		if rec := rlRequest(r, "key-a"); rec.Code != http.StatusOK {
			t.Fatalf("key-a request %d: expected 200, got %d", i, rec.Code)
		}
	}
	if rec := rlRequest(r, "key-a"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("key-a: expected 429, got %d", rec.Code)
	}
	if rec := rlRequest(r, "key-b"); rec.Code != http.StatusOK {
		t.Fatalf("key-b: expected 200, got %d", rec.Code)
	}
}

func TestRateLimit_SkipsHealthz(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1}
	rl := gateway.NewRateLimitMiddleware(cfg)
	r := newRateLimitRouter(rl)

	rlRequest(r, "")
	if rec := rlRequest(r, ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 for exhausted IP bucket, got %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for /healthz, got %d", rec.Code)
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 10}
	rl := gateway.NewRateLimitMiddleware(cfg)
	r := newRateLimitRouter(rl)

	for _, key := range []string{"key-1", "key-2", "key-3"} {
		rlRequest(r, key)
	}
	if rl.BucketCount() != 3 {
		t.Fatalf("expected 3 buckets, got %d", rl.BucketCount())
	}

	rl.EvictStale(0)
	if rl.BucketCount() != 0 {
		t.Fatalf("expected 0 buckets after full eviction, got %d", rl.BucketCount())
	}

	for _, key := range []string{"key-a", "key-b"} {
		rlRequest(r, key)
	}
	rl.EvictStale(time.Hour)
	if rl.BucketCount() != 2 {
		t.Fatalf("expected 2 buckets after no-op eviction, got %d", rl.BucketCount())
	}
}

func TestRateLimit_Disabled(t *testing.T) {
	cfg := config.RateLimitConfig{Enabled: false}
	r := newRateLimitRouter(gateway.NewRateLimitMiddleware(cfg))

	if rec := rlRequest(r, ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
