package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/basket/tgway/internal/config"
	"github.com/basket/tgway/internal/gateway"
)

func newCORSRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.Any("/api/admin/bots/:slug/send-test", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestCORS_PreflightHeaders(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         7200,
	}
	r := newCORSRouter(gateway.NewCORSMiddleware(cfg))

	req := httptest.NewRequest("OPTIONS", "/api/admin/bots/acme/send-test", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://example.com" {
		t.Fatalf("expected origin https://example.com, got %q", origin)
	}
	if methods := rec.Header().Get("Access-Control-Allow-Methods"); methods != "GET, POST" {
		t.Fatalf("expected methods 'GET, POST', got %q", methods)
	}
	if headers := rec.Header().Get("Access-Control-Allow-Headers"); headers != "Content-Type, Authorization" {
		t.Fatalf("expected headers 'Content-Type, Authorization', got %q", headers)
	}
	if maxAge := rec.Header().Get("Access-Control-Max-Age"); maxAge != "7200" {
		t.Fatalf("expected max-age 7200, got %q", maxAge)
	}
}

func TestCORS_AllowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://allowed.com"},
	}
	r := newCORSRouter(gateway.NewCORSMiddleware(cfg))

	req := httptest.NewRequest("POST", "/api/admin/bots/acme/send-test", nil)
	req.Header.Set("Origin", "https://allowed.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://allowed.com" {
		t.Fatalf("expected origin https://allowed.com, got %q", origin)
	}
}

func TestCORS_DisallowedOrigin(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://allowed.com"},
	}
	r := newCORSRouter(gateway.NewCORSMiddleware(cfg))

	req := httptest.NewRequest("POST", "/api/admin/bots/acme/send-test", nil)
	req.Header.Set("Origin", "https://evil.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no Access-Control-Allow-Origin, got %q", origin)
	}
}

func TestCORS_Wildcard(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"*"},
	}
	r := newCORSRouter(gateway.NewCORSMiddleware(cfg))

	req := httptest.NewRequest("POST", "/api/admin/bots/acme/send-test", nil)
	req.Header.Set("Origin", "https://any-origin.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "https://any-origin.com" {
		t.Fatalf("expected origin https://any-origin.com, got %q", origin)
	}
}

func TestCORS_Disabled(t *testing.T) {
	cfg := config.CORSConfig{Enabled: false}
	r := newCORSRouter(gateway.NewCORSMiddleware(cfg))

	req := httptest.NewRequest("POST", "/api/admin/bots/acme/send-test", nil)
	req.Header.Set("Origin", "https://example.com")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if origin := rec.Header().Get("Access-Control-Allow-Origin"); origin != "" {
		t.Fatalf("expected no CORS headers when disabled, got %q", origin)
	}
}

func TestRequestSizeLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(gateway.RequestSizeLimitMiddleware(100))
	r.POST("/api/admin/bots/:slug/media", func(c *gin.Context) {
		buf := make([]byte, 256)
		total := 0
		for {
			n, err := c.Request.Body.Read(buf)
			total += n
			if err != nil {
				break
			}
		}
		c.String(http.StatusOK, "%d", total)
	})

	req := httptest.NewRequest("POST", "/api/admin/bots/acme/media", strings.NewReader("small"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for small body, got %d", rec.Code)
	}

	largeBody := strings.Repeat("x", 200)
	req = httptest.NewRequest("POST", "/api/admin/bots/acme/media", strings.NewReader(largeBody))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}
