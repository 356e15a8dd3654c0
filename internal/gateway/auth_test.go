package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/basket/tgway/internal/gateway"
)

func newAuthRouter(am *gateway.AuthMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(am.Wrap())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/admin/bots/:slug/token/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func TestAuthMiddleware_ValidBearerToken(t *testing.T) {
	am := gateway.NewAuthMiddleware("admin-secret-123")
	r := newAuthRouter(am)

	req := httptest.NewRequest("GET", "/api/admin/bots/acme/token/status", nil)
	req.Header.Set("Authorization", "Bearer admin-secret-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_InvalidBearerToken(t *testing.T) {
	am := gateway.NewAuthMiddleware("admin-secret-123")
	r := newAuthRouter(am)

	req := httptest.NewRequest("GET", "/api/admin/bots/acme/token/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAuthMiddleware_MissingToken(t *testing.T) {
	am := gateway.NewAuthMiddleware("admin-secret-123")
	r := newAuthRouter(am)

	req := httptest.NewRequest("GET", "/api/admin/bots/acme/token/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddleware_DisabledWhenTokenEmpty(t *testing.T) {
	am := gateway.NewAuthMiddleware("")
	r := newAuthRouter(am)

	req := httptest.NewRequest("GET", "/api/admin/bots/acme/token/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with auth disabled, got %d", rec.Code)
	}
}

func TestAuthMiddleware_SkipsHealthz(t *testing.T) {
	am := gateway.NewAuthMiddleware("admin-secret-123")
	r := newAuthRouter(am)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_SkipsMetrics(t *testing.T) {
	am := gateway.NewAuthMiddleware("admin-secret-123")
	r := newAuthRouter(am)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthMiddleware_XAPIKeyHeader(t *testing.T) {
	am := gateway.NewAuthMiddleware("admin-secret-123")
	r := newAuthRouter(am)

	req := httptest.NewRequest("GET", "/api/admin/bots/acme/token/status", nil)
	req.Header.Set("X-API-Key", "admin-secret-123")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestExtractAPIKey_PrefersBearer(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer from-bearer")
	req.Header.Set("X-API-Key", "from-header")

	if got := gateway.ExtractAPIKey(req); got != "from-bearer" {
		t.Fatalf("expected from-bearer, got %q", got)
	}
}
