package adminapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const metricsWindow = 24 * time.Hour

// GetMetricsAll returns counters and latency percentiles across every
// tenant, keyed by `<slug>:<purpose>` (spec §6.1 `GET /metrics/all`).
func (h *Handler) GetMetricsAll(c *gin.Context) {
	h.respondMetrics(c, "")
}

// GetMetricsSend returns the same summary scoped to one tenant via
// `?slug=` (spec §6.1 `GET /metrics/send`).
func (h *Handler) GetMetricsSend(c *gin.Context) {
	h.respondMetrics(c, c.Query("slug"))
}

func (h *Handler) respondMetrics(c *gin.Context, slug string) {
	stats, err := h.store.MetricsSummary(c.Request.Context(), slug, metricsWindow)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}

	out := make(map[string]gin.H, len(stats))
	for _, s := range stats {
		key := s.BotSlug + ":" + s.Purpose
		out[key] = gin.H{
			"ok_count":  s.OKCount,
			"err_count": s.ErrCount,
			"p50_ms":    s.P50Ms,
			"p95_ms":    s.P95Ms,
			"p99_ms":    s.P99Ms,
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "metrics": out})
}
