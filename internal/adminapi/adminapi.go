// Package adminapi implements the tenant-management surface of spec §6.1:
// token storage, webhook lifecycle, send-test, start-message CRUD,
// downsells CRUD, shots lifecycle, metrics, and media upload. Every route
// is mounted under /api/admin and guarded by internal/gateway's bearer
// auth, CORS, and rate-limit middleware (spec §9, "routed via gin").
package adminapi

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/basket/tgway/internal/crypto"
	"github.com/basket/tgway/internal/media"
	"github.com/basket/tgway/internal/sendsvc"
	"github.com/basket/tgway/internal/store"
	"github.com/basket/tgway/internal/telegram"
)

// Handler owns every admin route's dependencies.
type Handler struct {
	store         *store.Store
	send          *sendsvc.Service
	media         *media.Service
	tg            *telegram.Client
	box           *crypto.Box
	publicBaseURL string
	logger        *slog.Logger
}

func New(s *store.Store, send *sendsvc.Service, m *media.Service, tg *telegram.Client, box *crypto.Box, publicBaseURL string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: s, send: send, media: m, tg: tg, box: box, publicBaseURL: publicBaseURL, logger: logger}
}

// Register mounts every admin route on r under /api/admin.
func (h *Handler) Register(r *gin.Engine) {
	admin := r.Group("/api/admin")

	bots := admin.Group("/bots/:slug")
	bots.PUT("/token", h.PutToken)
	bots.GET("/token/status", h.GetTokenStatus)
	bots.PUT("/warmup-chat", h.PutWarmupChat)
	bots.POST("/webhook/set", h.PostWebhookSet)
	bots.POST("/webhook/delete", h.PostWebhookDelete)
	bots.POST("/webhook/status", h.PostWebhookStatus)
	bots.POST("/send-test", h.PostSendTest)
	bots.GET("/start-message", h.GetStartMessage)
	bots.PUT("/start-message", h.PutStartMessage)
	bots.POST("/media", h.PostMedia)

	bots.POST("/downsells", h.PostDownsell)
	bots.GET("/downsells", h.ListDownsells)
	bots.PUT("/downsells/:id", h.PutDownsell)
	bots.DELETE("/downsells/:id", h.DeleteDownsell)

	bots.POST("/shots", h.PostShot)
	bots.GET("/shots", h.ListShots)
	bots.GET("/shots/:id", h.GetShot)
	bots.POST("/shots/:id/populate", h.PostShotPopulate)
	bots.POST("/shots/:id/start", h.PostShotStart)
	bots.POST("/shots/:id/pause", h.PostShotPause)
	bots.POST("/shots/:id/resume", h.PostShotResume)
	bots.POST("/shots/:id/cancel", h.PostShotCancel)

	admin.GET("/metrics/all", h.GetMetricsAll)
	admin.GET("/metrics/send", h.GetMetricsSend)
}
