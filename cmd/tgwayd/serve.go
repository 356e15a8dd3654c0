package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	swaggerfiles "github.com/swaggo/files"
	ginswagger "github.com/swaggo/gin-swagger"

	"github.com/spf13/cobra"

	"github.com/basket/tgway/internal/adminapi"
	"github.com/basket/tgway/internal/audit"
	"github.com/basket/tgway/internal/blobstore"
	"github.com/basket/tgway/internal/blobstore/s3blob"
	"github.com/basket/tgway/internal/config"
	"github.com/basket/tgway/internal/crypto"
	"github.com/basket/tgway/internal/downsell"
	"github.com/basket/tgway/internal/gateway"
	"github.com/basket/tgway/internal/media"
	otelpkg "github.com/basket/tgway/internal/otel"
	"github.com/basket/tgway/internal/prewarm"
	"github.com/basket/tgway/internal/sendqueue"
	"github.com/basket/tgway/internal/sendsvc"
	"github.com/basket/tgway/internal/shot"
	"github.com/basket/tgway/internal/store"
	"github.com/basket/tgway/internal/telegram"
	"github.com/basket/tgway/internal/telemetry"
	"github.com/basket/tgway/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook ingress, admin API, and background schedulers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser, err := telemetry.NewLogger(cfg.LogHome, cfg.LogLevel, cfg.LogQuiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logCloser.Close()

	if err := audit.Init(cfg.LogHome); err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	defer audit.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProvider, err := otelpkg.Init(ctx, otelpkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer otelProvider.Shutdown(context.Background())

	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())

	box, err := crypto.NewBox(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("init encryption box: %w", err)
	}

	var blobs blobstore.Store
	blobs, err = s3blob.New(ctx, cfg.S3)
	if err != nil {
		return fmt.Errorf("init object store: %w", err)
	}

	tg := telegram.New(logger)
	mediaSvc := media.New(st, blobs)
	queue := sendqueue.New()
	defer queue.Stop()
	sendSvc := sendsvc.New(st, mediaSvc, tg, queue, box, logger)

	shards := parseShards(cfg.TenantShard)

	prewarmWorker := prewarm.New(st, mediaSvc, tg, tokenResolverFor(st, box), logger)
	downsellWorker := downsell.New(st, sendSvc, logger).WithShards(shards)
	shotWorker := shot.New(st, sendSvc, logger).WithShards(shards)

	prewarmScheduler := prewarmWorker.Scheduler(5 * time.Second)
	downsellScheduler := downsellWorker.Scheduler()
	shotScheduler := shotWorker.Scheduler()

	prewarmScheduler.Start(ctx)
	downsellScheduler.Start(ctx)
	shotScheduler.Start(ctx)
	defer prewarmScheduler.Stop()
	defer downsellScheduler.Stop()
	defer shotScheduler.Stop()

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	auth := gateway.NewAuthMiddleware(cfg.AdminAPIToken)
	rateLimit := gateway.NewRateLimitMiddleware(cfg.RateLimit)
	rateLimit.StartEviction(ctx, 5*time.Minute, 30*time.Minute)
	cors := gateway.NewCORSMiddleware(cfg.CORS)

	// The Telegram webhook is mounted before the admin middleware, so
	// Telegram's POSTs reach it without the admin bearer token or the
	// admin rate limit.
	webhook.New(st, sendSvc, logger).Register(engine)

	engine.Use(cors, auth.Wrap(), rateLimit.Wrap())
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	engine.GET("/swagger/*any", ginswagger.WrapHandler(swaggerfiles.Handler))

	adminapi.New(st, sendSvc, mediaSvc, tg, box, cfg.PublicBaseURL, logger).Register(engine)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("tgwayd listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// storeTokenResolver adapts the store's encrypted-token lookup into
// prewarm.TokenResolver, decrypting once per call so the plaintext token
// never lives longer than a single Telegram request.
type storeTokenResolver struct {
	store *store.Store
	box   *crypto.Box
}

func tokenResolverFor(st *store.Store, box *crypto.Box) *storeTokenResolver {
	return &storeTokenResolver{store: st, box: box}
}

// parseShards splits a comma-separated TENANT_SHARD value into the slug
// list schedulers restrict themselves to; empty means "all tenants".
func parseShards(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (r *storeTokenResolver) ResolveWarmupTarget(ctx context.Context, botSlug string) (string, int64, error) {
	bot, err := r.store.GetBot(ctx, botSlug, false)
	if err != nil {
		return "", 0, err
	}
	token, err := r.box.Decrypt(bot.TokenEncrypted)
	if err != nil {
		return "", 0, err
	}
	return token, bot.WarmupChatID.Int64, nil
}
