package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	api "github.com/mind-engage/edxbridge/internal/api/http"
	auth "github.com/mind-engage/edxbridge/internal/auth/middleware"
	"github.com/mind-engage/edxbridge/internal/bridge"
	"github.com/mind-engage/edxbridge/internal/config"
	"github.com/mind-engage/edxbridge/internal/dashboard"
	"github.com/mind-engage/edxbridge/internal/db"
	"github.com/mind-engage/edxbridge/internal/links"
	"github.com/mind-engage/edxbridge/internal/logging"
	"github.com/mind-engage/edxbridge/internal/metrics"
	"github.com/mind-engage/edxbridge/internal/openedx"
	"github.com/mind-engage/edxbridge/internal/probe"
	"github.com/mind-engage/edxbridge/internal/reconcile"
	syncx "github.com/mind-engage/edxbridge/internal/sync"
	"github.com/mind-engage/edxbridge/internal/webhook"
)

var version = "dev"

func main() {
	cfg := config.FromEnv()
	logger := logging.Setup("edxbridge", version, cfg.LogFormat, nil)
	slog.SetDefault(logger)

	for _, issue := range cfg.Validate() {
		logger.Warn("configuration issue", "issue", issue)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, events, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		logging.LogError(ctx, logger, "link store", err)
		os.Exit(1)
	}
	defer closeStore()

	// --- Platform ---
	client, err := openedx.New(openedx.OptionsFromConfig(cfg))
	if err != nil {
		logging.LogError(ctx, logger, "platform client", err)
		os.Exit(1)
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.LoginRate), cfg.LoginBurst)
	rec := reconcile.New(client, probe.New(client, limiter, logger), cfg, logger)
	proxy := dashboard.New(client, cfg.PublicBaseURL, cfg.FrameAncestors, logger)
	orch := bridge.New(cfg, store, rec, proxy, events, logger)

	forwarder := webhook.New(webhook.Config{
		Target:       cfg.ICGAPIBase + cfg.ICGWebhookPath,
		TokenURL:     cfg.ICGTokenURL,
		ClientID:     cfg.ICGClientID,
		ClientSecret: cfg.ICGClientSecret,
	}, logger)

	var authSvc *auth.AuthService
	if cfg.EnableOperatorAuth {
		authSvc = auth.NewAuthService(cfg.OperatorSecret, cfg.AdminUser, cfg.AdminPassHash)
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, logging.RequestLogger(logger), middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-CSRFToken", "X-Requested-With"},
		ExposedHeaders:   []string{"Content-Length", "X-Access-Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	api.MountBridge(r, api.Deps{
		Config:    cfg,
		Bridge:    orch,
		Proxy:     proxy,
		Platform:  client,
		Forwarder: forwarder,
		Auth:      authSvc,
		Logger:    logger,
	})

	r.Get("/healthz", api.HealthzHandler())
	r.Get("/readyz", api.ReadyzHandler(orch))
	if cfg.EnableMetrics {
		r.Handle("/metrics", metrics.Handler())
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	logger.Info("listening",
		"addr", cfg.HTTPAddr,
		"mode", cfg.Mode,
		"store", cfg.StoreDriver,
		"platform", cfg.PlatformBaseURL,
		"refresh", cfg.Refresh,
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server", "error", err)
		os.Exit(1)
	}
}

// openStore builds the link store and event log named by STORE_DRIVER.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (links.Store, syncx.Recorder, func(), error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("memory store: links are lost on restart")
		return links.NewMemoryStore(), syncx.NewMemoryLog(cfg.EventLogSize), func() {}, nil

	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, nil, err
		}
		events := syncx.NewRedisLog(rdb, "edxbridge:", cfg.EventLogSize)
		return links.NewRedisStore(rdb), events, func() { _ = rdb.Close() }, nil

	default:
		openCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		dbh, err := db.Open(openCtx, db.Driver(cfg.DBDriver), cfg.DBDSN)
		if err != nil {
			return nil, nil, nil, err
		}
		return links.NewSQLStore(dbh), syncx.NewEventRepo(dbh), func() { _ = dbh.Close() }, nil
	}
}
