package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"socialsync/internal/api"
	"socialsync/internal/config"
	"socialsync/internal/models"
	"socialsync/internal/provider"
	"socialsync/internal/ratelimit"
	"socialsync/internal/scheduler"
	"socialsync/internal/store"
	syncsvc "socialsync/internal/sync"
	"socialsync/internal/token"
	"socialsync/internal/worker"
)

// persistence is the full store surface the service composes against.
// Both the Postgres store and the in-memory store satisfy it.
type persistence interface {
	syncsvc.JobStore
	syncsvc.ContentStore
	api.JobReader
	token.Store
	ListLocationTokens(ctx context.Context) ([]models.TokenRecord, error)
}

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel(cfg.Env)}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var db persistence
	if cfg.PostgresDSN != "" {
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			logger.Error("run migrations", "error", err)
			os.Exit(1)
		}
		db = pg
	} else {
		logger.Warn("POSTGRES_DSN not set, using in-memory store; state is lost on restart")
		db = store.NewMemory()
	}

	oauthClient := provider.NewOAuthClient(provider.OAuthConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURI:  cfg.OAuthRedirectURI,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		Scopes:       cfg.OAuthScopes,
		Timeout:      cfg.RequestTimeout,
	})
	tokens := token.NewManager(db, oauthClient, logger)

	apiClient := provider.NewClient(cfg.ProviderBaseURL, cfg.RequestTimeout)
	orchestrator := syncsvc.New(db, db, apiClient, apiClient, tokens,
		syncsvc.Config{
			ItemDelay:     cfg.ItemDelay,
			RefreshPolicy: token.RefreshPolicy(cfg.RefreshPolicy),
		}, logger)

	pool := worker.NewPool(worker.Config{
		Workers:   cfg.WorkerCount,
		QueueSize: cfg.WorkerQueueSize,
	}, logger)
	pool.Start()
	defer pool.Stop()

	sched := scheduler.New(db, orchestrator, pool, logger)
	registerMaintenance(sched, db, tokens, cfg, logger)
	sched.Start()
	defer sched.Stop()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.New(redisClient, cfg.RateLimitBurst, cfg.RateLimitRefill, time.Hour)

	server := api.New(db, sched, tokens, oauthClient, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("listening", "port", cfg.HTTPPort, "env", cfg.Env)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// registerMaintenance wires the built-in periodic entries: fleet-wide
// post sync, unrenewable-token purge, and a heartbeat log line.
func registerMaintenance(sched *scheduler.Scheduler, db persistence, tokens *token.Manager, cfg config.Config, logger *slog.Logger) {
	must := func(err error) {
		if err != nil {
			logger.Error("register periodic entry", "error", err)
			os.Exit(1)
		}
	}

	must(sched.RegisterPeriodic("sync_all_tenants", "Sync posts for every tenant", cfg.PostsSyncSpec,
		func(ctx context.Context) error {
			records, err := db.ListLocationTokens(ctx)
			if err != nil {
				return err
			}
			now := time.Now()
			dispatched := 0
			for _, rec := range records {
				if rec.Expired(now) && rec.RefreshToken == "" {
					continue
				}
				if _, err := sched.Dispatch(ctx, rec.LocationID, models.TypeSyncPosts); err != nil {
					logger.Warn("fleet sync dispatch failed", "location", rec.LocationID, "error", err)
					continue
				}
				dispatched++
			}
			logger.Info("fleet sync tick", "tenants", len(records), "dispatched", dispatched)
			return nil
		}))

	must(sched.RegisterPeriodic("purge_expired_tokens", "Purge unrenewable tokens", cfg.TokenPurgeSpec,
		func(ctx context.Context) error {
			_, err := tokens.PurgeExpired(ctx)
			return err
		}))

	must(sched.RegisterPeriodic("health_check", "Scheduler heartbeat", cfg.HealthSpec,
		func(context.Context) error {
			logger.Info("scheduler heartbeat", "entries", len(sched.Entries()))
			return nil
		}))
}

func logLevel(env string) slog.Level {
	if env == "dev" {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}
