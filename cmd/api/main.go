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

	"dialout-engine/internal/auth"
	"dialout-engine/internal/config"
	"dialout-engine/internal/correlate"
	"dialout-engine/internal/dedup"
	"dialout-engine/internal/dialer"
	"dialout-engine/internal/dispatch"
	"dialout-engine/internal/policy"
	"dialout-engine/internal/publish"
	"dialout-engine/internal/scheduler"
	"dialout-engine/internal/store"
	"dialout-engine/internal/telephony"
	"dialout-engine/pkg/logger"
	"dialout-engine/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	pol, err := loadPolicy(cfg)
	if err != nil {
		log.Error("policy load failed", "err", err)
		os.Exit(1)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	st := store.NewPostgresStore(db)
	deduper := dedup.NewRedisDeduper(rdb, dedup.DefaultRetention)
	provider := telephony.NewExotelProvider(cfg.Exotel)
	limiter := dialer.NewRedisLimiter(rdb, cfg.Engine.MaxConcurrentDials, log)

	dialSvc := dialer.New(st, provider, pol, limiter, log)

	dispatcher := dispatch.New(dispatch.Config{
		OutcomeURL:   cfg.Dispatch.OutcomeURL,
		AuthToken:    cfg.Dispatch.AuthToken,
		MaxAttempts:  cfg.Dispatch.MaxAttempts,
		InitialDelay: cfg.Dispatch.InitialDelay,
		MaxDelay:     cfg.Dispatch.MaxDelay,
	}, st, log)

	sched := scheduler.New(st, dialSvc, pol, dispatcher, log, cfg.Engine.SweepInterval)

	feed, closeFeed, err := buildFeed(cfg, log)
	if err != nil {
		log.Error("mqtt init failed", "err", err)
		os.Exit(1)
	}
	defer closeFeed()

	correlator := correlate.New(st, deduper, pol, dispatcher, sched, feed, log, correlate.Options{
		Workers:           cfg.Engine.IngestWorkers,
		LookupRetryWindow: cfg.Engine.LookupRetryWindow,
		NoDecisionTimeout: pol.NoDecisionTimeout.Std(),
	})

	go correlator.Run(rootCtx)
	go dispatcher.Run(rootCtx)
	go sched.Run(rootCtx)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, routeDeps{
		authMW:     auth.RequireToken(authManager),
		dialer:     dialSvc,
		correlator: correlator,
		db:         db,
		redis:      rdb,
		provider:   provider,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
}

func loadPolicy(cfg config.Config) (*policy.Policy, error) {
	if cfg.Policy.Path == "" {
		return policy.Default(), nil
	}
	return policy.Load(cfg.Policy.Path)
}

// buildFeed wires the MQTT lifecycle feed when a broker is configured and
// falls back to a no-op otherwise.
func buildFeed(cfg config.Config, log *slog.Logger) (correlate.Publisher, func(), error) {
	if cfg.MQTT.Broker == "" {
		return publish.NopFeed{}, func() {}, nil
	}
	pub, err := publish.NewMQTTPublisher(publish.MQTTOptions{
		Broker:   cfg.MQTT.Broker,
		ClientID: cfg.MQTT.ClientID,
		QoS:      1,
	})
	if err != nil {
		return nil, nil, err
	}
	feed := publish.NewFeed(pub, cfg.MQTT.TopicPrefix, log)
	return feed, func() {
		if err := pub.Close(); err != nil {
			log.Warn("mqtt close failed", "err", err)
		}
	}, nil
}
