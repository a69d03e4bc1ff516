package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"broker-dispatch/internal/api"
	"broker-dispatch/internal/app"
	"broker-dispatch/internal/config"
	"broker-dispatch/internal/dedup"
	"broker-dispatch/internal/dispatch"
	"broker-dispatch/internal/handoff"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/ratelimit"
	"broker-dispatch/internal/sla"
)

func main() {
	cfg := config.Load()
	logging.Init(logging.FromEnv(cfg.LogLevel, cfg.LogFormat))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	rt, err := app.Build(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
	defer rt.Close()

	dispatcher := dispatch.New(rt.Queue, rt.Timing, dispatch.Options{
		NewConversationDelay: cfg.NewConvDelay,
		MaxAttempts:          cfg.MaxAttempts,
	})
	checker := dedup.NewChecker(rt.Chat, dedup.Policy{
		ReuseWindow:     cfg.DedupReuseWindow,
		ScopeByLoanType: cfg.DedupScopeByLoanType,
	}).WithBreaker(rt.Breaker)
	router := rt.Migration()
	legacy := handoff.NewSyncEngager(rt.Chat, rt.Breaker, rt.Responder, rt.Echo)
	svc := handoff.NewService(rt.Chat, rt.Breaker, checker, rt.Catalog, router, dispatcher, legacy, handoff.Config{
		FallbackPhone:  cfg.FallbackPhone,
		LegacyFallback: cfg.LegacyFallback,
	}).WithEvents(rt.Events)

	webhook := api.NewWebhookHandler(dispatcher, rt.Echo, legacy, rt.Catalog, api.WebhookConfig{
		Secret:         cfg.ChatwootWebhookSecret,
		LegacyFallback: cfg.LegacyFallback,
	})
	monitor := sla.New(rt.Timing, rt.Queue, sla.Options{
		Threshold:        cfg.SLAThreshold,
		TargetCompliance: cfg.SLATargetCompliance,
		Window:           cfg.SLASampleWindow,
		Limit:            cfg.SLASampleLimit,
	})

	deps := api.Deps{
		Queue:     rt.Queue,
		Handoff:   svc,
		Webhook:   webhook,
		SLA:       monitor,
		Migration: router,
		Breaker:   rt.Breaker,
		Limiter:   ratelimit.NewTokenBucket(rt.Redis, cfg.IngressCapacity, cfg.IngressRefill, time.Hour),
	}
	if rt.Store != nil {
		deps.Audit = rt.Store
	}
	server := api.New(deps, api.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AdminSecret:    cfg.AdminJWTSecret,
	})
	if cfg.AdminJWTSecret == "" {
		log.Warn().Msg("ADMIN_JWT_SECRET not set, admin routes reject every request")
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("port", cfg.HTTPPort).Bool("queue_enabled", cfg.QueueEnabled).Int("rollout_pct", cfg.RolloutPercentage).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	log.Info().Msg("api stopped")
}
