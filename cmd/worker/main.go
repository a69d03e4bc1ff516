package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"broker-dispatch/internal/alerting"
	"broker-dispatch/internal/app"
	"broker-dispatch/internal/archive"
	"broker-dispatch/internal/config"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/ratelimit"
	"broker-dispatch/internal/sla"
	"broker-dispatch/internal/telemetry"
	"broker-dispatch/internal/worker"
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

	// Worker ID from env, else hostname, else pid.
	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			workerID = hostname
		} else {
			workerID = fmt.Sprintf("worker-%d", os.Getpid())
		}
	}

	handler := worker.NewConversationHandler(rt.Chat, rt.Breaker, rt.Catalog, rt.Responder, rt.Timing, rt.Echo, worker.HandlerConfig{
		SendRetries:   cfg.SendRetries,
		SendBackoff:   cfg.SendBackoff,
		FallbackPhone: cfg.FallbackPhone,
	})
	pool := worker.NewPool(cfg, worker.Deps{
		Queue:   rt.Queue,
		Limiter: ratelimit.PerSecond(rt.Redis, cfg.QueueRateLimit),
		Handler: handler,
		Audit:   rt.AuditLog(),
		Events:  rt.Events,
	}, workerID)

	arch, err := archive.New(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("sla archive disabled")
	}
	monitor := sla.New(rt.Timing, rt.Queue, sla.Options{
		Threshold:        cfg.SLAThreshold,
		TargetCompliance: cfg.SLATargetCompliance,
		Window:           cfg.SLASampleWindow,
		Limit:            cfg.SLASampleLimit,
	}).WithEvents(rt.Events).WithArchive(arch)
	if slack := alerting.NewSlack(cfg.SlackWebhookURL, cfg.PublicURL); slack != nil {
		monitor.WithNotifier(slack)
	}
	if cfg.SLACheckInterval > 0 {
		go func() {
			if err := monitor.Run(ctx, cfg.SLACheckInterval); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("sla monitor stopped")
			}
		}()
	}

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: telemetry.Handler(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	log.Info().
		Str("worker_id", workerID).
		Int("concurrency", cfg.WorkerConcurrency).
		Float64("rate_limit", cfg.QueueRateLimit).
		Dur("visibility", cfg.VisibilityTimeout).
		Msg("worker started")
	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("worker stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = metricsServer.Shutdown(shutdownCtx)
}
