package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"broker-dispatch/internal/breaker"
	"broker-dispatch/internal/chatwoot"
	"broker-dispatch/internal/config"
	"broker-dispatch/internal/echo"
	"broker-dispatch/internal/events"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/migration"
	"broker-dispatch/internal/persona"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/responder"
	"broker-dispatch/internal/store"
	"broker-dispatch/internal/telemetry"
	"broker-dispatch/internal/timing"
	"broker-dispatch/internal/worker"
)

// Runtime holds the collaborators shared by the API and worker binaries.
type Runtime struct {
	Cfg       config.Config
	Redis     *redis.Client
	Queue     *queue.RedisQueue
	Timing    *timing.Store
	Echo      *echo.Tracker
	Events    *events.Broker
	Breaker   *breaker.Breaker
	Chat      *chatwoot.Client
	Catalog   *persona.Catalog
	Responder responder.Responder
	// Store is nil when POSTGRES_DSN is unset.
	Store *store.Store

	timingRedis *redis.Client
	rabbit      *events.RabbitSink
	log         zerolog.Logger
}

// Build connects Redis, Postgres and RabbitMQ and constructs the shared
// components. Postgres and RabbitMQ are optional.
func Build(ctx context.Context, cfg config.Config) (*Runtime, error) {
	log := logging.WithComponent("app")
	rt := &Runtime{Cfg: cfg, log: log}

	rt.Redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rt.Redis.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	rt.Queue = queue.New(rt.Redis, queue.OptionsFromConfig(cfg))

	timingClient := rt.Redis
	if cfg.TimingRedisDB != cfg.RedisDB {
		rt.timingRedis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.TimingRedisDB,
		})
		timingClient = rt.timingRedis
	}
	rt.Timing = timing.NewStore(timingClient, cfg.TimingRetention)
	rt.Echo = echo.NewTracker(rt.Redis, 0)

	rt.Events = events.NewBroker(256)
	rt.Events.Start()
	if cfg.RabbitURL != "" {
		sink, err := events.DialRabbit(cfg.RabbitURL, cfg.RabbitQueue)
		if err != nil {
			log.Warn().Err(err).Msg("rabbitmq unavailable, events stay in-process")
		} else {
			rt.rabbit = sink
			go sink.Forward(ctx, rt.Events)
		}
	}

	rt.Breaker = breaker.New(breaker.Config{
		Name:          "chatwoot",
		Threshold:     cfg.BreakerThreshold,
		Cooldown:      cfg.BreakerCooldown,
		MaxCooldown:   cfg.BreakerMaxCooldown,
		BackoffFactor: cfg.BreakerBackoff,
		CallTimeout:   cfg.UpstreamTimeout,
		OnStateChange: rt.onBreakerChange,
	})
	telemetry.BreakerStateGauge.WithLabelValues("chatwoot").Set(0)

	chat, err := chatwoot.NewClient(chatwoot.Config{
		BaseURL:   cfg.ChatwootBaseURL,
		APIToken:  cfg.ChatwootAPIToken,
		AccountID: cfg.ChatwootAccountID,
		InboxID:   cfg.ChatwootInboxID,
		Timeout:   cfg.UpstreamTimeout,
	})
	if err != nil {
		return nil, err
	}
	rt.Chat = chat

	catalog, err := persona.Load(cfg.PersonaCatalogPath)
	if err != nil {
		return nil, err
	}
	rt.Catalog = catalog

	tmpl := responder.NewTemplate(catalog)
	if cfg.OpenAIAPIKey != "" {
		rt.Responder = responder.NewGenerative(responder.NewOpenAICompleter(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.OpenAIModel), tmpl).
			WithTimeout(cfg.LLMTimeout)
	} else {
		rt.Responder = tmpl
	}

	if cfg.PostgresDSN != "" {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		if err := st.RunMigrations(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
		rt.Store = st
	} else {
		log.Warn().Msg("POSTGRES_DSN not set, audit trail disabled")
	}
	return rt, nil
}

func (rt *Runtime) onBreakerChange(name string, from, to breaker.State) {
	var v float64
	switch to {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	telemetry.BreakerStateGauge.WithLabelValues(name).Set(v)
	rt.Events.Emit(events.EventCircuitState, fmt.Sprintf("%s circuit %s -> %s", name, from, to), map[string]string{
		"breaker": name,
		"from":    string(from),
		"to":      string(to),
	})
}

// Migration builds the rollout controller, persisting decisions when
// Postgres is configured.
func (rt *Runtime) Migration() *migration.Controller {
	c := migration.New(migration.OptionsFromConfig(rt.Cfg)).WithEvents(rt.Events)
	if rt.Store != nil {
		c.WithRecorder(rt.Store)
	}
	return c
}

// AuditLog returns the durable job log, or nil without Postgres.
func (rt *Runtime) AuditLog() worker.AuditLog {
	if rt.Store == nil {
		return nil
	}
	return rt.Store
}

func (rt *Runtime) Close() {
	rt.Events.Stop()
	if rt.rabbit != nil {
		_ = rt.rabbit.Close()
	}
	if rt.Store != nil {
		rt.Store.Close()
	}
	if rt.timingRedis != nil {
		_ = rt.timingRedis.Close()
	}
	_ = rt.Redis.Close()
}
