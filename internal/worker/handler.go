package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"broker-dispatch/internal/breaker"
	"broker-dispatch/internal/chatwoot"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/persona"
	"broker-dispatch/internal/responder"
	"broker-dispatch/internal/telemetry"
	"broker-dispatch/internal/timing"
)

// ChatClient is the part of the Chatwoot client the worker calls.
type ChatClient interface {
	PostMessage(ctx context.Context, conversationID int64, p chatwoot.MessagePayload) (chatwoot.Message, error)
	UpdateConversationAttributes(ctx context.Context, id int64, attrs map[string]any) error
	ToggleStatus(ctx context.Context, id int64, status string) error
}

// TimingMarker records stage boundaries.
type TimingMarker interface {
	Mark(ctx context.Context, conversationID int64, messageID string, stage timing.Stage, at time.Time) error
}

// EchoRecorder remembers bot messages so webhooks can drop their echoes.
type EchoRecorder interface {
	Record(ctx context.Context, conversationID, messageID int64, content string) error
}

// HandlerConfig tunes the send path.
type HandlerConfig struct {
	SendRetries   int
	SendBackoff   time.Duration
	FallbackPhone string
}

// ConversationHandler turns one job into one broker message.
type ConversationHandler struct {
	chat      ChatClient
	breaker   *breaker.Breaker
	catalog   *persona.Catalog
	responder responder.Responder
	timing    TimingMarker
	echo      EchoRecorder
	cfg       HandlerConfig

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	log   zerolog.Logger
}

func NewConversationHandler(chat ChatClient, b *breaker.Breaker, catalog *persona.Catalog, r responder.Responder, tm TimingMarker, echo EchoRecorder, cfg HandlerConfig) *ConversationHandler {
	if cfg.SendRetries < 0 {
		cfg.SendRetries = 0
	}
	if cfg.SendBackoff <= 0 {
		cfg.SendBackoff = 200 * time.Millisecond
	}
	return &ConversationHandler{
		chat:      chat,
		breaker:   b,
		catalog:   catalog,
		responder: r,
		timing:    tm,
		echo:      echo,
		cfg:       cfg,
		now:       time.Now,
		sleep:     sleepCtx,
		log:       logging.WithComponent("worker"),
	}
}

// Handle processes a job. A fallback is a terminal result, not an error;
// errors are reserved for failures worth a job-level retry.
func (h *ConversationHandler) Handle(ctx context.Context, job models.ConversationJob, attempt int) (models.JobResult, error) {
	log := logging.WithJob("worker", job.ID, job.ConversationID).With().Int("attempt", attempt).Logger()
	h.mark(ctx, log, job, timing.StageWorkerStart)

	p := h.catalog.Resolve(job.BrokerPersona, job.ProcessedLeadData.LeadScore)
	job.BrokerPersona = &p

	if job.Type == models.JobNewConversation && job.SkipGreeting {
		h.updateAttributes(ctx, log, job, p)
		h.mark(ctx, log, job, timing.StageWorkerComplete)
		return models.JobResult{Outcome: models.OutcomeSkipped, BrokerName: p.Name, CompletedAt: h.now()}, nil
	}

	reply, err := h.responder.Reply(ctx, responder.Request{
		Persona:     p,
		Lead:        job.ProcessedLeadData,
		UserMessage: job.UserMessage,
		Greeting:    job.Type == models.JobNewConversation,
	})
	if err != nil {
		return models.JobResult{}, fmt.Errorf("generate reply: %w", err)
	}
	h.mark(ctx, log, job, timing.StageWorkerComplete)

	msg, err := h.send(ctx, log, job.ConversationID, reply.Content)
	if err != nil {
		if ctx.Err() != nil {
			return models.JobResult{}, ctx.Err()
		}
		cause := "send_failed"
		if errors.Is(err, breaker.ErrOpen) {
			cause = "circuit_open"
		}
		telemetry.Fallbacks.WithLabelValues(cause).Inc()
		fb := breaker.PhoneFallback(h.cfg.FallbackPhone)
		log.Warn().Err(err).Str("cause", cause).Str("broker", p.Name).Msg("reply not delivered, fallback recorded")
		return models.JobResult{Outcome: models.OutcomeFallback, BrokerName: p.Name, Fallback: &fb, CompletedAt: h.now()}, nil
	}

	sentAt := h.now()
	h.mark(ctx, log, job, timing.StageChatwootSend)
	if job.TimingData.QueueAddTimestamp > 0 {
		telemetry.EndToEndLatency.Observe(float64(sentAt.UnixMilli()-job.TimingData.QueueAddTimestamp) / 1000)
	}
	if h.echo != nil {
		if err := h.echo.Record(ctx, job.ConversationID, msg.ID, reply.Content); err != nil {
			log.Warn().Err(err).Msg("echo not recorded")
		}
	}

	if job.Type == models.JobNewConversation {
		h.updateAttributes(ctx, log, job, p)
	}
	if reply.Escalate {
		err := h.breaker.Do(ctx, func(ctx context.Context) error {
			return h.chat.ToggleStatus(ctx, job.ConversationID, chatwoot.StatusOpen)
		})
		if err != nil {
			log.Warn().Err(err).Msg("could not hand conversation to a human")
		} else {
			log.Info().Msg("conversation escalated to human broker")
		}
	}

	log.Info().
		Str("broker", p.Name).
		Str("intent", string(reply.Intent)).
		Str("source", reply.Source).
		Int64("message_id", msg.ID).
		Msg("reply sent")
	return models.JobResult{Outcome: models.OutcomeSent, MessageID: msg.ID, BrokerName: p.Name, CompletedAt: sentAt}, nil
}

// send posts through the breaker. An open circuit ends the attempt at once;
// other failures are retried with backoff.
func (h *ConversationHandler) send(ctx context.Context, log zerolog.Logger, conversationID int64, content string) (chatwoot.Message, error) {
	var lastErr error
	for try := 0; try <= h.cfg.SendRetries; try++ {
		if try > 0 {
			telemetry.SendRetries.Inc()
			wait := backoffWithJitter(h.cfg.SendBackoff, h.cfg.SendBackoff*8, try)
			if err := h.sleep(ctx, wait); err != nil {
				return chatwoot.Message{}, err
			}
		}
		msg, err := breaker.Call(ctx, h.breaker, func(ctx context.Context) (chatwoot.Message, error) {
			return h.chat.PostMessage(ctx, conversationID, chatwoot.MessagePayload{Content: content})
		})
		if err == nil {
			return msg, nil
		}
		if errors.Is(err, breaker.ErrOpen) || ctx.Err() != nil {
			return chatwoot.Message{}, err
		}
		lastErr = err
		log.Debug().Err(err).Int("try", try+1).Msg("send failed")
	}
	return chatwoot.Message{}, lastErr
}

func (h *ConversationHandler) updateAttributes(ctx context.Context, log zerolog.Logger, job models.ConversationJob, p models.BrokerPersona) {
	attrs := map[string]any{
		"ai_broker_name":      p.Name,
		"broker_persona":      string(p.Type),
		"conversation_status": chatwoot.StatusBot,
		"lead_score":          job.ProcessedLeadData.LeadScore,
	}
	err := h.breaker.Do(ctx, func(ctx context.Context) error {
		return h.chat.UpdateConversationAttributes(ctx, job.ConversationID, attrs)
	})
	if err != nil {
		log.Warn().Err(err).Msg("custom attributes not updated")
	}
}

func (h *ConversationHandler) mark(ctx context.Context, log zerolog.Logger, job models.ConversationJob, stage timing.Stage) {
	if h.timing == nil || job.TimingData.MessageID == "" {
		return
	}
	if err := h.timing.Mark(ctx, job.ConversationID, job.TimingData.MessageID, stage, h.now()); err != nil {
		log.Warn().Err(err).Str("stage", string(stage)).Msg("timing not recorded")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
