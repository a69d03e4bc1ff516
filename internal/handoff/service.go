package handoff

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"broker-dispatch/internal/breaker"
	"broker-dispatch/internal/chatwoot"
	"broker-dispatch/internal/dispatch"
	"broker-dispatch/internal/events"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/migration"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/persona"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/telemetry"
)

// Chat is the part of the Chatwoot API the handoff drives.
type Chat interface {
	MessagePoster
	SearchContacts(ctx context.Context, query string) ([]chatwoot.Contact, error)
	CreateContact(ctx context.Context, p chatwoot.ContactPayload) (chatwoot.Contact, error)
	UpdateContact(ctx context.Context, id int64, p chatwoot.ContactPayload) error
	CreateConversation(ctx context.Context, p chatwoot.ConversationPayload) (chatwoot.Conversation, error)
	UpdateConversationAttributes(ctx context.Context, id int64, attrs map[string]any) error
}

// Deduplicator decides whether a submission reuses an open conversation.
type Deduplicator interface {
	CheckForExistingConversation(ctx context.Context, contactID int64, loanType string) models.DeduplicationDecision
	NoteResubmission(ctx context.Context, conversationID int64, leadName string)
}

// Enqueuer persists greeting jobs.
type Enqueuer interface {
	EnqueueNewConversation(ctx context.Context, p dispatch.NewConversation) (models.ConversationJob, error)
}

// Legacy is the synchronous pipeline.
type Legacy interface {
	Greet(ctx context.Context, conversationID int64, p models.BrokerPersona, lead models.ProcessedLeadData) error
}

// Config tunes the handoff.
type Config struct {
	FallbackPhone  string
	LegacyFallback bool
}

// Request is a completed form ready to move into chat.
type Request struct {
	Lead models.ProcessedLeadData `json:"processedLeadData"`
}

// Result is what the form page renders: either a conversation to open in
// the chat widget or a fallback contact card.
type Result struct {
	Success          bool                  `json:"success"`
	ConversationID   int64                 `json:"conversationId"`
	ContactID        int64                 `json:"contactId,omitempty"`
	Reused           bool                  `json:"reused"`
	ReuseReason      string                `json:"reuseReason,omitempty"`
	Pipeline         migration.Pipeline    `json:"pipeline,omitempty"`
	JobID            string                `json:"jobId,omitempty"`
	Persona          *models.BrokerPersona `json:"brokerPersona,omitempty"`
	CustomAttributes map[string]any        `json:"customAttributes,omitempty"`
	Fallback         *models.Fallback      `json:"fallback,omitempty"`
	Error            string                `json:"error,omitempty"`
}

// Service creates or reuses the lead's conversation and hands it to a
// broker through the queue or the legacy pipeline.
type Service struct {
	chat     Chat
	breaker  *breaker.Breaker
	dedup    Deduplicator
	catalog  *persona.Catalog
	router   *migration.Controller
	enqueuer Enqueuer
	legacy   Legacy
	events   *events.Broker
	cfg      Config
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(chat Chat, b *breaker.Breaker, dedup Deduplicator, catalog *persona.Catalog, router *migration.Controller, enq Enqueuer, legacy Legacy, cfg Config) *Service {
	return &Service{
		chat:     chat,
		breaker:  b,
		dedup:    dedup,
		catalog:  catalog,
		router:   router,
		enqueuer: enq,
		legacy:   legacy,
		cfg:      cfg,
		now:      time.Now,
		log:      logging.WithComponent("handoff"),
	}
}

func (s *Service) WithEvents(b *events.Broker) *Service {
	s.events = b
	return s
}

type conversationOutcome struct {
	conversationID int64
	contactID      int64
	reused         bool
	reason         string
}

// Handoff never fails silently: a validation error is returned as an
// error, every other failure resolves to a Result carrying the fallback.
func (s *Service) Handoff(ctx context.Context, req Request) (Result, error) {
	lead := req.Lead
	if err := dispatch.ValidateLead(lead); err != nil {
		return Result{}, err
	}
	p := s.catalog.Select(lead.LeadScore)

	out, err := s.openConversation(ctx, lead, p)
	if err != nil {
		cause := "upstream_error"
		if errors.Is(err, breaker.ErrOpen) {
			cause = "circuit_open"
		}
		return s.fallback(cause, err), nil
	}

	res := Result{
		Success:        true,
		ConversationID: out.conversationID,
		ContactID:      out.contactID,
		Reused:         out.reused,
		ReuseReason:    out.reason,
		Persona:        &p,
		CustomAttributes: map[string]any{
			"lead_score":          lead.LeadScore,
			"loan_type":           lead.LoanType,
			"ai_broker_name":      p.Name,
			"broker_persona":      string(p.Type),
			"session_id":          lead.SessionID,
			"conversation_reused": out.reused,
			"status":              chatwoot.StatusBot,
		},
	}
	log := s.log.With().Int64("conversation_id", out.conversationID).Logger()

	if out.reused {
		s.dedup.NoteResubmission(ctx, out.conversationID, lead.Name)
		s.events.Emit(events.EventConversationReuse, out.reason, map[string]string{
			"conversation_id": strconv.FormatInt(out.conversationID, 10),
			"contact_id":      strconv.FormatInt(out.contactID, 10),
		})
	}

	decision := s.router.Decide(out.conversationID, lead.LeadScore)
	s.router.LogDecision(ctx, out.conversationID, lead.LeadScore, decision)
	res.Pipeline = decision.Pipeline

	if decision.Queued() {
		job, err := s.enqueuer.EnqueueNewConversation(ctx, dispatch.NewConversation{
			ConversationID: out.conversationID,
			ContactID:      out.contactID,
			Lead:           lead,
			Persona:        &p,
			IsReopen:       out.reused,
			SkipGreeting:   out.reused,
		})
		switch {
		case err == nil:
			res.JobID = job.ID
			return res, nil
		case errors.Is(err, queue.ErrDuplicateJob):
			log.Info().Msg("greeting already queued")
			return res, nil
		case !s.cfg.LegacyFallback:
			log.Error().Err(err).Msg("enqueue failed and legacy fallback is disabled")
			return s.fallback("enqueue_failed", err), nil
		}
		s.router.LogFallback(ctx, out.conversationID, lead.LeadScore, err)
		res.Pipeline = migration.PipelineLegacy
	}

	if out.reused {
		log.Info().Msg("reopened conversation, greeting skipped")
		return res, nil
	}
	if err := s.legacy.Greet(ctx, out.conversationID, p, lead); err != nil {
		cause := "legacy_failed"
		if errors.Is(err, breaker.ErrOpen) {
			cause = "circuit_open"
		}
		fb := s.fallback(cause, err)
		fb.ConversationID = out.conversationID
		fb.Pipeline = res.Pipeline
		return fb, nil
	}
	return res, nil
}

// openConversation upserts the contact, then reuses an open conversation
// or creates one. Each platform request is a separate breaker call.
func (s *Service) openConversation(ctx context.Context, lead models.ProcessedLeadData, p models.BrokerPersona) (conversationOutcome, error) {
	contact, err := s.upsertContact(ctx, lead)
	if err != nil {
		return conversationOutcome{}, err
	}

	decision := s.dedup.CheckForExistingConversation(ctx, contact.ID, lead.LoanType)
	if !decision.ShouldCreateNew && decision.ExistingConversationID > 0 {
		attrs := map[string]any{
			"last_resubmission":   s.now().UTC().Format(time.RFC3339),
			"submission_count":    submissionCount(contact) + 1,
			"lead_score":          lead.LeadScore,
			"conversation_status": chatwoot.StatusBot,
			"ai_broker_name":      p.Name,
			"loan_type":           lead.LoanType,
		}
		err := s.breaker.Do(ctx, func(ctx context.Context) error {
			return s.chat.UpdateConversationAttributes(ctx, decision.ExistingConversationID, attrs)
		})
		if err != nil {
			return conversationOutcome{}, fmt.Errorf("refresh reused conversation: %w", err)
		}
		s.log.Info().
			Int64("conversation_id", decision.ExistingConversationID).
			Int64("contact_id", contact.ID).
			Str("reason", decision.Reason).
			Msg("reusing open conversation")
		return conversationOutcome{
			conversationID: decision.ExistingConversationID,
			contactID:      contact.ID,
			reused:         true,
			reason:         decision.Reason,
		}, nil
	}

	payload := chatwoot.ConversationPayload{
		ContactID: contact.ID,
		Status:    chatwoot.StatusBot,
		CustomAttributes: map[string]any{
			"lead_score":          lead.LeadScore,
			"loan_type":           lead.LoanType,
			"property_category":   lead.PropertyCategory,
			"employment_type":     lead.EmploymentType,
			"session_id":          lead.SessionID,
			"ai_broker_name":      p.Name,
			"broker_persona":      string(p.Type),
			"conversation_status": chatwoot.StatusBot,
		},
	}
	conv, err := breaker.Call(ctx, s.breaker, func(ctx context.Context) (chatwoot.Conversation, error) {
		return s.chat.CreateConversation(ctx, payload)
	})
	if err != nil {
		return conversationOutcome{}, fmt.Errorf("create conversation: %w", err)
	}
	s.log.Info().Int64("conversation_id", conv.ID).Int64("contact_id", contact.ID).Str("reason", decision.Reason).Msg("conversation created")
	return conversationOutcome{conversationID: conv.ID, contactID: contact.ID, reason: decision.Reason}, nil
}

func (s *Service) upsertContact(ctx context.Context, lead models.ProcessedLeadData) (chatwoot.Contact, error) {
	payload := chatwoot.ContactPayload{
		Name:        lead.Name,
		Email:       lead.Email,
		PhoneNumber: lead.Phone,
		CustomAttributes: map[string]any{
			"lead_score":        lead.LeadScore,
			"loan_type":         lead.LoanType,
			"employment_type":   lead.EmploymentType,
			"property_category": lead.PropertyCategory,
			"session_id":        lead.SessionID,
			"last_submission":   s.now().UTC().Format(time.RFC3339),
		},
	}

	for _, q := range []string{lead.Email, lead.Phone} {
		if q == "" {
			continue
		}
		found, err := breaker.Call(ctx, s.breaker, func(ctx context.Context) ([]chatwoot.Contact, error) {
			return s.chat.SearchContacts(ctx, q)
		})
		if err != nil {
			return chatwoot.Contact{}, fmt.Errorf("search contacts: %w", err)
		}
		if len(found) == 0 {
			continue
		}
		contact := found[0]
		attrs := payload.CustomAttributes
		attrs["submission_count"] = submissionCount(contact) + 1
		err = s.breaker.Do(ctx, func(ctx context.Context) error {
			return s.chat.UpdateContact(ctx, contact.ID, payload)
		})
		if err != nil {
			return chatwoot.Contact{}, fmt.Errorf("update contact: %w", err)
		}
		return contact, nil
	}

	contact, err := breaker.Call(ctx, s.breaker, func(ctx context.Context) (chatwoot.Contact, error) {
		return s.chat.CreateContact(ctx, payload)
	})
	if err != nil {
		return chatwoot.Contact{}, fmt.Errorf("create contact: %w", err)
	}
	return contact, nil
}

func submissionCount(c chatwoot.Contact) int {
	switch v := c.CustomAttributes["submission_count"].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func (s *Service) fallback(cause string, err error) Result {
	telemetry.Fallbacks.WithLabelValues(cause).Inc()
	s.log.Warn().Err(err).Str("cause", cause).Msg("handoff failed, returning fallback contact")
	fb := breaker.PhoneFallback(s.cfg.FallbackPhone)
	return Result{Success: false, Fallback: &fb, Error: "chat temporarily unavailable"}
}
