package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/telemetry"
)

// ErrValidation marks payloads rejected before they reach the queue.
var ErrValidation = errors.New("invalid job payload")

// ValidationError lists the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// JobQueue persists jobs.
type JobQueue interface {
	Add(ctx context.Context, job models.ConversationJob) (int64, error)
}

// TimingRecorder creates the queue-add timing record.
type TimingRecorder interface {
	Create(ctx context.Context, conversationID int64, messageID string, queueAdd int64) error
}

// Options carries dispatcher defaults.
type Options struct {
	NewConversationDelay time.Duration
	MaxAttempts          int
}

// Dispatcher is the enqueue API used by HTTP handlers and the webhook.
type Dispatcher struct {
	queue  JobQueue
	timing TimingRecorder
	opts   Options
	now    func() time.Time
	log    zerolog.Logger
}

func New(q JobQueue, timing TimingRecorder, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	return &Dispatcher{
		queue:  q,
		timing: timing,
		opts:   opts,
		now:    time.Now,
		log:    logging.WithComponent("dispatch"),
	}
}

// WithClock swaps the time source. Intended for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// NewConversation describes a freshly created (or reopened) conversation
// that needs its opening message.
type NewConversation struct {
	ConversationID int64
	ContactID      int64
	Lead           models.ProcessedLeadData
	Persona        *models.BrokerPersona
	IsReopen       bool
	SkipGreeting   bool
	// Delay overrides the default settle delay; negative means none.
	Delay time.Duration
}

// IncomingMessage is a contact message that needs a broker reply.
type IncomingMessage struct {
	ConversationID int64
	ContactID      int64
	BrokerID       string
	BrokerName     string
	Persona        *models.BrokerPersona
	Lead           models.ProcessedLeadData
	UserMessage    string
	MessageID      string
}

// PriorityForLead maps a lead score to its new-conversation tier.
func PriorityForLead(score int) int {
	if score > models.HighValueLeadScore {
		return models.PriorityHighValueLead
	}
	return models.PriorityStandardLead
}

// EnqueueNewConversation queues the greeting job for a conversation. It
// returns once the job is persisted.
func (d *Dispatcher) EnqueueNewConversation(ctx context.Context, p NewConversation) (models.ConversationJob, error) {
	if err := validateLead(p.ConversationID, p.Lead); err != nil {
		return models.ConversationJob{}, err
	}

	now := d.now()
	// The suffix keeps two handoffs in the same millisecond apart.
	id := fmt.Sprintf("%s-%d-%d-%s", models.JobNewConversation, p.ConversationID, now.UnixMilli(), uuid.NewString()[:8])
	delay := d.opts.NewConversationDelay
	if p.Delay != 0 {
		delay = p.Delay
	}
	if delay < 0 {
		delay = 0
	}

	job := models.ConversationJob{
		ID:                   id,
		Type:                 models.JobNewConversation,
		ConversationID:       p.ConversationID,
		ContactID:            p.ContactID,
		BrokerPersona:        p.Persona,
		ProcessedLeadData:    p.Lead,
		SkipGreeting:         p.SkipGreeting,
		IsConversationReopen: p.IsReopen,
		TimingData:           models.TimingData{MessageID: id, QueueAddTimestamp: now.UnixMilli()},
		Priority:             PriorityForLead(p.Lead.LeadScore),
		Delay:                delay,
		MaxAttempts:          d.opts.MaxAttempts,
	}
	if p.Persona != nil {
		job.BrokerName = p.Persona.Name
	}
	return d.enqueue(ctx, job)
}

// EnqueueIncomingMessage queues a reply job. These always run at the
// incoming tier and never greet.
func (d *Dispatcher) EnqueueIncomingMessage(ctx context.Context, p IncomingMessage) (models.ConversationJob, error) {
	if err := validateLead(p.ConversationID, p.Lead); err != nil {
		return models.ConversationJob{}, err
	}
	if strings.TrimSpace(p.UserMessage) == "" {
		return models.ConversationJob{}, &ValidationError{Field: "userMessage", Reason: "is required"}
	}
	if p.Persona == nil {
		return models.ConversationJob{}, &ValidationError{Field: "brokerPersona", Reason: "is required"}
	}

	now := d.now()
	messageID := p.MessageID
	if messageID == "" {
		messageID = uuid.NewString()
	}
	brokerName := p.BrokerName
	if brokerName == "" {
		brokerName = p.Persona.Name
	}

	job := models.ConversationJob{
		ID:                fmt.Sprintf("%s-%d-%s", models.JobIncomingMessage, p.ConversationID, messageID),
		Type:              models.JobIncomingMessage,
		ConversationID:    p.ConversationID,
		ContactID:         p.ContactID,
		BrokerID:          p.BrokerID,
		BrokerName:        brokerName,
		BrokerPersona:     p.Persona,
		ProcessedLeadData: p.Lead,
		UserMessage:       p.UserMessage,
		SkipGreeting:      true,
		TimingData:        models.TimingData{MessageID: messageID, QueueAddTimestamp: now.UnixMilli()},
		Priority:          models.PriorityIncoming,
		MaxAttempts:       d.opts.MaxAttempts,
	}
	return d.enqueue(ctx, job)
}

func (d *Dispatcher) enqueue(ctx context.Context, job models.ConversationJob) (models.ConversationJob, error) {
	log := d.log.With().Str("job_id", job.ID).Int64("conversation_id", job.ConversationID).Logger()

	if _, err := d.queue.Add(ctx, job); err != nil {
		if errors.Is(err, queue.ErrDuplicateJob) {
			telemetry.DuplicateEnqueues.Inc()
			log.Warn().Msg("duplicate job id, existing job kept")
			return models.ConversationJob{}, err
		}
		log.Error().Err(err).Msg("enqueue failed")
		return models.ConversationJob{}, fmt.Errorf("enqueue %s: %w", job.Type, err)
	}
	telemetry.EnqueueCounter.WithLabelValues(string(job.Type), strconv.Itoa(job.Priority)).Inc()

	// Losing the timing record only costs an SLA sample.
	if d.timing != nil {
		if err := d.timing.Create(ctx, job.ConversationID, job.TimingData.MessageID, job.TimingData.QueueAddTimestamp); err != nil {
			log.Warn().Err(err).Msg("timing record not created")
		}
	}

	log.Info().
		Str("type", string(job.Type)).
		Int("priority", job.Priority).
		Int("lead_score", job.ProcessedLeadData.LeadScore).
		Dur("delay", job.Delay).
		Msg("job queued")
	return job, nil
}

func validateLead(conversationID int64, lead models.ProcessedLeadData) error {
	if conversationID <= 0 {
		return &ValidationError{Field: "conversationId", Reason: "must be positive"}
	}
	return ValidateLead(lead)
}

// ValidateLead checks the lead fields every job carries.
func ValidateLead(lead models.ProcessedLeadData) error {
	switch {
	case strings.TrimSpace(lead.Name) == "":
		return &ValidationError{Field: "processedLeadData.name", Reason: "is required"}
	case strings.TrimSpace(lead.LoanType) == "":
		return &ValidationError{Field: "processedLeadData.loanType", Reason: "is required"}
	case lead.LeadScore < 0 || lead.LeadScore > 100:
		return &ValidationError{Field: "processedLeadData.leadScore", Reason: "must be between 0 and 100"}
	}
	return nil
}
