package handoff

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-dispatch/internal/breaker"
	"broker-dispatch/internal/chatwoot"
	"broker-dispatch/internal/dispatch"
	"broker-dispatch/internal/migration"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/persona"
	"broker-dispatch/internal/responder"
)

type fakeChat struct {
	mu             sync.Mutex
	calls          int
	existing       []chatwoot.Contact
	createdContact int
	updatedContact int
	conversations  int
	attributes     []map[string]any
	posted         []string
	failCreateConv bool
	failPost       bool
	delay          time.Duration
}

func (f *fakeChat) hit() {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
}

// respond simulates upstream latency, failing when the caller's deadline
// passes first.
func (f *fakeChat) respond(ctx context.Context) error {
	if f.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(f.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeChat) SearchContacts(ctx context.Context, _ string) ([]chatwoot.Contact, error) {
	f.hit()
	if err := f.respond(ctx); err != nil {
		return nil, err
	}
	return f.existing, nil
}

func (f *fakeChat) CreateContact(ctx context.Context, p chatwoot.ContactPayload) (chatwoot.Contact, error) {
	f.hit()
	if err := f.respond(ctx); err != nil {
		return chatwoot.Contact{}, err
	}
	f.createdContact++
	return chatwoot.Contact{ID: 501, Name: p.Name}, nil
}

func (f *fakeChat) UpdateContact(context.Context, int64, chatwoot.ContactPayload) error {
	f.hit()
	f.updatedContact++
	return nil
}

func (f *fakeChat) CreateConversation(ctx context.Context, p chatwoot.ConversationPayload) (chatwoot.Conversation, error) {
	f.hit()
	if err := f.respond(ctx); err != nil {
		return chatwoot.Conversation{}, err
	}
	if f.failCreateConv {
		return chatwoot.Conversation{}, &chatwoot.APIError{Op: "create conversation", StatusCode: 502}
	}
	f.conversations++
	return chatwoot.Conversation{ID: 7001, Status: p.Status, CustomAttributes: p.CustomAttributes}, nil
}

func (f *fakeChat) UpdateConversationAttributes(_ context.Context, _ int64, attrs map[string]any) error {
	f.hit()
	f.attributes = append(f.attributes, attrs)
	return nil
}

func (f *fakeChat) PostMessage(_ context.Context, id int64, p chatwoot.MessagePayload) (chatwoot.Message, error) {
	f.hit()
	if f.failPost {
		return chatwoot.Message{}, &chatwoot.APIError{Op: "post message", StatusCode: 503}
	}
	f.posted = append(f.posted, p.Content)
	return chatwoot.Message{ID: int64(800 + len(f.posted)), ConversationID: id, Content: p.Content}, nil
}

type fakeDedup struct {
	decision models.DeduplicationDecision
	notes    []int64
}

func (f *fakeDedup) CheckForExistingConversation(context.Context, int64, string) models.DeduplicationDecision {
	if f.decision.Reason == "" {
		return models.DeduplicationDecision{ShouldCreateNew: true, Reason: "No existing conversation found"}
	}
	return f.decision
}

func (f *fakeDedup) NoteResubmission(_ context.Context, conversationID int64, _ string) {
	f.notes = append(f.notes, conversationID)
}

type fakeEnqueuer struct {
	err  error
	jobs []dispatch.NewConversation
}

func (f *fakeEnqueuer) EnqueueNewConversation(_ context.Context, p dispatch.NewConversation) (models.ConversationJob, error) {
	if f.err != nil {
		return models.ConversationJob{}, f.err
	}
	f.jobs = append(f.jobs, p)
	return models.ConversationJob{ID: "new-conversation-7001-1", ConversationID: p.ConversationID}, nil
}

type fixture struct {
	chat     *fakeChat
	dedup    *fakeDedup
	enqueuer *fakeEnqueuer
	breaker  *breaker.Breaker
	svc      *Service
}

func newFixture(t *testing.T, rollout migration.Options, cfg Config) *fixture {
	t.Helper()
	chat := &fakeChat{}
	dd := &fakeDedup{}
	enq := &fakeEnqueuer{}
	b := breaker.New(breaker.Config{Name: "chatwoot", Threshold: 2, Cooldown: time.Minute})
	catalog := persona.Default().WithPicker(func(int) int { return 0 })
	legacy := NewSyncEngager(chat, b, responder.NewTemplate(catalog), nil)
	if cfg.FallbackPhone == "" {
		cfg.FallbackPhone = "+6583341445"
	}
	svc := NewService(chat, b, dd, catalog, migration.New(rollout), enq, legacy, cfg)
	return &fixture{chat: chat, dedup: dd, enqueuer: enq, breaker: b, svc: svc}
}

var queued = migration.Options{Enabled: true, Percentage: 100}

func request(score int) Request {
	return Request{Lead: models.ProcessedLeadData{
		Name:      "Tan Wei Ming",
		Email:     "weiming@example.sg",
		LoanType:  "refinance",
		LeadScore: score,
		SessionID: "sess-1",
	}}
}

func TestHandoffCreatesConversationAndQueuesGreeting(t *testing.T) {
	f := newFixture(t, queued, Config{})

	res, err := f.svc.Handoff(context.Background(), request(82))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, int64(7001), res.ConversationID)
	assert.Equal(t, int64(501), res.ContactID)
	assert.Equal(t, migration.PipelineQueued, res.Pipeline)
	assert.Equal(t, "new-conversation-7001-1", res.JobID)
	assert.False(t, res.Reused)
	require.NotNil(t, res.Persona)
	assert.Equal(t, models.PersonaAggressive, res.Persona.Type)

	assert.Equal(t, 1, f.chat.createdContact)
	assert.Equal(t, 1, f.chat.conversations)
	require.Len(t, f.enqueuer.jobs, 1)
	job := f.enqueuer.jobs[0]
	assert.False(t, job.SkipGreeting)
	assert.Equal(t, res.Persona.Name, job.Persona.Name)
	assert.Empty(t, f.chat.posted, "greeting is left to the worker")
}

func TestHandoffReusesOpenConversation(t *testing.T) {
	f := newFixture(t, queued, Config{})
	f.chat.existing = []chatwoot.Contact{{ID: 42, CustomAttributes: map[string]any{"submission_count": float64(2)}}}
	f.dedup.decision = models.DeduplicationDecision{ExistingConversationID: 555, Reason: "Open conversation within same loan type"}

	res, err := f.svc.Handoff(context.Background(), request(60))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Reused)
	assert.Equal(t, int64(555), res.ConversationID)
	assert.Equal(t, 1, f.chat.updatedContact)
	assert.Zero(t, f.chat.createdContact)
	assert.Zero(t, f.chat.conversations)

	require.Len(t, f.chat.attributes, 1)
	assert.Equal(t, 3, f.chat.attributes[0]["submission_count"])
	assert.Equal(t, chatwoot.StatusBot, f.chat.attributes[0]["conversation_status"])
	assert.Equal(t, []int64{555}, f.dedup.notes)

	require.Len(t, f.enqueuer.jobs, 1)
	assert.True(t, f.enqueuer.jobs[0].SkipGreeting)
	assert.True(t, f.enqueuer.jobs[0].IsReopen)
}

func TestHandoffFallsBackToLegacyOnEnqueueFailure(t *testing.T) {
	f := newFixture(t, queued, Config{LegacyFallback: true})
	f.enqueuer.err = errors.New("dial tcp: connection refused")

	res, err := f.svc.Handoff(context.Background(), request(50))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, migration.PipelineLegacy, res.Pipeline)
	assert.Empty(t, res.JobID)
	require.Len(t, f.chat.posted, 1, "legacy pipeline greets in-request")
	assert.Contains(t, f.chat.posted[0], "Tan")
}

func TestHandoffEnqueueFailureWithoutLegacyReturnsFallback(t *testing.T) {
	f := newFixture(t, queued, Config{LegacyFallback: false})
	f.enqueuer.err = errors.New("dial tcp: connection refused")

	res, err := f.svc.Handoff(context.Background(), request(50))
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.Fallback)
	assert.Equal(t, models.FallbackPhone, res.Fallback.Type)
	assert.Empty(t, f.chat.posted)
}

func TestHandoffLegacyPipelineGreetsSynchronously(t *testing.T) {
	f := newFixture(t, migration.Options{Enabled: false}, Config{})

	res, err := f.svc.Handoff(context.Background(), request(30))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, migration.PipelineLegacy, res.Pipeline)
	assert.Empty(t, f.enqueuer.jobs)
	assert.Len(t, f.chat.posted, 1)
}

func TestHandoffLegacyPipelineSkipsGreetingOnReuse(t *testing.T) {
	f := newFixture(t, migration.Options{Enabled: false}, Config{})
	f.dedup.decision = models.DeduplicationDecision{ExistingConversationID: 555, Reason: "Open conversation within same loan type"}

	res, err := f.svc.Handoff(context.Background(), request(30))
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Empty(t, f.chat.posted)
}

func TestHandoffCircuitOpenReturnsFallbackWithoutCalls(t *testing.T) {
	f := newFixture(t, queued, Config{})
	for i := 0; i < 2; i++ {
		_ = f.breaker.Do(context.Background(), func(context.Context) error { return errors.New("502") })
	}
	require.Equal(t, breaker.StateOpen, f.breaker.State())

	res, err := f.svc.Handoff(context.Background(), request(90))
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.Fallback)
	assert.Equal(t, models.Fallback{Type: models.FallbackPhone, Contact: "+6583341445", Message: breaker.DefaultFallbackMessage}, *res.Fallback)
	assert.Zero(t, f.chat.calls)
	assert.Empty(t, f.enqueuer.jobs)
}

func TestHandoffUpstreamFailureReturnsFallback(t *testing.T) {
	f := newFixture(t, queued, Config{})
	f.chat.failCreateConv = true

	res, err := f.svc.Handoff(context.Background(), request(70))
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.Fallback)
	assert.Equal(t, 1, f.breaker.Stats().ConsecutiveFailures)
}

func TestHandoffLegacyGreetFailureReturnsFallback(t *testing.T) {
	f := newFixture(t, migration.Options{Enabled: false}, Config{})
	f.chat.failPost = true

	res, err := f.svc.Handoff(context.Background(), request(30))
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, int64(7001), res.ConversationID)
	require.NotNil(t, res.Fallback)
}

func TestHandoffRejectsInvalidLead(t *testing.T) {
	f := newFixture(t, queued, Config{})
	req := request(50)
	req.Lead.LoanType = ""

	_, err := f.svc.Handoff(context.Background(), req)
	require.Error(t, err)
	assert.ErrorIs(t, err, dispatch.ErrValidation)
	assert.Zero(t, f.chat.calls)
}

func TestHandoffTimeoutAppliesPerUpstreamCall(t *testing.T) {
	f := newFixture(t, queued, Config{})
	f.breaker = breaker.New(breaker.Config{Name: "chatwoot", Threshold: 1, Cooldown: time.Minute, CallTimeout: 150 * time.Millisecond})
	f.svc.breaker = f.breaker
	// search, create contact, create conversation: about 240ms in total,
	// each well under the call timeout.
	f.chat.delay = 80 * time.Millisecond

	res, err := f.svc.Handoff(context.Background(), request(82))
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Nil(t, res.Fallback)
	assert.Equal(t, 3, f.chat.calls)
	assert.Equal(t, breaker.StateClosed, f.breaker.State())
}

func TestHandoffSlowUpstreamCallTripsBreaker(t *testing.T) {
	f := newFixture(t, queued, Config{})
	f.breaker = breaker.New(breaker.Config{Name: "chatwoot", Threshold: 1, Cooldown: time.Minute, CallTimeout: 20 * time.Millisecond})
	f.svc.breaker = f.breaker
	f.chat.delay = 200 * time.Millisecond

	res, err := f.svc.Handoff(context.Background(), request(82))
	require.NoError(t, err)

	assert.False(t, res.Success)
	require.NotNil(t, res.Fallback)
	assert.Equal(t, breaker.StateOpen, f.breaker.State())
}
