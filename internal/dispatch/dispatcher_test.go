package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-dispatch/internal/models"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/timing"
)

type fixture struct {
	q      *queue.RedisQueue
	timing *timing.Store
	d      *Dispatcher
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := &fixture{
		q:      queue.New(client, queue.Options{Name: "dispatch-test"}),
		timing: timing.NewStore(client, 24*time.Hour),
		now:    time.Now(),
	}
	f.d = New(f.q, f.timing, Options{NewConversationDelay: 500 * time.Millisecond}).
		WithClock(func() time.Time { return f.now })
	return f
}

func lead(score int) models.ProcessedLeadData {
	return models.ProcessedLeadData{Name: "Tan Wei Ming", LoanType: "refinance", LeadScore: score}
}

var persona = &models.BrokerPersona{Type: models.PersonaBalanced, Name: "Rachel Tan", Title: "Senior Mortgage Specialist"}

func TestNewConversationPriorityFromLeadScore(t *testing.T) {
	cases := []struct {
		score    int
		priority int
	}{
		{100, models.PriorityHighValueLead},
		{85, models.PriorityHighValueLead},
		{76, models.PriorityHighValueLead},
		{75, models.PriorityStandardLead},
		{40, models.PriorityStandardLead},
		{0, models.PriorityStandardLead},
	}
	f := newFixture(t)
	for i, tc := range cases {
		job, err := f.d.EnqueueNewConversation(context.Background(), NewConversation{
			ConversationID: int64(100 + i),
			Lead:           lead(tc.score),
		})
		require.NoError(t, err)
		assert.Equal(t, tc.priority, job.Priority, "score %d", tc.score)
		assert.Equal(t, models.JobNewConversation, job.Type)
	}
}

func TestNewConversationIsDelayedAndTimed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	job, err := f.d.EnqueueNewConversation(ctx, NewConversation{ConversationID: 290, ContactID: 12, Lead: lead(60)})
	require.NoError(t, err)
	assert.Regexp(t, `^new-conversation-290-\d+-[0-9a-f]{8}$`, job.ID)
	assert.Equal(t, f.now.UnixMilli(), job.TimingData.QueueAddTimestamp)

	st, err := f.q.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelayed, st.Status)

	rec, err := f.timing.Get(ctx, 290, job.TimingData.MessageID)
	require.NoError(t, err)
	assert.Equal(t, f.now.UnixMilli(), rec.QueueAddTimestamp)
}

func TestNewConversationIDsDistinctWithinMillisecond(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.d.EnqueueNewConversation(ctx, NewConversation{ConversationID: 291, Lead: lead(60), IsReopen: true, SkipGreeting: true})
	require.NoError(t, err)
	second, err := f.d.EnqueueNewConversation(ctx, NewConversation{ConversationID: 291, Lead: lead(60), IsReopen: true, SkipGreeting: true})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.TimingData.QueueAddTimestamp, second.TimingData.QueueAddTimestamp)
}

func TestIncomingMessageAlwaysPriorityThreeAndSkipsGreeting(t *testing.T) {
	f := newFixture(t)
	for i, score := range []int{0, 50, 76, 100} {
		job, err := f.d.EnqueueIncomingMessage(context.Background(), IncomingMessage{
			ConversationID: int64(10 + i),
			Persona:        persona,
			Lead:           lead(score),
			UserMessage:    "What rate can I get?",
			MessageID:      "m-1",
		})
		require.NoError(t, err)
		assert.Equal(t, models.PriorityIncoming, job.Priority)
		assert.True(t, job.SkipGreeting)
		assert.Equal(t, persona.Name, job.BrokerName)
	}
}

func TestIncomingMessageDuplicateKeepsTimingData(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	msg := IncomingMessage{
		ConversationID: 77,
		Persona:        persona,
		Lead:           lead(50),
		UserMessage:    "hello",
		MessageID:      "abc",
	}

	first, err := f.d.EnqueueIncomingMessage(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, "incoming-message-77-abc", first.ID)

	f.now = f.now.Add(3 * time.Second)
	_, err = f.d.EnqueueIncomingMessage(ctx, msg)
	assert.ErrorIs(t, err, queue.ErrDuplicateJob)

	rec, err := f.timing.Get(ctx, 77, "abc")
	require.NoError(t, err)
	assert.Equal(t, first.TimingData.QueueAddTimestamp, rec.QueueAddTimestamp)
}

func TestIncomingMessageGeneratesMessageID(t *testing.T) {
	f := newFixture(t)
	msg := IncomingMessage{ConversationID: 5, Persona: persona, Lead: lead(50), UserMessage: "hi"}

	a, err := f.d.EnqueueIncomingMessage(context.Background(), msg)
	require.NoError(t, err)
	b, err := f.d.EnqueueIncomingMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.NotEqual(t, a.TimingData.MessageID, b.TimingData.MessageID)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestValidationRejectsBeforeQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cases := map[string]func() error{
		"conversation id": func() error {
			_, err := f.d.EnqueueNewConversation(ctx, NewConversation{ConversationID: 0, Lead: lead(50)})
			return err
		},
		"lead name": func() error {
			_, err := f.d.EnqueueNewConversation(ctx, NewConversation{ConversationID: 1, Lead: models.ProcessedLeadData{LoanType: "new_purchase"}})
			return err
		},
		"lead score": func() error {
			_, err := f.d.EnqueueNewConversation(ctx, NewConversation{ConversationID: 1, Lead: lead(101)})
			return err
		},
		"message text": func() error {
			_, err := f.d.EnqueueIncomingMessage(ctx, IncomingMessage{ConversationID: 1, Persona: persona, Lead: lead(50), UserMessage: "  "})
			return err
		},
		"persona": func() error {
			_, err := f.d.EnqueueIncomingMessage(ctx, IncomingMessage{ConversationID: 1, Lead: lead(50), UserMessage: "hi"})
			return err
		},
	}
	for name, fn := range cases {
		err := fn()
		assert.ErrorIs(t, err, ErrValidation, name)
		var verr *ValidationError
		assert.True(t, errors.As(err, &verr), name)
	}

	m, err := f.q.Metrics(ctx)
	require.NoError(t, err)
	assert.Zero(t, m.Waiting+m.Delayed)
}

func TestHighValueLeadServedBeforeEarlierStandardLead(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	low, err := f.d.EnqueueNewConversation(ctx, NewConversation{ConversationID: 1, Lead: lead(40), Delay: -1})
	require.NoError(t, err)
	high, err := f.d.EnqueueNewConversation(ctx, NewConversation{ConversationID: 2, Lead: lead(85), Delay: -1})
	require.NoError(t, err)
	require.Equal(t, models.PriorityHighValueLead, high.Priority)

	first, err := f.q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, high.ID, first)

	second, err := f.q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, second)
}

type failingQueue struct{}

func (failingQueue) Add(context.Context, models.ConversationJob) (int64, error) {
	return 0, errors.New("dial tcp: connection refused")
}

func TestEnqueueFailureIsLoud(t *testing.T) {
	d := New(failingQueue{}, nil, Options{})
	_, err := d.EnqueueNewConversation(context.Background(), NewConversation{ConversationID: 3, Lead: lead(50)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
