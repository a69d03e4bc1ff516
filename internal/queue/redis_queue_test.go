package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-dispatch/internal/models"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, Options{Name: "test", VisibilityTimeout: 30 * time.Second})
}

func job(id string, conv int64, priority int) models.ConversationJob {
	return models.ConversationJob{
		ID:             id,
		Type:           models.JobNewConversation,
		ConversationID: conv,
		Priority:       priority,
	}
}

func drainIDs(t *testing.T, q *RedisQueue, ack bool) []string {
	t.Helper()
	ctx := context.Background()
	var out []string
	for {
		id, err := q.DequeueWithLease(ctx)
		require.NoError(t, err)
		if id == "" {
			return out
		}
		out = append(out, id)
		if ack {
			st, err := q.Get(ctx, id)
			require.NoError(t, err)
			require.NoError(t, q.Complete(ctx, st.Job, models.JobResult{Outcome: models.OutcomeSent}))
		}
	}
}

func TestPriorityPreemptsFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	// standard lead enqueued first, high-value lead second
	_, err := q.Add(ctx, job("standard", 1, models.PriorityStandardLead))
	require.NoError(t, err)
	_, err = q.Add(ctx, job("incoming", 2, models.PriorityIncoming))
	require.NoError(t, err)
	_, err = q.Add(ctx, job("high", 3, models.PriorityHighValueLead))
	require.NoError(t, err)

	assert.Equal(t, []string{"high", "incoming", "standard"}, drainIDs(t, q, true))
}

func TestFIFOWithinTier(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	for i, id := range []string{"a", "b", "c"} {
		_, err := q.Add(ctx, job(id, int64(100+i), models.PriorityStandardLead))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "b", "c"}, drainIDs(t, q, false))
}

func TestDuplicateJobRejected(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Add(ctx, job("new-conversation-9-1", 9, models.PriorityStandardLead))
	require.NoError(t, err)
	_, err = q.Add(ctx, job("new-conversation-9-1", 9, models.PriorityHighValueLead))
	assert.ErrorIs(t, err, ErrDuplicateJob)

	st, err := q.Get(ctx, "new-conversation-9-1")
	require.NoError(t, err)
	assert.Equal(t, models.PriorityStandardLead, st.Job.Priority)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Waiting)
}

func TestUnknownPriorityRejected(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Add(context.Background(), job("x", 1, 2))
	assert.Error(t, err)
}

func TestConversationJobsServedInOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	// the later message has a better priority but must wait for the greeting
	_, err := q.Add(ctx, job("greet", 42, models.PriorityStandardLead))
	require.NoError(t, err)
	_, err = q.Add(ctx, job("reply", 42, models.PriorityIncoming))
	require.NoError(t, err)
	_, err = q.Add(ctx, job("other", 7, models.PriorityStandardLead))
	require.NoError(t, err)

	first, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "greet", first)

	// conversation 42 is blocked while greet is in flight; 7 still flows
	second, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "other", second)

	none, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)

	st, err := q.Get(ctx, "greet")
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, st.Job, models.JobResult{Outcome: models.OutcomeSent}))

	third, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "reply", third)
}

func TestRetryKeepsConversationOrder(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Add(ctx, job("first", 5, models.PriorityStandardLead))
	require.NoError(t, err)
	_, err = q.Add(ctx, job("second", 5, models.PriorityStandardLead))
	require.NoError(t, err)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "first", id)
	st, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, q.Retry(ctx, st.Job, time.Now().Add(time.Second), "send failed"))

	blocked, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, blocked, "second must wait for the retrying first job")

	n, err := q.PromoteScheduled(ctx, time.Now().Add(2*time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"first", "second"}, drainIDs(t, q, true))

	st, err = q.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, st.Status)
	assert.Equal(t, "", st.LastError)
}

func TestDelayedJobNotVisibleUntilDue(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	j := job("delayed", 3, models.PriorityHighValueLead)
	j.Delay = 500 * time.Millisecond
	_, err := q.Add(ctx, j)
	require.NoError(t, err)

	st, err := q.Get(ctx, "delayed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelayed, st.Status)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	n, err := q.PromoteScheduled(ctx, time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "delayed", id)
}

func TestExpiredLeaseIsReclaimed(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Add(ctx, job("slow", 11, models.PriorityIncoming))
	require.NoError(t, err)
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	require.Equal(t, "slow", id)

	reclaimed, err := q.RequeueExpired(ctx, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, reclaimed, "lease has not expired yet")

	reclaimed, err = q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"slow"}, reclaimed)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "slow", id)
}

func TestDeadLetterReleasesConversation(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Add(ctx, job("doomed", 8, models.PriorityIncoming))
	require.NoError(t, err)
	_, err = q.Add(ctx, job("next", 8, models.PriorityIncoming))
	require.NoError(t, err)

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	st, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, q.DeadLetter(ctx, st.Job, "boom"))

	dlq, err := q.DLQPeek(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"doomed"}, dlq)

	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "next", id)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.Failed)
	assert.EqualValues(t, 1, m.Active)
}

func TestPauseResumeAndDrain(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Add(ctx, job("a", 1, models.PriorityStandardLead))
	require.NoError(t, err)
	require.NoError(t, q.Pause(ctx))

	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	m, err := q.Metrics(ctx)
	require.NoError(t, err)
	assert.True(t, m.Paused)
	assert.EqualValues(t, 1, m.Waiting)

	delayed := job("b", 2, models.PriorityStandardLead)
	delayed.Delay = time.Minute
	_, err = q.Add(ctx, delayed)
	require.NoError(t, err)

	n, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, q.Resume(ctx))
	id, err = q.DequeueWithLease(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	_, err = q.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestCancelReleasesNextJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Add(ctx, job("stale", 4, models.PriorityStandardLead))
	require.NoError(t, err)
	_, err = q.Add(ctx, job("fresh", 4, models.PriorityStandardLead))
	require.NoError(t, err)

	require.NoError(t, q.Cancel(ctx, "stale"))
	st, err := q.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, st.Status)

	assert.Equal(t, []string{"fresh"}, drainIDs(t, q, true))
}

func TestCancelRefusesFinishedJob(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Add(ctx, job("done", 5, models.PriorityStandardLead))
	require.NoError(t, err)
	id, err := q.DequeueWithLease(ctx)
	require.NoError(t, err)
	st, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, st.Job, models.JobResult{}))

	assert.ErrorIs(t, q.Cancel(ctx, "done"), ErrJobFinished)
	assert.ErrorIs(t, q.Cancel(ctx, "missing"), ErrJobNotFound)
}

func TestMarkStartedCountsAttempts(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_, err := q.Add(ctx, job("j", 1, models.PriorityIncoming))
	require.NoError(t, err)
	n, err := q.MarkStarted(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = q.MarkStarted(ctx, "j")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
