package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"broker-dispatch/internal/config"
	"broker-dispatch/internal/models"
)

var (
	ErrDuplicateJob = errors.New("job with this id already queued")
	ErrJobNotFound  = errors.New("job not found")
	ErrJobFinished  = errors.New("job already finished")
)

// Options tunes a RedisQueue.
type Options struct {
	Name               string
	PriorityTiers      []int
	VisibilityTimeout  time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	// ScanWindow bounds how far into each tier dequeue looks past jobs that
	// are waiting on an earlier job of the same conversation.
	ScanWindow int
}

// RedisQueue is a named priority queue of conversation jobs. Ready jobs sit in
// one list per priority tier, leased jobs in an in-flight ZSET scored by lease
// deadline, and delayed or retrying jobs in a scheduled ZSET.
//
// Jobs of one conversation are served strictly in enqueue order: each job gets
// a per-conversation sequence number and only the lowest pending sequence of a
// conversation can be leased. Later jobs stay where they are and other
// conversations keep flowing.
type RedisQueue struct {
	client        *redis.Client
	prefix        string
	tiers         []int
	visibilityTTL time.Duration
	completedTTL  time.Duration
	failedTTL     time.Duration
	scanWindow    int
}

// OptionsFromConfig maps env config onto queue options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Name:               cfg.QueueName,
		PriorityTiers:      cfg.PriorityTiers,
		VisibilityTimeout:  cfg.VisibilityTimeout,
		CompletedRetention: cfg.CompletedRetention,
		FailedRetention:    cfg.FailedRetention,
	}
}

// New builds a queue over an existing client.
func New(client *redis.Client, opts Options) *RedisQueue {
	if opts.Name == "" {
		opts.Name = "broker-conversations"
	}
	tiers := append([]int(nil), opts.PriorityTiers...)
	if len(tiers) == 0 {
		tiers = []int{models.PriorityHighValueLead, models.PriorityIncoming, models.PriorityStandardLead}
	}
	sort.Ints(tiers)
	if opts.VisibilityTimeout == 0 {
		opts.VisibilityTimeout = 30 * time.Second
	}
	if opts.CompletedRetention == 0 {
		opts.CompletedRetention = 24 * time.Hour
	}
	if opts.FailedRetention == 0 {
		opts.FailedRetention = 7 * 24 * time.Hour
	}
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = 100
	}
	return &RedisQueue{
		client:        client,
		prefix:        "bq:" + opts.Name + ":",
		tiers:         tiers,
		visibilityTTL: opts.VisibilityTimeout,
		completedTTL:  opts.CompletedRetention,
		failedTTL:     opts.FailedRetention,
		scanWindow:    opts.ScanWindow,
	}
}

func (q *RedisQueue) readyPrefix() string { return q.prefix + "ready:" }
func (q *RedisQueue) readyKey(priority int) string { return q.readyPrefix() + strconv.Itoa(priority) }
func (q *RedisQueue) jobPrefix() string { return q.prefix + "job:" }
func (q *RedisQueue) jobKey(id string) string { return q.jobPrefix() + id }
func (q *RedisQueue) pendingPrefix() string { return q.prefix + "pending:" }
func (q *RedisQueue) inflightKey() string { return q.prefix + "inflight" }
func (q *RedisQueue) scheduledKey() string { return q.prefix + "scheduled" }
func (q *RedisQueue) dlqKey() string { return q.prefix + "dlq" }
func (q *RedisQueue) pausedKey() string { return q.prefix + "paused" }
func (q *RedisQueue) completedKey() string { return q.prefix + "stats:completed" }

func (q *RedisQueue) pendingKey(conversationID int64) string {
	return q.pendingPrefix() + strconv.FormatInt(conversationID, 10)
}

func (q *RedisQueue) seqKey(conversationID int64) string {
	return q.prefix + "seq:" + strconv.FormatInt(conversationID, 10)
}

func (q *RedisQueue) validTier(priority int) bool {
	for _, t := range q.tiers {
		if t == priority {
			return true
		}
	}
	return false
}

// Add persists a job. It returns once the job is durable in Redis; processing
// happens later. A job id that already exists is rejected with ErrDuplicateJob.
func (q *RedisQueue) Add(ctx context.Context, job models.ConversationJob) (int64, error) {
	if job.ID == "" {
		return 0, errors.New("queue: job id is required")
	}
	if !q.validTier(job.Priority) {
		return 0, fmt.Errorf("queue: priority %d is not one of %v", job.Priority, q.tiers)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("marshal job: %w", err)
	}

	now := time.Now()
	var runAt int64
	status := models.StatusQueued
	if job.Delay > 0 {
		runAt = now.Add(job.Delay).UnixMilli()
		status = models.StatusDelayed
	}

	keys := []string{
		q.jobKey(job.ID),
		q.seqKey(job.ConversationID),
		q.pendingKey(job.ConversationID),
		q.readyKey(job.Priority),
		q.scheduledKey(),
	}
	seq, err := addScript.Run(ctx, q.client, keys,
		job.ID, payload, job.Priority, job.ConversationID, now.UnixMilli(), runAt, status,
		(7 * 24 * time.Hour).Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("add job %s: %w", job.ID, err)
	}
	if seq < 0 {
		return 0, ErrDuplicateJob
	}
	return seq, nil
}

// PromoteScheduled moves due scheduled jobs into their ready tier. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	n, err := promoteScript.Run(ctx, q.client, []string{q.scheduledKey()},
		now.UnixMilli(), limit, q.jobPrefix(), q.readyPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// DequeueWithLease leases the highest-priority eligible job, oldest first
// within a tier. It returns "" when nothing is eligible or the queue is paused.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	keys := make([]string, 0, len(q.tiers)+2)
	for _, p := range q.tiers {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.inflightKey(), q.pausedKey())

	res, err := dequeueScript.Run(ctx, q.client, keys,
		time.Now().Add(q.visibilityTTL).UnixMilli(), q.scanWindow, q.jobPrefix(), q.pendingPrefix()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey(), redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Get loads a job and its lifecycle state.
func (q *RedisQueue) Get(ctx context.Context, jobID string) (models.JobState, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return models.JobState{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(fields) == 0 {
		return models.JobState{}, ErrJobNotFound
	}
	return decodeState(fields)
}

// MarkStarted records a new attempt on a leased job.
func (q *RedisQueue) MarkStarted(ctx context.Context, jobID string) (int, error) {
	pipe := q.client.TxPipeline()
	attempts := pipe.HIncrBy(ctx, q.jobKey(jobID), "attempts", 1)
	pipe.HSet(ctx, q.jobKey(jobID), "started_at", time.Now().UnixMilli())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("mark started %s: %w", jobID, err)
	}
	return int(attempts.Val()), nil
}

// Complete acknowledges a job, stores its result and releases the next job of
// the same conversation.
func (q *RedisQueue) Complete(ctx context.Context, job models.ConversationJob, result models.JobResult) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), job.ID)
	pipe.ZRem(ctx, q.pendingKey(job.ConversationID), job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID), "status", models.StatusCompleted, "result", raw, "finished_at", time.Now().UnixMilli())
	pipe.HDel(ctx, q.jobKey(job.ID), "last_error")
	pipe.PExpire(ctx, q.jobKey(job.ID), q.completedTTL)
	pipe.Incr(ctx, q.completedKey())
	_, err = pipe.Exec(ctx)
	return err
}

// Retry releases the lease and schedules another attempt at runAt. The job
// keeps its place at the head of its conversation.
func (q *RedisQueue) Retry(ctx context.Context, job models.ConversationJob, runAt time.Time, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID), "status", models.StatusRetrying, "last_error", lastErr)
	pipe.ZAdd(ctx, q.scheduledKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: job.ID})
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetter gives up on a job and parks it in the DLQ for inspection.
func (q *RedisQueue) DeadLetter(ctx context.Context, job models.ConversationJob, lastErr string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey(), job.ID)
	pipe.ZRem(ctx, q.pendingKey(job.ConversationID), job.ID)
	pipe.HSet(ctx, q.jobKey(job.ID), "status", models.StatusDeadLetter, "last_error", lastErr, "finished_at", time.Now().UnixMilli())
	pipe.PExpire(ctx, q.jobKey(job.ID), q.failedTTL)
	pipe.RPush(ctx, q.dlqKey(), job.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// Drop discards a leased job whose body is gone.
func (q *RedisQueue) Drop(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey(), jobID).Err()
}

// RequeueExpired reclaims leases that timed out. Reclaimed jobs go back to the
// head of their tier.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	res, err := reclaimScript.Run(ctx, q.client, []string{q.inflightKey()},
		now.UnixMilli(), limit, q.jobPrefix(), q.readyPrefix()).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("requeue expired: %w", err)
	}
	return res, nil
}

// Cancel withdraws a job that has not finished. A leased job is dropped
// from the in-flight set; its worker discards the result.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	state, err := q.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch state.Status {
	case models.StatusCompleted, models.StatusDeadLetter, models.StatusCancelled:
		return fmt.Errorf("cancel %s (%s): %w", jobID, state.Status, ErrJobFinished)
	}
	pipe := q.client.TxPipeline()
	for _, p := range q.tiers {
		pipe.LRem(ctx, q.readyKey(p), 0, jobID)
	}
	pipe.ZRem(ctx, q.scheduledKey(), jobID)
	pipe.ZRem(ctx, q.inflightKey(), jobID)
	pipe.ZRem(ctx, q.pendingKey(state.Job.ConversationID), jobID)
	pipe.HSet(ctx, q.jobKey(jobID), "status", models.StatusCancelled)
	pipe.PExpire(ctx, q.jobKey(jobID), q.failedTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Pause stops dequeues across every worker. Enqueue keeps working.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.client.Set(ctx, q.pausedKey(), "1", 0).Err()
}

// Resume undoes Pause.
func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.client.Del(ctx, q.pausedKey()).Err()
}

// Drain drops every waiting and delayed job. Leased jobs are left to finish.
func (q *RedisQueue) Drain(ctx context.Context) (int, error) {
	keys := make([]string, 0, len(q.tiers)+1)
	for _, p := range q.tiers {
		keys = append(keys, q.readyKey(p))
	}
	keys = append(keys, q.scheduledKey())
	n, err := drainScript.Run(ctx, q.client, keys, q.jobPrefix(), q.pendingPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("drain: %w", err)
	}
	return n, nil
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey(), 0, count-1).Result()
}

// Metrics summarises queue occupancy.
type Metrics struct {
	Waiting   int64         `json:"waiting"`
	Active    int64         `json:"active"`
	Delayed   int64         `json:"delayed"`
	Failed    int64         `json:"failed"`
	Completed int64         `json:"completed"`
	Paused    bool          `json:"paused"`
	ByTier    map[int]int64 `json:"byTier"`
}

// HealthScore starts at 100 and subtracts penalties for dead-lettered
// jobs, waiting backlog and a paused queue.
func (m Metrics) HealthScore() int {
	score := 100
	switch {
	case m.Failed > 10:
		score -= 30
	case m.Failed > 5:
		score -= 15
	}
	switch {
	case m.Waiting > 20:
		score -= 25
	case m.Waiting > 10:
		score -= 10
	}
	if m.Paused {
		score -= 20
	}
	if score < 0 {
		score = 0
	}
	return score
}

// Metrics reads all counters in one round trip.
func (q *RedisQueue) Metrics(ctx context.Context) (Metrics, error) {
	pipe := q.client.Pipeline()
	tierCmds := make(map[int]*redis.IntCmd, len(q.tiers))
	for _, p := range q.tiers {
		tierCmds[p] = pipe.LLen(ctx, q.readyKey(p))
	}
	active := pipe.ZCard(ctx, q.inflightKey())
	delayed := pipe.ZCard(ctx, q.scheduledKey())
	failed := pipe.LLen(ctx, q.dlqKey())
	completed := pipe.Get(ctx, q.completedKey())
	paused := pipe.Exists(ctx, q.pausedKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Metrics{}, fmt.Errorf("queue metrics: %w", err)
	}

	m := Metrics{
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
		Paused:  paused.Val() == 1,
		ByTier:  make(map[int]int64, len(q.tiers)),
	}
	for p, c := range tierCmds {
		m.ByTier[p] = c.Val()
		m.Waiting += c.Val()
	}
	if n, err := completed.Int64(); err == nil {
		m.Completed = n
	}
	return m, nil
}

func decodeState(fields map[string]string) (models.JobState, error) {
	var st models.JobState
	if err := json.Unmarshal([]byte(fields["payload"]), &st.Job); err != nil {
		return models.JobState{}, fmt.Errorf("decode job payload: %w", err)
	}
	st.Status = fields["status"]
	st.Attempts, _ = strconv.Atoi(fields["attempts"])
	st.Sequence, _ = strconv.ParseInt(fields["seq"], 10, 64)
	st.LastError = fields["last_error"]
	if raw := fields["result"]; raw != "" {
		var res models.JobResult
		if err := json.Unmarshal([]byte(raw), &res); err == nil {
			st.Result = &res
		}
	}
	return st, nil
}
