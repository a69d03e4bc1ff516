package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"broker-dispatch/internal/config"
	"broker-dispatch/internal/events"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/ratelimit"
	"broker-dispatch/internal/store"
	"broker-dispatch/internal/telemetry"
)

// JobHandler executes one attempt of a job.
type JobHandler interface {
	Handle(ctx context.Context, job models.ConversationJob, attempt int) (models.JobResult, error)
}

// AuditLog mirrors job lifecycle into durable storage.
type AuditLog interface {
	RecordJob(ctx context.Context, r store.JobRecord) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// Processor drives one worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	limiter  *ratelimit.TokenBucket
	handler  JobHandler
	audit    AuditLog
	events   *events.Broker
	workerID string
	log      zerolog.Logger
}

// Deps are the collaborators shared by every processor in a pool. Limiter,
// Audit and Events are optional.
type Deps struct {
	Queue   *queue.RedisQueue
	Limiter *ratelimit.TokenBucket
	Handler JobHandler
	Audit   AuditLog
	Events  *events.Broker
}

// NewProcessorWithID creates a processor with a specific worker ID for tracking.
func NewProcessorWithID(cfg config.Config, deps Deps, workerID string) *Processor {
	if cfg.WorkerPollInterval <= 0 {
		cfg.WorkerPollInterval = 250 * time.Millisecond
	}
	return &Processor{
		cfg:      cfg,
		queue:    deps.Queue,
		limiter:  deps.Limiter,
		handler:  deps.Handler,
		audit:    deps.Audit,
		events:   deps.Events,
		workerID: workerID,
		log:      logging.WithComponent("worker").With().Str("worker_id", workerID).Logger(),
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := p.Step(ctx)
		if err != nil && ctx.Err() == nil {
			p.log.Error().Err(err).Msg("worker step failed")
		}
		if !processed {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// Step runs housekeeping and processes at most one job. It reports whether a
// job was handled.
func (p *Processor) Step(ctx context.Context) (bool, error) {
	now := time.Now()
	if _, err := p.queue.PromoteScheduled(ctx, now, int64(p.cfg.ScheduledBatchSize)); err != nil {
		return false, err
	}
	if reclaimed, err := p.queue.RequeueExpired(ctx, now, 100); err != nil {
		return false, err
	} else if len(reclaimed) > 0 {
		p.log.Warn().Strs("job_ids", reclaimed).Msg("reclaimed expired leases")
	}
	if m, err := p.queue.Metrics(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(m.Waiting))
		telemetry.InFlightGauge.Set(float64(m.Active))
		telemetry.DelayedGauge.Set(float64(m.Delayed))
	}

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if jobID == "" {
		return false, nil
	}

	if p.limiter != nil {
		waited, err := p.limiter.Wait(ctx, "dispatch")
		if err != nil {
			// lease expiry hands the job back
			return false, err
		}
		if waited > 0 {
			telemetry.RateLimitWaits.Inc()
		}
	}

	state, err := p.queue.Get(ctx, jobID)
	if errors.Is(err, queue.ErrJobNotFound) {
		_ = p.queue.Drop(ctx, jobID)
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if state.Status == models.StatusCancelled {
		_ = p.queue.Drop(ctx, jobID)
		return true, nil
	}

	attempts, err := p.queue.MarkStarted(ctx, jobID)
	if err != nil {
		return false, err
	}
	job := state.Job
	log := p.log.With().Str("job_id", job.ID).Int64("conversation_id", job.ConversationID).Int("attempt", attempts).Logger()
	p.record(ctx, job, models.StatusActive, attempts, "", nil)

	if lease := p.attemptBudget(); lease > p.cfg.VisibilityTimeout {
		_ = p.queue.ExtendLease(ctx, job.ID, lease)
	}

	result, err := p.handler.Handle(ctx, job, attempts)
	if err == nil {
		if err := p.queue.Complete(ctx, job, result); err != nil {
			return true, fmt.Errorf("complete %s: %w", job.ID, err)
		}
		telemetry.WorkerSuccess.WithLabelValues(result.Outcome).Inc()
		p.record(ctx, job, models.StatusCompleted, attempts, "", &result)
		p.auditEvent(ctx, job.ID, "completed", result.Outcome)
		meta := map[string]string{
			"job_id":          job.ID,
			"conversation_id": strconv.FormatInt(job.ConversationID, 10),
			"outcome":         result.Outcome,
		}
		if result.Outcome == models.OutcomeFallback {
			p.events.Emit(events.EventJobFallback, "reply replaced by fallback contact", meta)
		} else {
			p.events.Emit(events.EventJobCompleted, "job completed", meta)
		}
		log.Info().Str("outcome", result.Outcome).Msg("job completed")
		return true, nil
	}

	limit := p.cfg.MaxAttempts
	if limit <= 0 {
		limit = 3
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 || maxAttempts > limit {
		maxAttempts = limit
	}
	if attempts >= maxAttempts {
		if derr := p.queue.DeadLetter(ctx, job, err.Error()); derr != nil {
			return true, fmt.Errorf("dead letter %s: %w", job.ID, derr)
		}
		telemetry.WorkerDeadLetter.Inc()
		p.record(ctx, job, models.StatusDeadLetter, attempts, err.Error(), nil)
		p.auditEvent(ctx, job.ID, "dead_letter", err.Error())
		p.events.Emit(events.EventJobDeadLettered, err.Error(), map[string]string{
			"job_id":          job.ID,
			"conversation_id": strconv.FormatInt(job.ConversationID, 10),
		})
		log.Error().Err(err).Msg("job moved to DLQ")
		return true, nil
	}

	nextRun := time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts))
	if rerr := p.queue.Retry(ctx, job, nextRun, err.Error()); rerr != nil {
		return true, fmt.Errorf("schedule retry %s: %w", job.ID, rerr)
	}
	telemetry.WorkerFailures.Inc()
	p.record(ctx, job, models.StatusRetrying, attempts, err.Error(), nil)
	p.auditEvent(ctx, job.ID, "retry_scheduled", fmt.Sprintf("next_run=%s attempts=%d", nextRun.UTC().Format(time.RFC3339), attempts))
	log.Warn().Err(err).Time("next_run", nextRun).Msg("job failed, retry scheduled")
	return true, nil
}

// attemptBudget is the worst case for one attempt: the model call, every
// send try hitting the upstream timeout with backoff between tries, and the
// attribute update and status toggle that follow a send.
func (p *Processor) attemptBudget() time.Duration {
	calls := time.Duration(p.cfg.SendRetries + 1 + 2)
	return p.cfg.LLMTimeout + p.cfg.UpstreamTimeout*calls + p.cfg.SendBackoff*8*time.Duration(p.cfg.SendRetries) + 5*time.Second
}

func (p *Processor) record(ctx context.Context, job models.ConversationJob, status string, attempts int, lastErr string, result *models.JobResult) {
	if p.audit == nil {
		return
	}
	err := p.audit.RecordJob(ctx, store.JobRecord{
		ID:             job.ID,
		Type:           string(job.Type),
		ConversationID: job.ConversationID,
		Priority:       job.Priority,
		LeadScore:      job.ProcessedLeadData.LeadScore,
		Status:         status,
		Attempts:       attempts,
		LastError:      lastErr,
		Result:         result,
	})
	if err != nil {
		p.log.Warn().Err(err).Str("job_id", job.ID).Msg("audit row not written")
	}
}

func (p *Processor) auditEvent(ctx context.Context, jobID, event, detail string) {
	if p.audit == nil {
		return
	}
	if err := p.audit.AppendAudit(ctx, jobID, event, detail); err != nil {
		p.log.Warn().Err(err).Str("job_id", jobID).Msg("audit event not written")
	}
}

// Pool runs a fixed number of processors against one queue.
type Pool struct {
	cfg  config.Config
	deps Deps
	name string
}

func NewPool(cfg config.Config, deps Deps, name string) *Pool {
	if name == "" {
		name = "worker"
	}
	return &Pool{cfg: cfg, deps: deps, name: name}
}

// Run blocks until ctx is cancelled and every processor has returned.
func (p *Pool) Run(ctx context.Context) error {
	n := p.cfg.WorkerConcurrency
	if n <= 0 {
		n = 1
	}
	log := logging.WithComponent("worker")
	log.Info().Int("concurrency", n).Str("queue", p.cfg.QueueName).Msg("worker pool starting")

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		proc := NewProcessorWithID(p.cfg, p.deps, fmt.Sprintf("%s-%d", p.name, i+1))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = proc.Run(ctx)
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	if wait/2 <= 0 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
