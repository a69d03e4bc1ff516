package migration

import (
	"context"
	"fmt"
	"hash/fnv"
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
	"broker-dispatch/internal/store"
	"broker-dispatch/internal/telemetry"
)

// Pipeline names the path a new conversation takes.
type Pipeline string

const (
	PipelineLegacy Pipeline = "legacy"
	PipelineQueued Pipeline = "queued"
)

// Rollout modes.
const (
	ModeRandom = "random"
	ModeHash   = "hash"
)

// Decision is the routing outcome for one request.
type Decision struct {
	Pipeline   Pipeline `json:"pipeline"`
	Reason     string   `json:"reason"`
	Percentage float64  `json:"percentage"`
}

// Queued reports whether the queue pipeline was chosen.
func (d Decision) Queued() bool { return d.Pipeline == PipelineQueued }

// Options is the rollout configuration handed to the controller.
type Options struct {
	Enabled        bool
	Percentage     int
	Mode           string
	HighScoreBoost float64
	LegacyEnabled  bool
}

// OptionsFromConfig maps env config to rollout options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Enabled:        cfg.QueueEnabled,
		Percentage:     cfg.RolloutPercentage,
		Mode:           cfg.RolloutMode,
		HighScoreBoost: cfg.HighScoreRolloutBoost,
		LegacyEnabled:  cfg.LegacyFallback,
	}
}

// DecisionRecorder persists routing decisions.
type DecisionRecorder interface {
	RecordMigrationDecision(ctx context.Context, d store.MigrationDecision) error
}

// Controller routes new conversations between the legacy synchronous
// pipeline and the queue.
type Controller struct {
	opts     Options
	recorder DecisionRecorder
	events   *events.Broker
	log      zerolog.Logger

	mu   sync.Mutex
	rand func() float64
}

func New(opts Options) *Controller {
	if opts.Percentage < 0 {
		opts.Percentage = 0
	}
	if opts.Percentage > 100 {
		opts.Percentage = 100
	}
	if opts.HighScoreBoost <= 0 {
		opts.HighScoreBoost = 1.5
	}
	if opts.Mode != ModeHash {
		opts.Mode = ModeRandom
	}
	return &Controller{
		opts: opts,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())).Float64,
		log:  logging.WithComponent("migration"),
	}
}

// WithRecorder stores every logged decision. A nil recorder is ignored.
func (c *Controller) WithRecorder(r DecisionRecorder) *Controller {
	c.recorder = r
	return c
}

func (c *Controller) WithEvents(b *events.Broker) *Controller {
	c.events = b
	return c
}

// WithRand replaces the random source; fn returns values in [0,1).
func (c *Controller) WithRand(fn func() float64) *Controller {
	c.rand = fn
	return c
}

// Decide picks a pipeline. Leads scoring above the high-value cutoff get
// a boosted share of queue traffic.
func (c *Controller) Decide(conversationID int64, leadScore int) Decision {
	pct := float64(c.opts.Percentage)
	switch {
	case !c.opts.Enabled:
		return Decision{Pipeline: PipelineLegacy, Reason: "queue pipeline disabled"}
	case pct >= 100:
		return Decision{Pipeline: PipelineQueued, Reason: "full cutover", Percentage: 100}
	case pct <= 0:
		return Decision{Pipeline: PipelineLegacy, Reason: "validation mode (0% traffic)"}
	}

	effective := pct
	label := "rollout"
	if leadScore > models.HighValueLeadScore {
		effective = math.Min(pct*c.opts.HighScoreBoost, 100)
		label = "high-value rollout"
	}

	var draw float64
	if c.opts.Mode == ModeHash {
		draw = hashBucket(conversationID)
	} else {
		c.mu.Lock()
		draw = c.rand() * 100
		c.mu.Unlock()
	}

	if draw < effective {
		return Decision{
			Pipeline:   PipelineQueued,
			Reason:     fmt.Sprintf("%s %s draw %.2f < %.1f%%", label, c.opts.Mode, draw, effective),
			Percentage: effective,
		}
	}
	return Decision{
		Pipeline:   PipelineLegacy,
		Reason:     fmt.Sprintf("%s %s draw %.2f >= %.1f%%", label, c.opts.Mode, draw, effective),
		Percentage: effective,
	}
}

// ShouldUseQueue is Decide reduced to a bool.
func (c *Controller) ShouldUseQueue(conversationID int64, leadScore int) bool {
	return c.Decide(conversationID, leadScore).Queued()
}

// hashBucket maps a conversation onto [0,100) with two decimals of
// resolution so the same conversation always lands the same way.
func hashBucket(conversationID int64) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strconv.FormatInt(conversationID, 10)))
	return float64(h.Sum32()%10000) / 100
}

// LogDecision records a routing decision in the log, the metrics, the
// event bus and, when configured, Postgres. Persistence failures are
// logged only.
func (c *Controller) LogDecision(ctx context.Context, conversationID int64, leadScore int, d Decision) {
	c.log.Info().
		Int64("conversation_id", conversationID).
		Int("lead_score", leadScore).
		Str("pipeline", string(d.Pipeline)).
		Str("reason", d.Reason).
		Str("phase", c.Phase()).
		Int("rollout_pct", c.opts.Percentage).
		Msg("migration decision")
	telemetry.MigrationDecisions.WithLabelValues(string(d.Pipeline)).Inc()
	c.events.Emit(events.EventMigrationDecision, d.Reason, map[string]string{
		"conversation_id": strconv.FormatInt(conversationID, 10),
		"pipeline":        string(d.Pipeline),
		"lead_score":      strconv.Itoa(leadScore),
	})
	c.persist(ctx, store.MigrationDecision{
		ConversationID: conversationID,
		LeadScore:      leadScore,
		Pipeline:       string(d.Pipeline),
		Reason:         d.Reason,
		Percentage:     c.opts.Percentage,
		DecidedAt:      time.Now().UTC(),
	})
}

// LogFallback records that a queued request fell back to the legacy
// pipeline after the enqueue failed.
func (c *Controller) LogFallback(ctx context.Context, conversationID int64, leadScore int, cause error) {
	c.log.Warn().
		Err(cause).
		Int64("conversation_id", conversationID).
		Int("lead_score", leadScore).
		Msg("enqueue failed, falling back to legacy pipeline")
	telemetry.LegacyFallbacks.Inc()
	c.events.Emit(events.EventLegacyFallback, "enqueue failed, legacy pipeline used", map[string]string{
		"conversation_id": strconv.FormatInt(conversationID, 10),
		"error":           cause.Error(),
	})
	c.persist(ctx, store.MigrationDecision{
		ConversationID: conversationID,
		LeadScore:      leadScore,
		Pipeline:       string(PipelineLegacy),
		Reason:         "enqueue failed: " + cause.Error(),
		Percentage:     c.opts.Percentage,
		FellBack:       true,
		DecidedAt:      time.Now().UTC(),
	})
}

func (c *Controller) persist(ctx context.Context, d store.MigrationDecision) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.RecordMigrationDecision(ctx, d); err != nil {
		c.log.Warn().Err(err).Int64("conversation_id", d.ConversationID).Msg("record migration decision failed")
	}
}

// Phase names the rollout stage from the current configuration.
func (c *Controller) Phase() string {
	pct := c.opts.Percentage
	switch {
	case !c.opts.Enabled:
		return "legacy only"
	case pct == 0:
		return "validation (queue active, 0% traffic)"
	case pct < 50:
		return fmt.Sprintf("gradual rollout (%d%% queued, legacy parallel)", pct)
	case pct < 100 && c.opts.LegacyEnabled:
		return fmt.Sprintf("majority cutover (%d%% queued, legacy backup)", pct)
	case pct < 100:
		return fmt.Sprintf("majority cutover (%d%% queued)", pct)
	case c.opts.LegacyEnabled:
		return "full cutover (100% queued, legacy backup)"
	default:
		return "complete (100% queued, legacy retired)"
	}
}

// Status is the operator view of the rollout.
type Status struct {
	Enabled         bool           `json:"enabled"`
	Percentage      int            `json:"percentage"`
	Mode            string         `json:"mode"`
	LegacyEnabled   bool           `json:"legacyEnabled"`
	Phase           string         `json:"phase"`
	HealthScore     *int           `json:"healthScore,omitempty"`
	Queue           *queue.Metrics `json:"queue,omitempty"`
	Recommendations []string       `json:"recommendations"`
}

// Status reports the phase and next steps. Queue metrics are optional.
func (c *Controller) Status(qm *queue.Metrics) Status {
	st := Status{
		Enabled:         c.opts.Enabled,
		Percentage:      c.opts.Percentage,
		Mode:            c.opts.Mode,
		LegacyEnabled:   c.opts.LegacyEnabled,
		Phase:           c.Phase(),
		Queue:           qm,
		Recommendations: c.recommendations(qm),
	}
	if qm != nil {
		score := qm.HealthScore()
		st.HealthScore = &score
	}
	return st
}

func (c *Controller) recommendations(qm *queue.Metrics) []string {
	pct := c.opts.Percentage
	if !c.opts.Enabled {
		return []string{
			"Set ENABLE_BULLMQ_BROKER=true to begin migration",
			"Start with BULLMQ_ROLLOUT_PERCENTAGE=0 for validation",
		}
	}

	out := []string{}
	if pct == 0 {
		out = append(out,
			"Currently in validation mode (0% traffic)",
			"Monitor queue metrics for 24 hours",
			"Set BULLMQ_ROLLOUT_PERCENTAGE=10 to start with 10% traffic",
		)
	}
	if qm != nil {
		if qm.Failed > 10 {
			out = append(out, "High failure rate: investigate dead-lettered jobs before increasing traffic")
		}
		if qm.Waiting > 20 {
			out = append(out, fmt.Sprintf("Queue backing up (%d waiting): consider increasing WORKER_CONCURRENCY", qm.Waiting))
		}
		if pct < 100 && qm.Failed == 0 && qm.Waiting < 10 {
			if pct < 50 {
				out = append(out, "System stable: safe to increase to 50%")
			} else {
				out = append(out, "System stable: safe to increase to 100%")
			}
		}
	}
	if pct == 100 {
		if c.opts.LegacyEnabled {
			out = append(out,
				"Full cutover active, monitor for one week of stability",
				"Consider disabling the legacy fallback (ENABLE_LEGACY_FALLBACK=false) once stable",
			)
		} else {
			out = append(out, "Migration complete: queue pipeline is the sole path")
		}
	}
	return out
}
