package breaker

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/models"
)

// ErrOpen is returned without invoking the wrapped call while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

var errPanicked = errors.New("guarded call panicked")

// State of the circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config tunes a breaker.
type Config struct {
	Name          string
	Threshold     int
	Cooldown      time.Duration
	MaxCooldown   time.Duration
	BackoffFactor float64
	CallTimeout   time.Duration
	OnStateChange func(name string, from, to State)
}

// Stats is a point-in-time view for observability.
type Stats struct {
	Name                 string     `json:"name"`
	State                State      `json:"state"`
	ConsecutiveFailures  int        `json:"consecutiveFailures"`
	LastFailureTimestamp *time.Time `json:"lastFailureTimestamp,omitempty"`
	CooldownUntil        *time.Time `json:"cooldownUntil,omitempty"`
	Trips                int        `json:"trips"`
	TotalRejected        int64      `json:"totalRejected"`
}

// Breaker guards calls to one upstream dependency. It is safe for concurrent
// use and is meant to be shared by every caller of that dependency.
type Breaker struct {
	mu sync.Mutex

	cfg   Config
	state State

	consecutiveFailures int
	lastFailure         time.Time
	cooldownUntil       time.Time
	trips               int
	trialInFlight       bool
	rejected            int64

	now func() time.Time
	log zerolog.Logger
}

// New builds a closed breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.MaxCooldown < cfg.Cooldown {
		cfg.MaxCooldown = cfg.Cooldown
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1
	}
	if cfg.Name == "" {
		cfg.Name = "upstream"
	}
	return &Breaker{
		cfg:   cfg,
		state: StateClosed,
		now:   time.Now,
		log:   logging.WithComponent("breaker").With().Str("breaker", cfg.Name).Logger(),
	}
}

// WithClock swaps the time source. Intended for tests.
func (b *Breaker) WithClock(now func() time.Time) *Breaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	return b
}

// Do runs fn through the breaker. While open it fails fast with ErrOpen.
// Each call gets the configured per-call timeout.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.acquire()
	if err != nil {
		return err
	}

	callCtx := ctx
	if b.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.cfg.CallTimeout)
		defer cancel()
	}

	// A panic counts as a failure and frees the half-open trial slot.
	defer func() {
		if r := recover(); r != nil {
			b.record(errPanicked, trial)
			panic(r)
		}
	}()

	err = fn(callCtx)
	if err != nil && ctx.Err() != nil {
		// The caller gave up; that says nothing about upstream health.
		b.release(trial)
		return err
	}
	b.record(err, trial)
	return err
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (b *Breaker) acquire() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Before(b.cooldownUntil) {
			b.rejected++
			return false, ErrOpen
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return true, nil
	default:
		if b.trialInFlight {
			b.rejected++
			return false, ErrOpen
		}
		b.trialInFlight = true
		return true, nil
	}
}

func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) record(err error, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
	}

	if err == nil {
		b.consecutiveFailures = 0
		if trial {
			b.trips = 0
			b.cooldownUntil = time.Time{}
			b.transition(StateClosed)
		}
		return
	}

	b.consecutiveFailures++
	b.lastFailure = b.now()

	switch {
	case trial:
		b.trip()
	case b.state == StateClosed && b.consecutiveFailures >= b.cfg.Threshold:
		b.trip()
	}
}

// trip opens the circuit. Caller holds the lock.
func (b *Breaker) trip() {
	b.trips++
	cooldown := b.cooldownFor(b.trips)
	b.cooldownUntil = b.now().Add(cooldown)
	b.transition(StateOpen)
	b.log.Warn().
		Int("consecutive_failures", b.consecutiveFailures).
		Int("trips", b.trips).
		Dur("cooldown", cooldown).
		Msg("circuit opened")
}

// cooldownFor grows geometrically with consecutive trips and never shrinks
// until the circuit closes again.
func (b *Breaker) cooldownFor(trips int) time.Duration {
	if trips <= 1 {
		return b.cfg.Cooldown
	}
	d := float64(b.cfg.Cooldown) * math.Pow(b.cfg.BackoffFactor, float64(trips-1))
	if d > float64(b.cfg.MaxCooldown) || math.IsInf(d, 1) {
		return b.cfg.MaxCooldown
	}
	return time.Duration(d)
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.log.Info().Str("from", string(from)).Str("to", string(to)).Msg("circuit state change")
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State reports the current state, promoting open to half-open for display
// once the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.cooldownUntil) {
		return StateHalfOpen
	}
	return b.state
}

// Stats returns counters for dashboards.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := Stats{
		Name:                b.cfg.Name,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		Trips:               b.trips,
		TotalRejected:       b.rejected,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		st.LastFailureTimestamp = &t
	}
	if !b.cooldownUntil.IsZero() {
		t := b.cooldownUntil
		st.CooldownUntil = &t
	}
	return st
}

// Reset closes the circuit and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	b.trips = 0
	b.trialInFlight = false
	b.cooldownUntil = time.Time{}
	b.transition(StateClosed)
}

// DefaultFallbackMessage is shown to the end user alongside the contact method.
const DefaultFallbackMessage = "Our chat system is temporarily unavailable. Please call us directly for immediate assistance."

// PhoneFallback builds the static fallback substituted when the circuit is open.
func PhoneFallback(phone string) models.Fallback {
	return models.Fallback{
		Type:    models.FallbackPhone,
		Contact: phone,
		Message: DefaultFallbackMessage,
	}
}
