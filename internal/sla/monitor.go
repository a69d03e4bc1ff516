package sla

import (
	"context"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/rs/zerolog"

	"broker-dispatch/internal/archive"
	"broker-dispatch/internal/events"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/telemetry"
	"broker-dispatch/internal/timing"
)

// TimingSource is the read side of the timing store.
type TimingSource interface {
	Recent(ctx context.Context, q timing.Query) ([]models.TimingRecord, error)
}

// QueueInspector reports queue occupancy for health alerts.
type QueueInspector interface {
	Metrics(ctx context.Context) (queue.Metrics, error)
}

// Notifier pages on alerts.
type Notifier interface {
	Notify(ctx context.Context, alerts []models.Alert) error
}

// Options tunes sampling and thresholds.
type Options struct {
	Threshold        time.Duration
	TargetCompliance float64
	Window           time.Duration
	Limit            int
}

// Monitor derives latency statistics from recent timing records. It only
// reads; workers own the records.
type Monitor struct {
	timing   TimingSource
	queue    QueueInspector
	events   *events.Broker
	notifier Notifier
	archive  *archive.Archiver
	opts     Options
	now      func() time.Time
	log      zerolog.Logger
}

// New builds a monitor. queue, broker, notifier and archiver may be nil.
func New(src TimingSource, q QueueInspector, opts Options) *Monitor {
	if opts.Threshold <= 0 {
		opts.Threshold = 5 * time.Second
	}
	if opts.TargetCompliance <= 0 || opts.TargetCompliance > 1 {
		opts.TargetCompliance = 0.95
	}
	if opts.Window <= 0 {
		opts.Window = time.Hour
	}
	if opts.Limit <= 0 {
		opts.Limit = 500
	}
	return &Monitor{
		timing: src,
		queue:  q,
		opts:   opts,
		now:    time.Now,
		log:    logging.WithComponent("sla"),
	}
}

// WithEvents publishes alerts on the bus.
func (m *Monitor) WithEvents(b *events.Broker) *Monitor {
	m.events = b
	return m
}

// WithNotifier pages critical alerts.
func (m *Monitor) WithNotifier(n Notifier) *Monitor {
	m.notifier = n
	return m
}

// WithArchive snapshots each periodic report.
func (m *Monitor) WithArchive(a *archive.Archiver) *Monitor {
	m.archive = a
	return m
}

// Stats summarises end-to-end latency in milliseconds.
type Stats struct {
	Count          int     `json:"count"`
	Mean           float64 `json:"mean"`
	Median         float64 `json:"median"`
	Min            float64 `json:"min"`
	Max            float64 `json:"max"`
	P50            float64 `json:"p50"`
	P95            float64 `json:"p95"`
	P99            float64 `json:"p99"`
	ComplianceRate float64 `json:"complianceRate"`
	ThresholdMs    int64   `json:"thresholdMs"`
}

// Compute derives stats from total durations. Percentiles use the nearest
// rank method; compliance counts samples strictly under the threshold.
func Compute(durations []int64, threshold time.Duration) Stats {
	s := Stats{ThresholdMs: threshold.Milliseconds()}
	if len(durations) == 0 {
		return s
	}
	data := make(stats.Float64Data, len(durations))
	under := 0
	for i, d := range durations {
		data[i] = float64(d)
		if d < s.ThresholdMs {
			under++
		}
	}
	s.Count = len(durations)
	s.Mean, _ = stats.Mean(data)
	s.Median, _ = stats.Median(data)
	s.Min, _ = stats.Min(data)
	s.Max, _ = stats.Max(data)
	s.P50, _ = stats.PercentileNearestRank(data, 50)
	s.P95, _ = stats.PercentileNearestRank(data, 95)
	s.P99, _ = stats.PercentileNearestRank(data, 99)
	s.ComplianceRate = float64(under) / float64(s.Count)
	return s
}

func (m *Monitor) sample(ctx context.Context, conversationID int64) ([]models.TimingRecord, error) {
	recs, err := m.timing.Recent(ctx, timing.Query{
		Window:         m.opts.Window,
		Limit:          m.opts.Limit,
		ConversationID: conversationID,
	})
	if err != nil {
		return nil, fmt.Errorf("sample timing records: %w", err)
	}
	return recs, nil
}

func totals(recs []models.TimingRecord) []int64 {
	out := make([]int64, 0, len(recs))
	for _, r := range recs {
		if d, ok := r.Total(); ok {
			out = append(out, d)
		}
	}
	return out
}

// GetStats computes stats over the sample window. A zero conversationID
// covers every conversation.
func (m *Monitor) GetStats(ctx context.Context, conversationID int64) (Stats, error) {
	recs, err := m.sample(ctx, conversationID)
	if err != nil {
		return Stats{}, err
	}
	return Compute(totals(recs), m.opts.Threshold), nil
}

// Distribution counts samples per latency band. Bands are cumulative.
type Distribution struct {
	Under1s int `json:"under1s"`
	Under2s int `json:"under2s"`
	Under5s int `json:"under5s"`
	Over5s  int `json:"over5s"`
	Over10s int `json:"over10s"`
	Over30s int `json:"over30s"`
}

// Phases holds average phase durations in milliseconds.
type Phases struct {
	QueueToWorker    float64 `json:"queueToWorker"`
	WorkerProcessing float64 `json:"workerProcessing"`
	WorkerToSend     float64 `json:"workerToSend"`
	Samples          int     `json:"samples"`
	Bottleneck       string  `json:"bottleneck,omitempty"`
}

// Sample is one message's breakdown.
type Sample struct {
	ConversationID   int64  `json:"conversationId"`
	MessageID        string `json:"messageId"`
	TotalMs          int64  `json:"totalMs"`
	QueueToWorker    int64  `json:"queueToWorkerMs,omitempty"`
	WorkerProcessing int64  `json:"workerProcessingMs,omitempty"`
	WorkerToSend     int64  `json:"workerToSendMs,omitempty"`
	Compliant        bool   `json:"compliant"`
}

// Report is the dashboard view of recent delivery latency.
type Report struct {
	GeneratedAt   time.Time      `json:"generatedAt"`
	Window        string         `json:"window"`
	Stats         Stats          `json:"stats"`
	Distribution  Distribution   `json:"distribution"`
	Phases        Phases         `json:"phases"`
	RecentSamples []Sample       `json:"recentSamples"`
	Queue         *queue.Metrics `json:"queue,omitempty"`
}

const recentSampleCount = 10

// Report builds stats, latency bands, phase averages and the newest samples.
func (m *Monitor) Report(ctx context.Context, conversationID int64) (Report, error) {
	recs, err := m.sample(ctx, conversationID)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		GeneratedAt:   m.now().UTC(),
		Window:        m.opts.Window.String(),
		Stats:         Compute(totals(recs), m.opts.Threshold),
		RecentSamples: []Sample{},
	}

	var q2w, proc, send int64
	for _, r := range recs {
		total, ok := r.Total()
		if !ok {
			continue
		}
		if total < 1000 {
			rep.Distribution.Under1s++
		}
		if total < 2000 {
			rep.Distribution.Under2s++
		}
		if total < 5000 {
			rep.Distribution.Under5s++
		} else {
			rep.Distribution.Over5s++
		}
		if total >= 10000 {
			rep.Distribution.Over10s++
		}
		if total >= 30000 {
			rep.Distribution.Over30s++
		}

		s := Sample{
			ConversationID: r.ConversationID,
			MessageID:      r.MessageID,
			TotalMs:        total,
			Compliant:      total < m.opts.Threshold.Milliseconds(),
		}
		if r.WorkerStartTimestamp > 0 && r.WorkerCompleteTimestamp > 0 {
			s.QueueToWorker = r.WorkerStartTimestamp - r.QueueAddTimestamp
			s.WorkerProcessing = r.WorkerCompleteTimestamp - r.WorkerStartTimestamp
			s.WorkerToSend = r.ChatwootSendTimestamp - r.WorkerCompleteTimestamp
			q2w += s.QueueToWorker
			proc += s.WorkerProcessing
			send += s.WorkerToSend
			rep.Phases.Samples++
		}
		if len(rep.RecentSamples) < recentSampleCount {
			rep.RecentSamples = append(rep.RecentSamples, s)
		}
	}

	if n := float64(rep.Phases.Samples); n > 0 {
		rep.Phases.QueueToWorker = float64(q2w) / n
		rep.Phases.WorkerProcessing = float64(proc) / n
		rep.Phases.WorkerToSend = float64(send) / n
		rep.Phases.Bottleneck = bottleneck(rep.Phases)
	}

	if m.queue != nil {
		qm, err := m.queue.Metrics(ctx)
		if err != nil {
			m.log.Warn().Err(err).Msg("queue metrics unavailable for report")
		} else {
			rep.Queue = &qm
		}
	}
	return rep, nil
}

func bottleneck(p Phases) string {
	name, worst := "queue_to_worker", p.QueueToWorker
	if p.WorkerProcessing > worst {
		name, worst = "worker_processing", p.WorkerProcessing
	}
	if p.WorkerToSend > worst {
		name = "worker_to_send"
	}
	return name
}

// CheckSLACompliance returns latency alerts for the sample window plus
// queue health alerts when a queue is attached. An empty window is healthy.
func (m *Monitor) CheckSLACompliance(ctx context.Context) ([]models.Alert, error) {
	st, err := m.GetStats(ctx, 0)
	if err != nil {
		return nil, err
	}
	now := m.now()
	threshold := float64(st.ThresholdMs)
	var alerts []models.Alert

	if st.Count > 0 {
		if st.ComplianceRate < m.opts.TargetCompliance {
			alerts = append(alerts, models.Alert{
				Severity:  models.SeverityCritical,
				Category:  models.CategorySLA,
				Message:   fmt.Sprintf("SLA compliance %.1f%% below target %.1f%%", st.ComplianceRate*100, m.opts.TargetCompliance*100),
				Details:   fmt.Sprintf("%d samples in the last %s", st.Count, m.opts.Window),
				Metric:    "compliance_rate",
				Value:     st.ComplianceRate,
				Threshold: m.opts.TargetCompliance,
				Timestamp: now,
			})
		}
		if st.P95 > threshold {
			alerts = append(alerts, models.Alert{
				Severity:  models.SeverityCritical,
				Category:  models.CategorySLA,
				Message:   fmt.Sprintf("P95 latency %.0fms exceeds %dms", st.P95, st.ThresholdMs),
				Metric:    "p95_latency_ms",
				Value:     st.P95,
				Threshold: threshold,
				Timestamp: now,
			})
		}
		if st.P99 > threshold {
			alerts = append(alerts, models.Alert{
				Severity:  models.SeverityWarning,
				Category:  models.CategorySLA,
				Message:   fmt.Sprintf("P99 latency %.0fms exceeds %dms", st.P99, st.ThresholdMs),
				Metric:    "p99_latency_ms",
				Value:     st.P99,
				Threshold: threshold,
				Timestamp: now,
			})
		}
	}

	if m.queue != nil {
		qm, err := m.queue.Metrics(ctx)
		if err != nil {
			alerts = append(alerts, models.Alert{
				Severity:  models.SeverityCritical,
				Category:  models.CategorySystem,
				Message:   "Queue metrics unavailable",
				Details:   err.Error(),
				Metric:    "queue_reachable",
				Timestamp: now,
			})
		} else {
			alerts = append(alerts, QueueAlerts(qm, now)...)
		}
	}

	for _, a := range alerts {
		m.log.Warn().
			Str("severity", a.Severity).
			Str("category", a.Category).
			Str("metric", a.Metric).
			Float64("value", a.Value).
			Float64("threshold", a.Threshold).
			Msg(a.Message)
	}
	return alerts, nil
}

// Queue health limits.
const (
	maxFailedJobs  = 10
	maxWaitingJobs = 50
	maxActiveJobs  = 20
	minHealthScore = 70
)

// QueueAlerts turns queue metrics into health alerts.
func QueueAlerts(qm queue.Metrics, now time.Time) []models.Alert {
	var alerts []models.Alert
	add := func(sev, metric, msg string, value, threshold float64) {
		alerts = append(alerts, models.Alert{
			Severity:  sev,
			Category:  models.CategoryQueue,
			Message:   msg,
			Metric:    metric,
			Value:     value,
			Threshold: threshold,
			Timestamp: now,
		})
	}

	switch {
	case qm.Failed > maxFailedJobs:
		add(models.SeverityCritical, "failed_jobs", fmt.Sprintf("High failure count: %d dead-lettered jobs", qm.Failed), float64(qm.Failed), maxFailedJobs)
	case qm.Failed > maxFailedJobs/2:
		add(models.SeverityWarning, "failed_jobs", fmt.Sprintf("%d dead-lettered jobs approaching threshold", qm.Failed), float64(qm.Failed), maxFailedJobs)
	}
	switch {
	case qm.Waiting > maxWaitingJobs:
		add(models.SeverityCritical, "waiting_jobs", fmt.Sprintf("Queue backlog: %d jobs waiting", qm.Waiting), float64(qm.Waiting), maxWaitingJobs)
	case qm.Waiting > maxWaitingJobs/2:
		add(models.SeverityWarning, "waiting_jobs", fmt.Sprintf("%d jobs waiting, backlog building", qm.Waiting), float64(qm.Waiting), maxWaitingJobs)
	}
	if qm.Active > maxActiveJobs {
		add(models.SeverityWarning, "active_jobs", fmt.Sprintf("High concurrency: %d active jobs", qm.Active), float64(qm.Active), maxActiveJobs)
	}
	if score := qm.HealthScore(); score < minHealthScore {
		sev := models.SeverityWarning
		if score < 50 {
			sev = models.SeverityCritical
		}
		add(sev, "health_score", fmt.Sprintf("Queue health score %d", score), float64(score), minHealthScore)
	}
	return alerts
}

// Tick runs one periodic check: gauges, alert fan-out and an archived
// snapshot. Side-channel failures are logged only.
func (m *Monitor) Tick(ctx context.Context) ([]models.Alert, error) {
	rep, err := m.Report(ctx, 0)
	if err != nil {
		return nil, err
	}
	if rep.Stats.Count > 0 {
		telemetry.SLACompliance.Set(rep.Stats.ComplianceRate)
		telemetry.SLAP95.Set(rep.Stats.P95)
	}

	alerts, err := m.CheckSLACompliance(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		m.events.Emit(events.EventSLAAlert, a.Message, map[string]string{
			"severity": a.Severity,
			"category": a.Category,
			"metric":   a.Metric,
			"value":    fmt.Sprintf("%.2f", a.Value),
		})
	}
	if m.notifier != nil {
		if err := m.notifier.Notify(ctx, alerts); err != nil {
			m.log.Error().Err(err).Msg("alert notification failed")
		}
	}
	if m.archive != nil {
		snapshot := struct {
			Report Report         `json:"report"`
			Alerts []models.Alert `json:"alerts"`
		}{rep, alerts}
		if loc, err := m.archive.Save(ctx, "sla", snapshot); err != nil {
			m.log.Error().Err(err).Msg("archive sla snapshot failed")
		} else {
			m.log.Debug().Str("location", loc).Msg("sla snapshot archived")
		}
	}
	return alerts, nil
}

// Run checks on every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.log.Info().Dur("interval", interval).Msg("sla monitor started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Tick(ctx); err != nil {
				m.log.Error().Err(err).Msg("sla check failed")
			}
		}
	}
}
