package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"broker-dispatch/internal/models"
)

// ErrNotFound is returned when a job row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for the dispatch audit trail.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// JobRecord is the durable row mirrored from the Redis job hash.
type JobRecord struct {
	ID             string
	Type           string
	ConversationID int64
	Priority       int
	LeadScore      int
	Status         string
	Attempts       int
	LastError      string
	Result         *models.JobResult
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RecordJob inserts the job row or updates its lifecycle columns.
func (s *Store) RecordJob(ctx context.Context, r JobRecord) error {
	var result []byte
	if r.Result != nil {
		raw, err := json.Marshal(r.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = raw
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_jobs (id, type, conversation_id, priority, lead_score, status, attempts, last_error, result, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    attempts = EXCLUDED.attempts,
		    last_error = EXCLUDED.last_error,
		    result = COALESCE(EXCLUDED.result, dispatch_jobs.result),
		    updated_at = NOW()
	`, r.ID, r.Type, r.ConversationID, r.Priority, r.LeadScore, r.Status, r.Attempts, emptyToNil(r.LastError), result)
	if err != nil {
		return fmt.Errorf("record job %s: %w", r.ID, err)
	}
	return nil
}

// GetJob fetches a job row by id.
func (s *Store) GetJob(ctx context.Context, id string) (JobRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, conversation_id, priority, lead_score, status, attempts, last_error, result, created_at, updated_at
		FROM dispatch_jobs WHERE id = $1
	`, id)

	var r JobRecord
	var lastErr pgtype.Text
	var result []byte
	if err := row.Scan(&r.ID, &r.Type, &r.ConversationID, &r.Priority, &r.LeadScore, &r.Status, &r.Attempts, &lastErr, &result, &r.CreatedAt, &r.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JobRecord{}, ErrNotFound
		}
		return JobRecord{}, fmt.Errorf("scan job: %w", err)
	}
	if lastErr.Valid {
		r.LastError = lastErr.String
	}
	if len(result) > 0 {
		var res models.JobResult
		if err := json.Unmarshal(result, &res); err != nil {
			return JobRecord{}, fmt.Errorf("unmarshal result: %w", err)
		}
		r.Result = &res
	}
	return r, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// AuditTrail lists a job's audit rows oldest first.
func (s *Store) AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM job_audit_logs WHERE job_id = $1 ORDER BY ts, id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit trail: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MigrationDecision is one routing decision of the rollout controller.
type MigrationDecision struct {
	ConversationID int64
	LeadScore      int
	Pipeline       string
	Reason         string
	Percentage     int
	FellBack       bool
	DecidedAt      time.Time
}

// RecordMigrationDecision appends a decision row.
func (s *Store) RecordMigrationDecision(ctx context.Context, d MigrationDecision) error {
	if d.DecidedAt.IsZero() {
		d.DecidedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO migration_decisions (conversation_id, lead_score, pipeline, reason, rollout_percentage, fell_back, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, d.ConversationID, d.LeadScore, d.Pipeline, d.Reason, d.Percentage, d.FellBack, d.DecidedAt)
	if err != nil {
		return fmt.Errorf("record migration decision: %w", err)
	}
	return nil
}

// MigrationSummary counts decisions per pipeline since the given time.
func (s *Store) MigrationSummary(ctx context.Context, since time.Time) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT pipeline, COUNT(*) FROM migration_decisions WHERE decided_at >= $1 GROUP BY pipeline
	`, since)
	if err != nil {
		return nil, fmt.Errorf("query migration summary: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var pipeline string
		var n int64
		if err := rows.Scan(&pipeline, &n); err != nil {
			return nil, fmt.Errorf("scan migration summary: %w", err)
		}
		out[pipeline] = n
	}
	return out, rows.Err()
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
