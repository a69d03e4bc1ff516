package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"broker-dispatch/internal/auth"
	"broker-dispatch/internal/breaker"
	"broker-dispatch/internal/dispatch"
	"broker-dispatch/internal/handoff"
	"broker-dispatch/internal/migration"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/ratelimit"
	"broker-dispatch/internal/sla"
	"broker-dispatch/internal/store"
	"broker-dispatch/internal/timing"
)

const adminSecret = "admin-secret"

type fakeHandoff struct {
	res  handoff.Result
	err  error
	reqs []handoff.Request
}

func (f *fakeHandoff) Handoff(_ context.Context, req handoff.Request) (handoff.Result, error) {
	f.reqs = append(f.reqs, req)
	return f.res, f.err
}

type fakeAudit struct{}

func (fakeAudit) GetJob(_ context.Context, id string) (store.JobRecord, error) {
	if id != "j-archived" {
		return store.JobRecord{}, store.ErrNotFound
	}
	return store.JobRecord{ID: id, Type: string(models.JobIncomingMessage), ConversationID: 9, Status: "completed", Attempts: 1}, nil
}

func (fakeAudit) AuditTrail(_ context.Context, jobID string) ([]models.AuditLog, error) {
	return []models.AuditLog{{JobID: jobID, Event: "enqueued"}}, nil
}

func (fakeAudit) MigrationSummary(context.Context, time.Time) (map[string]int64, error) {
	return map[string]int64{"queued": 7, "legacy": 3}, nil
}

type serverFixture struct {
	client  *redis.Client
	queue   *queue.RedisQueue
	timing  *timing.Store
	handoff *fakeHandoff
	breaker *breaker.Breaker
	handler http.Handler
	token   string
}

func newServerFixture(t *testing.T, limiter bool) *serverFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.New(client, queue.Options{Name: "api-test"})
	ts := timing.NewStore(client, time.Hour)
	b := breaker.New(breaker.Config{Name: "chatwoot", Threshold: 3, Cooldown: time.Minute})
	ho := &fakeHandoff{res: handoff.Result{Success: true, ConversationID: 7001, Pipeline: migration.PipelineQueued}}

	deps := Deps{
		Queue:     q,
		Handoff:   ho,
		SLA:       sla.New(ts, q, sla.Options{}),
		Migration: migration.New(migration.Options{Enabled: true, Percentage: 25, LegacyEnabled: true}),
		Breaker:   b,
		Audit:     fakeAudit{},
	}
	if limiter {
		deps.Limiter = ratelimit.NewTokenBucket(client, 1, 0.001, time.Minute)
	}
	srv := New(deps, Options{AllowedOrigins: []string{"https://nextnest.sg"}, AdminSecret: adminSecret})

	tok, err := auth.NewJWT(adminSecret).Sign("ops", time.Hour)
	require.NoError(t, err)
	return &serverFixture{client: client, queue: q, timing: ts, handoff: ho, breaker: b, handler: srv.Router(), token: tok}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, admin bool) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func leadRequest() handoff.Request {
	return handoff.Request{Lead: models.ProcessedLeadData{Name: "Tan Wei Ming", LoanType: "refinance", LeadScore: 80}}
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, false)
	rec := f.do(t, http.MethodGet, "/healthz", nil, false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestConversationHandoffSuccess(t *testing.T) {
	f := newServerFixture(t, false)
	rec := f.do(t, http.MethodPost, "/api/conversations", leadRequest(), false)

	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, true, out["success"])
	assert.Equal(t, float64(7001), out["conversationId"])
	require.Len(t, f.handoff.reqs, 1)
	assert.Equal(t, "Tan Wei Ming", f.handoff.reqs[0].Lead.Name)
}

func TestConversationHandoffFallbackIs503(t *testing.T) {
	f := newServerFixture(t, false)
	fb := breaker.PhoneFallback("+6583341445")
	f.handoff.res = handoff.Result{Success: false, Fallback: &fb}

	rec := f.do(t, http.MethodPost, "/api/conversations", leadRequest(), false)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	out := decode(t, rec)
	fallback, ok := out["fallback"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "+6583341445", fallback["contact"])
}

func TestConversationHandoffValidationIs400(t *testing.T) {
	f := newServerFixture(t, false)
	f.handoff.err = &dispatch.ValidationError{Field: "processedLeadData.name", Reason: "is required"}

	rec := f.do(t, http.MethodPost, "/api/conversations", leadRequest(), false)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "processedLeadData.name", decode(t, rec)["field"])
}

func TestConversationHandoffRejectsBadJSON(t *testing.T) {
	f := newServerFixture(t, false)
	req := httptest.NewRequest(http.MethodPost, "/api/conversations", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.handoff.reqs)
}

func TestIngressRateLimit(t *testing.T) {
	f := newServerFixture(t, true)

	first := f.do(t, http.MethodPost, "/api/conversations", leadRequest(), false)
	assert.Equal(t, http.StatusOK, first.Code)

	second := f.do(t, http.MethodPost, "/api/conversations", leadRequest(), false)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Len(t, f.handoff.reqs, 1)
}

func TestCORSPreflight(t *testing.T) {
	f := newServerFixture(t, false)
	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "https://nextnest.sg")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://nextnest.sg", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestAdminRequiresToken(t *testing.T) {
	f := newServerFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/admin/queue", nil, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/admin/queue", nil)
	bad, err := auth.NewJWT("other").Sign("ops", time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+bad)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminQueueControls(t *testing.T) {
	f := newServerFixture(t, false)
	ctx := context.Background()
	_, err := f.queue.Add(ctx, models.ConversationJob{ID: "j1", Type: models.JobNewConversation, ConversationID: 1, Priority: models.PriorityStandardLead})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/admin/queue", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, float64(1), out["metrics"].(map[string]any)["waiting"])
	assert.Equal(t, float64(100), out["healthScore"])

	rec = f.do(t, http.MethodPost, "/api/admin/queue/pause", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	m, err := f.queue.Metrics(ctx)
	require.NoError(t, err)
	assert.True(t, m.Paused)

	rec = f.do(t, http.MethodPost, "/api/admin/queue/resume", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/queue/drain", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["removed"])
}

func TestAdminJobWithAuditTrail(t *testing.T) {
	f := newServerFixture(t, false)
	_, err := f.queue.Add(context.Background(), models.ConversationJob{ID: "j-audit", Type: models.JobNewConversation, ConversationID: 9, Priority: models.PriorityHighValueLead})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/api/admin/jobs/j-audit", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.NotNil(t, out["job"])
	assert.Len(t, out["audit"], 1)

	rec = f.do(t, http.MethodGet, "/api/admin/jobs/missing", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminJobFallsBackToDurableRecord(t *testing.T) {
	f := newServerFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/admin/jobs/j-archived", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "postgres", out["source"])
	job, ok := out["job"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "completed", job["Status"])
}

func TestAdminDLQEmpty(t *testing.T) {
	f := newServerFixture(t, false)
	rec := f.do(t, http.MethodGet, "/api/admin/dlq?limit=5", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{}, decode(t, rec)["items"])
}

func TestAdminSLAReport(t *testing.T) {
	f := newServerFixture(t, false)
	ctx := context.Background()
	start := time.Now().Add(-3 * time.Second)
	require.NoError(t, f.timing.Create(ctx, 7001, "m-1", start.UnixMilli()))
	require.NoError(t, f.timing.Mark(ctx, 7001, "m-1", timing.StageWorkerStart, start.Add(100*time.Millisecond)))
	require.NoError(t, f.timing.Mark(ctx, 7001, "m-1", timing.StageWorkerComplete, start.Add(900*time.Millisecond)))
	require.NoError(t, f.timing.Mark(ctx, 7001, "m-1", timing.StageChatwootSend, start.Add(1200*time.Millisecond)))

	rec := f.do(t, http.MethodGet, "/api/admin/sla", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode(t, rec)["stats"].(map[string]any)
	assert.Equal(t, float64(1), stats["count"])
	assert.Equal(t, float64(1200), stats["p95"])
	assert.Equal(t, float64(1), stats["complianceRate"])

	rec = f.do(t, http.MethodGet, "/api/admin/sla/alerts", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), decode(t, rec)["count"])
}

func TestAdminBreakerAndMigration(t *testing.T) {
	f := newServerFixture(t, false)

	rec := f.do(t, http.MethodGet, "/api/admin/breaker", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "chatwoot", out["name"])
	assert.Equal(t, string(breaker.StateClosed), out["state"])

	rec = f.do(t, http.MethodGet, "/api/admin/migration", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	out = decode(t, rec)
	status := out["status"].(map[string]any)
	assert.Equal(t, float64(25), status["percentage"])
	assert.Equal(t, float64(100), status["healthScore"])
	assert.Equal(t, map[string]any{"queued": float64(7), "legacy": float64(3)}, out["last24h"])
}

func TestAdminCancelJob(t *testing.T) {
	f := newServerFixture(t, false)
	_, err := f.queue.Add(context.Background(), models.ConversationJob{ID: "j-cancel", Type: models.JobIncomingMessage, ConversationID: 9, Priority: models.PriorityIncoming})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/admin/jobs/j-cancel/cancel", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	st, err := f.queue.Get(context.Background(), "j-cancel")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, st.Status)

	rec = f.do(t, http.MethodPost, "/api/admin/jobs/j-cancel/cancel", nil, true)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/admin/jobs/missing/cancel", nil, true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminBreakerReset(t *testing.T) {
	f := newServerFixture(t, false)
	for i := 0; i < 3; i++ {
		_ = f.breaker.Do(context.Background(), func(context.Context) error { return errors.New("502") })
	}
	require.Equal(t, breaker.StateOpen, f.breaker.State())

	rec := f.do(t, http.MethodPost, "/api/admin/breaker/reset", nil, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, string(breaker.StateClosed), decode(t, rec)["state"])
	assert.Equal(t, breaker.StateClosed, f.breaker.State())
}
