package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"broker-dispatch/internal/auth"
	"broker-dispatch/internal/breaker"
	"broker-dispatch/internal/dispatch"
	"broker-dispatch/internal/handoff"
	"broker-dispatch/internal/logging"
	"broker-dispatch/internal/migration"
	"broker-dispatch/internal/models"
	"broker-dispatch/internal/queue"
	"broker-dispatch/internal/ratelimit"
	"broker-dispatch/internal/sla"
	"broker-dispatch/internal/store"
	"broker-dispatch/internal/telemetry"
)

// Handoffer moves a completed form into chat.
type Handoffer interface {
	Handoff(ctx context.Context, req handoff.Request) (handoff.Result, error)
}

// AuditReader serves durable job history and rollout counts.
type AuditReader interface {
	GetJob(ctx context.Context, id string) (store.JobRecord, error)
	AuditTrail(ctx context.Context, jobID string) ([]models.AuditLog, error)
	MigrationSummary(ctx context.Context, since time.Time) (map[string]int64, error)
}

// Deps are the collaborators behind the HTTP surface. Audit, Limiter and
// Webhook are optional.
type Deps struct {
	Queue     *queue.RedisQueue
	Handoff   Handoffer
	Webhook   http.Handler
	SLA       *sla.Monitor
	Migration *migration.Controller
	Breaker   *breaker.Breaker
	Audit     AuditReader
	Limiter   *ratelimit.TokenBucket
}

// Options configures cross-cutting HTTP behaviour.
type Options struct {
	AllowedOrigins []string
	AdminSecret    string
}

// Server wires HTTP handlers for the form handoff, the chat webhook and the
// admin surface.
type Server struct {
	deps Deps
	opts Options
	jwt  *auth.JWT
	log  zerolog.Logger
}

func New(deps Deps, opts Options) *Server {
	return &Server{
		deps: deps,
		opts: opts,
		jwt:  auth.NewJWT(opts.AdminSecret),
		log:  logging.WithComponent("api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(s.opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.opts.AllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Retry-After", "X-Request-ID"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(s.ingressLimit).Post("/conversations", s.handleConversation)
		if s.deps.Webhook != nil {
			r.Post("/webhooks/chatwoot", s.deps.Webhook.ServeHTTP)
		}

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Get("/sla", s.handleSLAReport)
			r.Get("/sla/alerts", s.handleSLAAlerts)
			r.Get("/queue", s.handleQueueMetrics)
			r.Post("/queue/pause", s.handlePause)
			r.Post("/queue/resume", s.handleResume)
			r.Post("/queue/drain", s.handleDrain)
			r.Get("/dlq", s.handleDLQ)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)
			r.Get("/breaker", s.handleBreaker)
			r.Post("/breaker/reset", s.handleBreakerReset)
			r.Get("/migration", s.handleMigration)
		})
	})
	return r
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	var req handoff.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	res, err := s.deps.Handoff.Handoff(r.Context(), req)
	if err != nil {
		var verr *dispatch.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
			return
		}
		s.log.Error().Err(err).Msg("handoff failed")
		writeError(w, http.StatusInternalServerError, "handoff failed")
		return
	}
	if !res.Success {
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ingressLimit applies a per-client token bucket to form submissions.
func (s *Server) ingressLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		d, err := s.deps.Limiter.Allow(r.Context(), "rl:ingress:"+clientIP(r))
		if err != nil {
			// Fail open: losing Redis must not block lead capture.
			s.log.Warn().Err(err).Msg("ingress limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if !d.Allowed {
			telemetry.IngressRejects.Inc()
			secs := int(d.RetryAfter.Seconds() + 0.999)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeError(w, http.StatusTooManyRequests, "rate limited")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := r.Header.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		sub, err := s.jwt.Verify(strings.TrimPrefix(h, "Bearer "))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		s.log.Debug().Str("subject", sub).Str("path", r.URL.Path).Msg("admin request")
		next.ServeHTTP(w, r)
	})
}

func conversationParam(r *http.Request) int64 {
	v, _ := strconv.ParseInt(r.URL.Query().Get("conversationId"), 10, 64)
	return v
}

func (s *Server) handleSLAReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.SLA.Report(r.Context(), conversationParam(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleSLAAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.SLA.CheckSLACompliance(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleQueueMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Queue.Metrics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": m, "healthScore": m.HealthScore()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Pause(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to pause queue")
		return
	}
	s.log.Warn().Msg("queue paused via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Resume(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resume queue")
		return
	}
	s.log.Info().Msg("queue resumed via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Queue.Drain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to drain queue")
		return
	}
	s.log.Warn().Int("removed", n).Msg("queue drained via admin API")
	writeJSON(w, http.StatusOK, map[string]any{"status": "drained", "removed": n})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && v > 0 {
		limit = v
	}
	items, err := s.deps.Queue.DLQPeek(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out := map[string]any{}
	state, err := s.deps.Queue.Get(r.Context(), id)
	switch {
	case err == nil:
		out["job"] = state
	case errors.Is(err, queue.ErrJobNotFound):
		// Expired from Redis; the durable row may still exist.
		if s.deps.Audit == nil {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		rec, err := s.deps.Audit.GetJob(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out["job"] = rec
		out["source"] = "postgres"
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if s.deps.Audit != nil {
		trail, err := s.deps.Audit.AuditTrail(r.Context(), id)
		if err != nil {
			s.log.Warn().Err(err).Str("job_id", id).Msg("audit trail unavailable")
		} else {
			out["audit"] = trail
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleBreaker(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Breaker.Stats())
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, _ *http.Request) {
	s.deps.Breaker.Reset()
	s.log.Warn().Msg("circuit reset via admin API")
	writeJSON(w, http.StatusOK, s.deps.Breaker.Stats())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.deps.Queue.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
		return
	case errors.Is(err, queue.ErrJobFinished):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	s.log.Warn().Str("job_id", id).Msg("job cancelled via admin API")
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusCancelled, "id": id})
}

func (s *Server) handleMigration(w http.ResponseWriter, r *http.Request) {
	var qm *queue.Metrics
	if m, err := s.deps.Queue.Metrics(r.Context()); err == nil {
		qm = &m
	} else {
		s.log.Warn().Err(err).Msg("queue metrics unavailable for migration status")
	}
	out := map[string]any{"status": s.deps.Migration.Status(qm)}
	if s.deps.Audit != nil {
		if summary, err := s.deps.Audit.MigrationSummary(r.Context(), time.Now().Add(-24*time.Hour)); err == nil {
			out["last24h"] = summary
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
