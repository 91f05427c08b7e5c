// Package server exposes the app node's HTTP surface: run submission and
// cancellation, the SSE event gateway, health and metrics, and the
// cron-secret tick endpoint. main() builds a Server, calls ListenAndServe,
// done.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/supercheck-io/supercheck/internal/admission"
	"github.com/supercheck-io/supercheck/internal/apperr"
	"github.com/supercheck-io/supercheck/internal/artifacts"
	"github.com/supercheck-io/supercheck/internal/config"
	"github.com/supercheck-io/supercheck/internal/hub"
	"github.com/supercheck-io/supercheck/internal/metrics"
	"github.com/supercheck-io/supercheck/internal/store"
)

// maxBodyBytes caps request bodies on mutating endpoints. Scripts arrive
// base64-encoded and are themselves capped downstream at 1 MiB decoded.
const maxBodyBytes = 2 << 20

type serverStore interface {
	GetRun(ctx context.Context, runID string) (*store.Run, error)
	CancelQueuedRun(ctx context.Context, runID string) (bool, error)
	GetTest(ctx context.Context, testID, projectID, tenantID string) (*store.Test, error)
	GetJob(ctx context.Context, jobID, tenantID string) (*store.Job, error)
	GetReport(ctx context.Context, entityType, entityID string) (*store.Report, error)
	ResolveAPIKey(ctx context.Context, token string) (*store.Identity, error)
	Ping(ctx context.Context) error
}

type submitter interface {
	Submit(ctx context.Context, sub admission.Submission) (*admission.Decision, error)
}

type canceller interface {
	Signal(ctx context.Context, runID string) error
}

type eventHub interface {
	Subscribe(id string) <-chan hub.NormalizedEvent
	Unsubscribe(id string)
}

type urlSigner interface {
	SignedRead(ctx context.Context, entity artifacts.EntityType, key string) (string, error)
}

type rateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

type cronTicker interface {
	TickNow(ctx context.Context)
}

type queuePinger interface {
	Ping(ctx context.Context) error
}

// Server is the assembled app-node HTTP surface.
type Server struct {
	cfg      config.Config
	store    serverStore
	admitter submitter
	cancels  canceller
	hub      eventHub
	signer   urlSigner
	limiter  rateLimiter
	cron     cronTicker
	queue    queuePinger
	logger   *zap.Logger

	httpServer *http.Server
}

// Config wires a Server. Limiter, Cron and Signer are optional.
type Config struct {
	App      config.Config
	Store    serverStore
	Admitter submitter
	Cancels  canceller
	Hub      eventHub
	Signer   urlSigner
	Limiter  rateLimiter
	Cron     cronTicker
	Queue    queuePinger
	Logger   *zap.Logger
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg.App,
		store:    cfg.Store,
		admitter: cfg.Admitter,
		cancels:  cfg.Cancels,
		hub:      cfg.Hub,
		signer:   cfg.Signer,
		limiter:  cfg.Limiter,
		cron:     cfg.Cron,
		queue:    cfg.Queue,
		logger:   cfg.Logger.Named("server"),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.App.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /runs", s.handleSubmit)
	mux.HandleFunc("POST /runs/{id}/cancel", s.handleCancel)

	mux.HandleFunc("GET /events/runs/{id}", s.handleRunEvents)
	mux.HandleFunc("GET /events/tests/{id}", s.handleTestEvents)
	mux.HandleFunc("GET /events/jobs", s.handleJobEvents)

	mux.HandleFunc("POST /internal/cron/tick", s.handleCronTick)

	return mux
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// authenticate resolves the caller from the Authorization header or the
// X-API-Key header. Missing credentials are a 401, bad ones a 403.
func (s *Server) authenticate(r *http.Request) (*store.Identity, error) {
	token := r.Header.Get("X-API-Key")
	if token == "" {
		h := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			token = after
		}
	}
	if token == "" {
		return nil, apperr.New(apperr.KindUnauthenticated, "missing api key")
	}
	return s.store.ResolveAPIKey(r.Context(), token)
}

type submitRequest struct {
	ProjectID      string `json:"project_id"`
	Kind           string `json:"kind"`
	TestID         string `json:"test_id,omitempty"`
	Script         string `json:"script,omitempty"`
	Location       string `json:"location,omitempty"`
	MonitorURL     string `json:"monitor_url,omitempty"`
	MonitorKeyword string `json:"monitor_keyword,omitempty"`
	TimeoutMS      int64  `json:"timeout_ms,omitempty"`
}

type submitResponse struct {
	RunID    string `json:"run_id"`
	Status   string `json:"status"`
	Position int    `json:"position,omitempty"`
	Queue    string `json:"queue,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), identity.TenantID)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			writeError(w, apperr.New(apperr.KindRateLimit, "submission rate limit exceeded"))
			return
		}
	}

	var req submitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("body", "invalid request body"))
		return
	}

	if !identity.Allows(req.ProjectID) {
		writeError(w, apperr.New(apperr.KindAuthorization, "api key not valid for this project"))
		return
	}

	dec, err := s.admitter.Submit(r.Context(), admission.Submission{
		ProjectID:      req.ProjectID,
		TenantID:       identity.TenantID,
		TestID:         req.TestID,
		Script:         req.Script,
		TestType:       req.Kind,
		Location:       req.Location,
		Trigger:        store.TriggerAPI,
		MonitorURL:     req.MonitorURL,
		MonitorKeyword: req.MonitorKeyword,
		TimeoutMS:      req.TimeoutMS,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		RunID:    dec.Run.ID,
		Status:   dec.Run.Status,
		Position: dec.Position,
		Queue:    dec.Queue,
	})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}

	runID := r.PathValue("id")
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if run.TenantID != identity.TenantID || !identity.Allows(run.ProjectID) {
		writeError(w, apperr.New(apperr.KindAuthorization, "run belongs to another project"))
		return
	}
	if store.IsTerminal(run.Status) {
		writeError(w, apperr.Newf(apperr.KindStateConflict, "run is already %s", run.Status))
		return
	}

	if err := s.cancels.Signal(r.Context(), runID); err != nil {
		writeError(w, err)
		return
	}
	metrics.CancellationsTotal.Inc()

	// Queued runs finish right here. Running runs keep the flag: the worker
	// observes it and writes the terminal status after its child exits.
	status := run.Status
	if moved, err := s.store.CancelQueuedRun(r.Context(), runID); err != nil {
		s.logger.Warn("cancel transition failed",
			zap.String("run_id", runID),
			zap.Error(err),
		)
	} else if moved {
		status = store.StatusCancelled
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"status": status,
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	health := map[string]string{"status": "ok", "database": "ok", "queue": "ok"}

	if err := s.store.Ping(ctx); err != nil {
		health["status"] = "degraded"
		health["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if s.queue != nil {
		if err := s.queue.Ping(ctx); err != nil {
			health["status"] = "degraded"
			health["queue"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, health)
}

func (s *Server) handleCronTick(w http.ResponseWriter, r *http.Request) {
	secret := r.Header.Get("X-Cron-Secret")
	if secret == "" {
		if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			secret = after
		}
	}
	if s.cfg.CronSecret == "" ||
		subtle.ConstantTimeCompare([]byte(secret), []byte(s.cfg.CronSecret)) != 1 {
		writeError(w, apperr.New(apperr.KindAuthorization, "invalid cron secret"))
		return
	}
	if s.cron == nil {
		writeError(w, apperr.New(apperr.KindValidation, "scheduler not enabled on this node"))
		return
	}

	go s.cron.TickNow(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	body := map[string]string{"error": apperr.UserMessage(err)}
	if field := apperr.FieldOf(err); field != "" {
		body["field"] = field
	}
	writeJSON(w, apperr.HTTPStatus(err), body)
}
