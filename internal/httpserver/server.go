package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/funnel-report/internal/config"
	"github.com/radiusdt/funnel-report/internal/jobs"
	"github.com/radiusdt/funnel-report/internal/metrics"
	"github.com/radiusdt/funnel-report/internal/middleware"
	"github.com/radiusdt/funnel-report/internal/models"
	"github.com/radiusdt/funnel-report/internal/observability"
	"github.com/radiusdt/funnel-report/internal/pacing"
	"github.com/radiusdt/funnel-report/internal/period"
	"github.com/radiusdt/funnel-report/internal/report"
	"github.com/radiusdt/funnel-report/internal/storage"
)

// HealthChecker is a backing service probed by /health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all external dependencies for the server.
type Dependencies struct {
	Config    *config.Config
	Clients   storage.ClientRepo
	Summaries storage.SummaryRepo
	Report    *jobs.ReportJob
	Refresh   *jobs.CacheRefreshJob
	Budget    pacing.Budget
	// Checks maps a service name ("postgres", "redis") to its probe.
	Checks   map[string]HealthChecker
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Reporter observability.Reporter
}

// Server serves totals and cache control over HTTP.
type Server struct {
	deps      Dependencies
	logger    *zap.Logger
	metrics   *metrics.Metrics
	rateLimit *middleware.RateLimitMiddleware
	handler   http.Handler
}

// NewServer registers all routes and wraps them in the middleware chain:
// Recovery -> Logging -> RateLimit -> Auth -> Handler.
func NewServer(deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Reporter == nil {
		deps.Reporter = observability.Nop{}
	}
	s := &Server{deps: deps, logger: deps.Logger, metrics: deps.Metrics}

	mux := http.NewServeMux()
	s.handle(mux, "GET /health", "health", s.handleHealth)
	if deps.Metrics != nil {
		path := deps.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, deps.Metrics.Handler())
	}
	s.handle(mux, "GET /v1/clients", "clients", s.handleClients)
	s.handle(mux, "GET /v1/clients/{id}/totals", "totals", s.handleTotals)
	s.handle(mux, "GET /v1/clients/{id}/summaries", "summaries", s.handleSummaries)
	s.handle(mux, "POST /v1/clients/{id}/refresh", "refresh", s.handleRefresh)
	s.handle(mux, "GET /v1/pacing", "pacing", s.handlePacingStats)

	s.rateLimit = middleware.NewRateLimitMiddleware(deps.Config.RateLimit, deps.Logger, deps.Metrics)
	s.handler = middleware.NewRecoveryMiddleware(deps.Logger, deps.Reporter).Handler(
		middleware.NewLoggingMiddleware(deps.Logger).Handler(
			s.rateLimit.Handler(
				middleware.NewAuthMiddleware(deps.Config.Auth, deps.Logger).Handler(mux),
			),
		),
	)
	return s
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves on the configured address until ctx is done, then shuts down
// gracefully within Server.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.deps.Config.Server
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       5 * time.Second,
		// Totals for a cold cache wait on the ads platform.
		WriteTimeout:   2 * time.Minute,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.rateLimit.CleanupIPLimiters(time.Hour)
			case <-ctx.Done():
				return
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info("server stopped")
	return nil
}

// handle registers h and records its status code under route.
func (s *Server) handle(mux *http.ServeMux, pattern, route string, h http.HandlerFunc) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		s.metrics.RecordHTTPRequest(route, strconv.Itoa(sw.status))
	}))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ---- Health Check ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := map[string]string{"status": "ok"}
	code := http.StatusOK
	for name, c := range s.deps.Checks {
		if err := c.Health(ctx); err != nil {
			s.logger.Warn("health check failed", zap.String("service", name), zap.Error(err))
			status[name] = err.Error()
			status["status"] = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		status[name] = "ok"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

// ---- Clients ----

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Clients.ListActive(r.Context())
	if err != nil {
		s.internalError(w, "failed to list clients", err)
		return
	}
	s.jsonResponse(w, list)
}

// ---- Totals ----

// handleTotals answers GET /v1/clients/{id}/totals?platform=meta&period=current-week.
// In-progress periods are served through the smart cache.
func (s *Server) handleTotals(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.selection(w, r)
	if !ok {
		return
	}
	spec := jobs.PeriodSpec{Expr: r.URL.Query().Get("period")}

	reps, res, err := s.deps.Report.Run(r.Context(), sel, spec)
	if err != nil {
		s.jobError(w, err)
		return
	}
	if res.AllFailed() {
		s.errorResponse(w, res.Errors[0].Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := (report.JSONEmitter{}).Emit(w, reps...); err != nil {
		s.logger.Error("failed to write totals", zap.Error(err))
	}
}

// ---- Summaries ----

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.SummaryFilter{
		ClientID: r.PathValue("id"),
		Platform: models.Platform(q.Get("platform")),
		Kind:     models.PeriodKind(q.Get("kind")),
	}
	if f.Platform != "" && !f.Platform.Valid() {
		s.errorResponse(w, "unknown platform", http.StatusBadRequest)
		return
	}
	if f.Kind != "" && f.Kind != models.PeriodMonthly && f.Kind != models.PeriodWeekly {
		s.errorResponse(w, "kind must be monthly or weekly", http.StatusBadRequest)
		return
	}
	for _, b := range []struct {
		name string
		dst  *time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		v := q.Get(b.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(period.DateLayout, v)
		if err != nil {
			s.errorResponse(w, b.name+" must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		*b.dst = t
	}

	list, err := s.deps.Summaries.ListSummaries(r.Context(), f)
	if err != nil {
		s.internalError(w, "failed to list summaries", err)
		return
	}
	s.jsonResponse(w, list)
}

// ---- Cache Refresh ----

type unitError struct {
	Platform models.Platform `json:"platform"`
	PeriodID string          `json:"period_id"`
	Message  string          `json:"message"`
}

type runResponse struct {
	RunID     string      `json:"run_id"`
	Succeeded int         `json:"succeeded"`
	Failed    int         `json:"failed"`
	Skipped   int         `json:"skipped"`
	Errors    []unitError `json:"errors,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sel, ok := s.selection(w, r)
	if !ok {
		return
	}

	res, err := s.deps.Refresh.Run(r.Context(), sel)
	if err != nil {
		s.jobError(w, err)
		return
	}

	resp := runResponse{
		RunID:     res.RunID,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Skipped:   res.Skipped,
	}
	for _, e := range res.Errors {
		resp.Errors = append(resp.Errors, unitError{Platform: e.Platform, PeriodID: e.PeriodID, Message: e.Err.Error()})
	}
	if res.AllFailed() {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	s.jsonResponse(w, resp)
}

// ---- Pacing ----

func (s *Server) handlePacingStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Budget == nil {
		s.errorResponse(w, "fetch budget not configured", http.StatusNotFound)
		return
	}
	stats := make([]*pacing.Stats, 0, len(models.Platforms))
	for _, p := range models.Platforms {
		st, err := s.deps.Budget.GetStats(r.Context(), p)
		if err != nil {
			s.internalError(w, "failed to read fetch budget", err)
			return
		}
		stats = append(stats, st)
	}
	s.jsonResponse(w, stats)
}

// ---- Helpers ----

func (s *Server) selection(w http.ResponseWriter, r *http.Request) (jobs.Selection, bool) {
	platforms, err := jobs.ParsePlatforms(r.URL.Query().Get("platform"))
	if err != nil {
		s.errorResponse(w, err.Error(), http.StatusBadRequest)
		return jobs.Selection{}, false
	}
	return jobs.Selection{ClientID: r.PathValue("id"), Platforms: platforms}, true
}

func (s *Server) jobError(w http.ResponseWriter, err error) {
	var perr *period.InvalidPeriodError
	switch {
	case errors.As(err, &perr):
		s.errorResponse(w, perr.Error(), http.StatusBadRequest)
	case errors.Is(err, storage.ErrNotFound):
		s.errorResponse(w, "client not found", http.StatusNotFound)
	default:
		s.internalError(w, "job failed", err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, message string, err error) {
	s.logger.Error(message, zap.Error(err))
	s.deps.Reporter.CaptureError(err, map[string]string{"component": "httpserver"})
	s.errorResponse(w, message, http.StatusInternalServerError)
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
