// Package api provides the HTTP surface of a runner instance: request
// submission, result queries, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/fleetrunner/internal/core/domain"
	"github.com/artpar/fleetrunner/internal/shell/compute"
	"github.com/artpar/fleetrunner/internal/shell/deploy"
	"github.com/artpar/fleetrunner/internal/shell/metrics"
	"github.com/artpar/fleetrunner/internal/shell/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// =============================================================================
// Handler
// =============================================================================

// DegradedReporter reports whether the event logger is failing.
type DegradedReporter interface {
	Degraded() bool
}

// CredentialVerifier checks preview credentials issued by this runner fleet.
type CredentialVerifier interface {
	Parse(token, endpoint string) (*compute.PreviewClaims, error)
}

// Handler provides HTTP handlers for the API.
type Handler struct {
	store       store.Store
	results     *deploy.Aggregator
	events      DegradedReporter
	credentials CredentialVerifier
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	logger      *slog.Logger
	now         func() time.Time
}

// NewHandler creates a new API handler. A nil gatherer serves the default
// Prometheus registry. A nil verifier disables credential verification.
func NewHandler(s store.Store, results *deploy.Aggregator, ev DegradedReporter, credentials CredentialVerifier, m *metrics.Metrics, gatherer prometheus.Gatherer, l *slog.Logger) *Handler {
	if l == nil {
		l = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		store:       s,
		results:     results,
		events:      ev,
		credentials: credentials,
		metrics:     m,
		gatherer:    gatherer,
		logger:      l.With("component", "api"),
		now:         time.Now,
	}
}

// Routes returns the router with all routes configured.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(h.instrument)
	r.Use(h.requestIDHeader)

	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(h.jsonContentType)

		r.Get("/healthz", h.handleHealth)

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/requests", func(r chi.Router) {
				r.Post("/", h.handleCreateRequest)
				r.Get("/", h.handleListRequests)
				r.Get("/{id}", h.handleGetRequest)
			})

			r.Route("/results", func(r chi.Router) {
				r.Get("/", h.handleListResults)
				r.Get("/{id}", h.handleGetResult)
			})

			if h.credentials != nil {
				r.Post("/credentials/verify", h.handleVerifyCredential)
			}
		})
	})

	return r
}

// =============================================================================
// Middleware
// =============================================================================

// jsonContentType sets Content-Type header to application/json.
func (h *Handler) jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// requestIDHeader copies the request ID to the response header.
func (h *Handler) requestIDHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqID := middleware.GetReqID(r.Context()); reqID != "" {
			w.Header().Set("X-Request-ID", reqID)
		}
		next.ServeHTTP(w, r)
	})
}

// instrument records request counts and latency by route pattern.
func (h *Handler) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.metrics.HTTPRequest(r.Method, route, status, time.Since(start))
	})
}

// =============================================================================
// Health Handlers
// =============================================================================

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"store": "ok", "events": "ok"}

	if h.events != nil && h.events.Degraded() {
		checks["events"] = "degraded"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check: store unreachable", "error", err)
		checks["store"] = "failed"
		h.writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unhealthy", Checks: checks})
		return
	}

	h.writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Checks: checks})
}

// =============================================================================
// Request Handlers
// =============================================================================

func (h *Handler) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var body CreateRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}

	req, err := domain.NewDeploymentRequest(domain.RequestSpec{
		RepoURL:        body.RepoURL,
		TargetCount:    body.TargetCount,
		InstallCommand: body.InstallCommand,
		BuildCommand:   body.BuildCommand,
		StartCommand:   body.StartCommand,
		Port:           body.Port,
	}, h.now())
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "validation_error")
		return
	}

	if err := h.store.CreateRequest(r.Context(), req); err != nil {
		h.logger.Error("failed to create request", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to create request", "internal_error")
		return
	}

	h.logger.Info("request submitted", "request_id", req.ID, "repo_url", req.RepoURL, "target_count", req.TargetCount)
	h.writeJSON(w, http.StatusCreated, requestToResponse(req))
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	req, err := h.store.GetRequest(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "request not found", "request_not_found")
			return
		}
		h.logger.Error("failed to get request", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get request", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, requestToResponse(req))
}

func (h *Handler) handleListRequests(w http.ResponseWriter, r *http.Request) {
	opts := listOptions(r)

	requests, err := h.store.ListRequests(r.Context(), opts)
	if err != nil {
		h.logger.Error("failed to list requests", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list requests", "internal_error")
		return
	}

	resp := ListRequestsResponse{
		Requests: make([]RequestResponse, 0, len(requests)),
		Total:    len(requests),
		Limit:    opts.Limit,
		Offset:   opts.Offset,
	}
	for i := range requests {
		resp.Requests = append(resp.Requests, requestToResponse(&requests[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Result Handlers
// =============================================================================

func (h *Handler) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	result, err := h.results.Get(r.Context(), id)
	if err != nil {
		if isNotFound(err) {
			h.writeError(w, http.StatusNotFound, "result not found", "result_not_found")
			return
		}
		h.logger.Error("failed to get result", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to get result", "internal_error")
		return
	}

	h.writeJSON(w, http.StatusOK, resultToResponse(result, h.now()))
}

func (h *Handler) handleListResults(w http.ResponseWriter, r *http.Request) {
	filter := store.ResultFilter{ListOptions: listOptions(r)}
	q := r.URL.Query()

	if status := q.Get("status"); status != "" {
		switch domain.OverallStatus(status) {
		case domain.OverallCompleted, domain.OverallFailed:
			filter.Status = domain.OverallStatus(status)
		default:
			h.writeError(w, http.StatusBadRequest, "status must be completed or failed", "validation_error")
			return
		}
	}
	for param, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := q.Get(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, param+" must be an RFC 3339 timestamp", "validation_error")
			return
		}
		*dst = &t
	}

	results, err := h.results.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list results", "error", err)
		h.writeError(w, http.StatusInternalServerError, "failed to list results", "internal_error")
		return
	}

	now := h.now()
	resp := ListResultsResponse{
		Results: make([]ResultResponse, 0, len(results)),
		Total:   len(results),
		Limit:   filter.Limit,
		Offset:  filter.Offset,
	}
	for i := range results {
		resp.Results = append(resp.Results, resultToResponse(&results[i], now))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Credential Handlers
// =============================================================================

// handleVerifyCredential lets a gateway in front of a preview endpoint check
// a bearer credential. Invalid credentials answer 401.
func (h *Handler) handleVerifyCredential(w http.ResponseWriter, r *http.Request) {
	var body VerifyCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON", "validation_error")
		return
	}
	if body.Token == "" {
		h.writeError(w, http.StatusBadRequest, "token is required", "validation_error")
		return
	}

	claims, err := h.credentials.Parse(body.Token, body.Endpoint)
	if err != nil {
		h.logger.Debug("credential rejected", "endpoint", body.Endpoint, "error", err)
		h.writeJSON(w, http.StatusUnauthorized, VerifyCredentialResponse{Valid: false, Error: err.Error()})
		return
	}

	resp := VerifyCredentialResponse{Valid: true, Sandbox: claims.Sandbox}
	if claims.ExpiresAt != nil {
		expires := claims.ExpiresAt.Time.UTC()
		resp.ExpiresAt = &expires
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Helpers
// =============================================================================

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode JSON", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func listOptions(r *http.Request) store.ListOptions {
	opts := store.DefaultListOptions()
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil {
			opts.Limit = l
		}
	}
	if offset := r.URL.Query().Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil {
			opts.Offset = o
		}
	}
	return opts.Normalize()
}

func requestToResponse(req *domain.DeploymentRequest) RequestResponse {
	return RequestResponse{
		ID:             req.ID,
		RepoURL:        req.RepoURL,
		TargetCount:    req.TargetCount,
		InstallCommand: req.InstallCommand,
		BuildCommand:   req.BuildCommand,
		StartCommand:   req.StartCommand,
		Port:           req.Port,
		Status:         string(req.Status),
		CreatedAt:      req.CreatedAt,
		ClaimedAt:      req.ClaimedAt,
		ClaimedBy:      req.ClaimedBy,
		CompletedAt:    req.CompletedAt,
	}
}

func resultToResponse(r *domain.DeploymentResult, now time.Time) ResultResponse {
	resp := ResultResponse{
		RequestID:       r.RequestID,
		RepoURL:         r.RepoURL,
		TargetCount:     r.TargetCount,
		OverallStatus:   string(r.OverallStatus),
		SuccessfulCount: r.SuccessfulCount,
		PreviewURLs:     r.PreviewURLs(),
		Targets:         make([]TargetResponse, 0, len(r.TargetResults)),
		TotalDurationMS: r.TotalDuration.Milliseconds(),
		CompletedAt:     r.CompletedAt,
		ExecutedBy:      r.ExecutedBy,
	}
	for _, t := range r.TargetResults {
		tr := TargetResponse{
			TargetIndex:      t.TargetIndex,
			SandboxID:        t.SandboxID,
			Status:           string(t.Status),
			Endpoint:         t.Endpoint,
			PreviewURL:       t.PreviewURL,
			CredentialExpiry: t.CredentialExpiry,
			StageDurationsMS: make(map[string]int64, len(t.StageDurations)),
			FailedStage:      string(t.FailedStage),
			ErrorKind:        string(t.ErrorKind),
			Error:            t.Error,
		}
		if t.CredentialExpiry != nil {
			cred := domain.Credential{ExpiresAt: *t.CredentialExpiry}
			tr.CredentialExpiring = cred.NeedsRefresh(now)
		}
		for stage, d := range t.StageDurations {
			tr.StageDurationsMS[string(stage)] = d.Milliseconds()
		}
		resp.Targets = append(resp.Targets, tr)
	}
	return resp
}

// isNotFound checks if an error is a not found error.
func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
