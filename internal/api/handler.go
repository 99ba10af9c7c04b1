// Package api exposes the orchestrator over HTTP: a generate endpoint with
// optional SSE streaming, provider and health introspection, Prometheus
// metrics and a basic-auth admin surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quillforge/modelmux/internal/auth"
	"github.com/quillforge/modelmux/internal/circuitbreaker"
	"github.com/quillforge/modelmux/internal/domain"
	"github.com/quillforge/modelmux/internal/ledger"
	"github.com/quillforge/modelmux/internal/router"
	"github.com/quillforge/modelmux/internal/usage"
)

const version = "0.1.0"

// Orchestrator runs generation requests end to end. Satisfied by
// orchestrator.Orchestrator.
type Orchestrator interface {
	Execute(ctx context.Context, req *domain.GenerationRequest) (*domain.GenerationResponse, error)
	ExecuteStream(ctx context.Context, req *domain.GenerationRequest) (<-chan domain.StreamChunk, <-chan error)
}

type HandlerConfig struct {
	Orchestrator Orchestrator
	Router       *router.Router
	Breakers     *circuitbreaker.Registry
	Ledger       ledger.Ledger
	Usage        usage.Store

	// Auth guards the admin routes. Nil leaves them open, for local
	// development only.
	Auth *auth.RBACMiddleware

	// Readiness checks run on /health/ready for backing stores.
	Readiness    []HealthChecker
	ReadyTimeout time.Duration

	Logger *slog.Logger
}

type Handler struct {
	orch     Orchestrator
	router   *router.Router
	breakers *circuitbreaker.Registry
	ledger   ledger.Ledger
	usage    usage.Store
	logger   *slog.Logger
	mux      *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 5 * time.Second
	}

	h := &Handler{
		orch:     cfg.Orchestrator,
		router:   cfg.Router,
		breakers: cfg.Breakers,
		ledger:   cfg.Ledger,
		usage:    cfg.Usage,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/generate", h.handleGenerate)
	h.mux.HandleFunc("GET /v1/providers", h.handleProviders)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.Handle("GET /health/ready", handleHealthReady(cfg.Readiness, readyTimeout))
	h.mux.Handle("GET /metrics", promhttp.Handler())
	h.registerAdmin(cfg.Auth)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// generateRequest is the wire form of a generation request. Clients send a
// relative timeout; the absolute deadline is computed on arrival.
type generateRequest struct {
	domain.GenerationRequest
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var body generateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body", nil)
		return
	}

	req := body.GenerationRequest
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "model and messages are required", nil)
		return
	}

	if id := r.Header.Get("X-Request-ID"); id != "" {
		req.ID = id
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if tenant := r.Header.Get("X-Tenant-ID"); tenant != "" {
		req.TenantID = tenant
	}
	req.ClientIP = clientIP(r)
	if body.TimeoutMs > 0 {
		req.Deadline = start.Add(time.Duration(body.TimeoutMs) * time.Millisecond)
	}

	if req.Stream {
		h.handleStream(w, r, &req, start)
		return
	}

	resp, err := h.orch.Execute(r.Context(), &req)
	if err != nil {
		h.logger.Warn("generation failed",
			"request_id", req.ID,
			"tenant_id", req.TenantID,
			"model", req.Model,
			"error", err,
		)
		writeDomainError(w, err)
		return
	}

	h.logger.Info("generation completed",
		"request_id", req.ID,
		"tenant_id", req.TenantID,
		"provider", resp.Provider,
		"model", resp.Model,
		"cache_hit", resp.Meta.CacheHit,
		"latency_ms", resp.Meta.LatencyMs,
	)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", req.ID)
	if resp.Meta.CacheHit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request, req *domain.GenerationRequest, start time.Time) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported", nil)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Request-ID", req.ID)

	chunks, errs := h.orch.ExecuteStream(r.Context(), req)

	for chunk := range chunks {
		data, _ := json.Marshal(chunk)
		w.Write([]byte("data: " + string(data) + "\n\n"))
		flusher.Flush()
	}

	// The chunk channel is closed before the terminal error is delivered,
	// so this read does not race the loop above.
	if err := <-errs; err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Warn("stream failed", "request_id", req.ID, "tenant_id", req.TenantID, "error", err)
		data, _ := json.Marshal(errorBody{Code: domain.ErrorCode(err), Message: err.Error()})
		w.Write([]byte("event: error\ndata: " + string(data) + "\n\n"))
		flusher.Flush()
		return
	}

	w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()

	h.logger.Info("stream completed",
		"request_id", req.ID,
		"tenant_id", req.TenantID,
		"model", req.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)
}

type providerStatus struct {
	Name           string  `json:"name"`
	Weight         int     `json:"weight"`
	CircuitState   string  `json:"circuit_state"`
	BudgetHeadroom float64 `json:"budget_headroom"`
	LatencyMs      int64   `json:"latency_ms"`
}

func (h *Handler) handleProviders(w http.ResponseWriter, r *http.Request) {
	descs := h.router.Descriptors()
	out := make([]providerStatus, 0, len(descs))
	for _, d := range descs {
		out = append(out, providerStatus{
			Name:           d.Name,
			Weight:         d.Weight,
			CircuitState:   h.breakers.Get(d.Name).State().String(),
			BudgetHeadroom: h.ledger.Headroom(d.Name),
			LatencyMs:      h.router.Latency(d.Name).Milliseconds(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"providers": out})
}

// clientIP prefers the first forwarded hop so rate limiting still keys on
// the real client behind a load balancer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type errorBody struct {
	Code        string              `json:"code"`
	Message     string              `json:"message"`
	Diagnostics []domain.Diagnostic `json:"diagnostics,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, diags []domain.Diagnostic) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": errorBody{Code: code, Message: message, Diagnostics: diags},
	})
}

// writeDomainError maps a terminal orchestration error onto the HTTP
// surface. Client cancellation writes nothing: the connection is gone.
func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}

	status := http.StatusInternalServerError
	var diags []domain.Diagnostic

	switch {
	case errors.Is(err, domain.ErrRateLimited):
		status = http.StatusTooManyRequests
		var rl *domain.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(rl.RetryAfter)))
		}
	case errors.Is(err, domain.ErrBudgetExceeded):
		status = http.StatusPaymentRequired
	case errors.Is(err, domain.ErrFatalRequest):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrNoProvidersAvailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAllProvidersExhausted):
		status = http.StatusServiceUnavailable
		var ex *domain.ExhaustedError
		if errors.As(err, &ex) {
			diags = ex.Diagnostics
		}
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	writeError(w, status, domain.ErrorCode(err), message, diags)
}

// retryAfterSeconds rounds up so a client that waits the advertised time
// is never denied again by the same bucket.
func retryAfterSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs
}
