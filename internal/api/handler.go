package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/felipepmaragno/streamstack/internal/admission"
	"github.com/felipepmaragno/streamstack/internal/domain"
	"github.com/felipepmaragno/streamstack/internal/metrics"
	"github.com/felipepmaragno/streamstack/internal/queue"
	"github.com/felipepmaragno/streamstack/internal/ratelimit"
	"github.com/felipepmaragno/streamstack/internal/registry"
	"github.com/felipepmaragno/streamstack/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusClientClosedRequest is reported when a request was cancelled
// before it produced a result.
const statusClientClosedRequest = 499

type HandlerConfig struct {
	Controller *admission.Controller
	Registry   *registry.Registry
	Queue      queue.Store
	// InFlight reports requests currently held by dispatch workers.
	InFlight func() int
	// Dispatching reports whether workers still pull new requests; nil means
	// always.
	Dispatching  func() bool
	Checkers     []HealthChecker
	ReadyTimeout time.Duration
}

type Handler struct {
	controller   *admission.Controller
	registry     *registry.Registry
	queue        queue.Store
	inFlight     func() int
	dispatching  func() bool
	checkers     []HealthChecker
	readyTimeout time.Duration
	started      time.Time
	mux          *http.ServeMux
}

// globalQueue is implemented by stores shared between instances.
type globalQueue interface {
	GlobalSize(ctx context.Context) (int64, error)
}

func NewHandler(cfg HandlerConfig) *Handler {
	readyTimeout := cfg.ReadyTimeout
	if readyTimeout == 0 {
		readyTimeout = 2 * time.Second
	}
	inFlight := cfg.InFlight
	if inFlight == nil {
		inFlight = func() int { return 0 }
	}
	dispatching := cfg.Dispatching
	if dispatching == nil {
		dispatching = func() bool { return true }
	}

	h := &Handler{
		controller:   cfg.Controller,
		registry:     cfg.Registry,
		queue:        cfg.Queue,
		inFlight:     inFlight,
		dispatching:  dispatching,
		checkers:     cfg.Checkers,
		readyTimeout: readyTimeout,
		started:      time.Now(),
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/requests/{id}", h.handleGetRequest)
	h.mux.HandleFunc("DELETE /v1/requests/{id}", h.handleCancelRequest)
	h.mux.HandleFunc("GET /v1/requests/{id}/ws", h.handleSubscribeWS)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	identity, ok := identityFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return
	}

	var req domain.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "model and messages are required")
		return
	}

	providerName, err := h.registry.Select(r.Header.Get("X-Provider"), req.Model)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	req.Model = strings.TrimPrefix(req.Model, providerName+"/")

	res, err := h.controller.Submit(ctx, admission.SubmitRequest{
		Identity:       identity,
		Provider:       providerName,
		Request:        req,
		Priority:       domain.ParsePriority(r.Header.Get("X-Priority")),
		Streaming:      req.Stream,
		Timeout:        requestTimeout(r),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	setRateLimitHeaders(w, res.Decision)
	if err != nil {
		slog.Warn("request rejected",
			"identity", identity,
			"provider", providerName,
			"error", err,
		)
		writeDomainError(w, err)
		return
	}

	env := res.Envelope
	w.Header().Set("X-Request-ID", env.ID)
	if res.Replayed {
		w.Header().Set("Idempotent-Replayed", "true")
	}

	if r.Header.Get("X-Async") == "true" {
		writeJSON(w, http.StatusAccepted, statusOf(env))
		return
	}
	if res.Replayed {
		h.replay(w, r, env)
		return
	}

	if env.Streaming {
		h.streamResponse(w, r, env)
		return
	}

	out, err := env.Wait(ctx)
	if err != nil {
		h.abandon(env)
		return
	}
	writeOutcome(w, env, out)
}

// replay answers a repeated idempotency key without touching the original
// request. The chunks of a stream go to its first caller only, so a replay
// of a running stream is refused and a finished one gets the assembled
// completion.
func (h *Handler) replay(w http.ResponseWriter, r *http.Request, env *domain.Envelope) {
	if env.Streaming {
		select {
		case <-env.Done():
		default:
			writeSubscriberConflict(w, env)
			return
		}
	}

	out, err := env.Wait(r.Context())
	if err != nil {
		return
	}
	writeOutcome(w, env, out)
}

func writeSubscriberConflict(w http.ResponseWriter, env *domain.Envelope) {
	writeJSON(w, http.StatusConflict, errorBody(
		"request "+env.ID+" is already streaming to another client, poll /v1/requests/"+env.ID+" for its result",
		"request_in_progress", http.StatusConflict))
}

func writeOutcome(w http.ResponseWriter, env *domain.Envelope, out domain.Outcome) {
	if out.State != domain.StateCompleted {
		writeOutcomeError(w, out)
		return
	}

	resp := *out.Response
	resp.Gateway = &domain.Gateway{
		Provider:  out.Provider,
		LatencyMs: env.Latency().Milliseconds(),
		RequestID: env.ID,
		Attempts:  out.Attempts,
	}
	writeJSON(w, http.StatusOK, resp)
}

// streamResponse relays the envelope's chunks as server-sent events and ends
// with [DONE] or an error frame carrying the terminal reason.
func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, env *domain.Envelope) {
	if !env.ClaimChunks() {
		writeSubscriberConflict(w, env)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.abandon(env)
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	metrics.IncrementActiveStreams()
	defer metrics.DecrementActiveStreams()

	ctx := r.Context()
	chunks := env.Chunks()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				<-env.Done()
				out := env.Outcome()
				if out.State == domain.StateCompleted {
					writeSSE(w, []byte("[DONE]"))
				} else {
					data, _ := json.Marshal(errorBody(outcomeMessage(out), string(out.Reason), outcomeStatus(out)))
					writeSSE(w, data)
				}
				flusher.Flush()
				return
			}
			data, err := json.Marshal(chunk)
			if err != nil {
				continue
			}
			writeSSE(w, data)
			flusher.Flush()

		case <-ctx.Done():
			h.abandon(env)
			return
		}
	}
}

// abandon cancels a request whose caller went away.
func (h *Handler) abandon(env *domain.Envelope) {
	if err := h.controller.Cancel(context.Background(), env.ID); err != nil && !errors.Is(err, domain.ErrAlreadyFinished) {
		slog.Warn("cancel after disconnect failed", "request_id", env.ID, "error", err)
	}
}

func (h *Handler) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	env, ok := h.ownedEnvelope(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, statusOf(env))
}

func (h *Handler) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	env, ok := h.ownedEnvelope(w, r)
	if !ok {
		return
	}
	if err := h.controller.Cancel(r.Context(), env.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, statusOf(env))
}

// ownedEnvelope resolves the {id} path value to an envelope submitted by the
// caller's identity. Requests of other identities are reported as not found.
func (h *Handler) ownedEnvelope(w http.ResponseWriter, r *http.Request) (*domain.Envelope, bool) {
	identity, ok := identityFromRequest(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing API key")
		return nil, false
	}
	env, err := h.controller.Subscribe(r.PathValue("id"))
	if err != nil || env.Identity != identity {
		writeDomainError(w, domain.ErrRequestNotFound)
		return nil, false
	}
	return env, true
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, domain.ModelsResponse{
		Object: "list",
		Data:   h.registry.Models(r.Context()),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	providers := make(map[string]string)
	allHealthy := true
	for name, err := range h.registry.Health(ctx) {
		if err != nil {
			providers[name] = "unhealthy"
			allHealthy = false
		} else {
			providers[name] = "ok"
		}
	}

	status := "healthy"
	if !allHealthy {
		status = "degraded"
	}

	resp := map[string]any{
		"status":    status,
		"version":   telemetry.Version,
		"uptime_s":  int64(time.Since(h.started).Seconds()),
		"providers": providers,
		"queue":     h.queue.Stats(),
		"requests": map[string]any{
			"live":      h.controller.Live(),
			"in_flight": h.inFlight(),
			"counts":    h.controller.Counts(),
		},
	}
	if b := h.registry.Breakers(); b != nil {
		resp["circuit_breakers"] = b.States(ctx)
	}
	if gq, ok := h.queue.(globalQueue); ok {
		if n, err := gq.GlobalSize(ctx); err == nil {
			resp["queue_global_pending"] = n
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// requestStatus is the body of the request status and cancel endpoints.
type requestStatus struct {
	ID        string               `json:"id"`
	State     string               `json:"state"`
	Reason    string               `json:"reason,omitempty"`
	Provider  string               `json:"provider,omitempty"`
	Priority  string               `json:"priority"`
	Streaming bool                 `json:"streaming"`
	Attempts  int                  `json:"attempts,omitempty"`
	LatencyMs int64                `json:"latency_ms"`
	Error     string               `json:"error,omitempty"`
	Response  *domain.ChatResponse `json:"response,omitempty"`
}

func statusOf(env *domain.Envelope) requestStatus {
	out := env.Outcome()
	st := requestStatus{
		ID:        env.ID,
		State:     out.State.String(),
		Reason:    string(out.Reason),
		Provider:  env.Provider,
		Priority:  env.Priority.String(),
		Streaming: env.Streaming,
		Attempts:  out.Attempts,
		LatencyMs: env.Latency().Milliseconds(),
		Response:  out.Response,
	}
	if out.Err != nil {
		st.Error = out.Err.Error()
	}
	return st
}

// identityFromRequest hashes the bearer key so raw keys never reach the core.
func identityFromRequest(r *http.Request) (domain.ClientIdentity, bool) {
	key := extractAPIKey(r)
	if key == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(key))
	return domain.ClientIdentity(hex.EncodeToString(sum[:])), true
}

func extractAPIKey(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// requestTimeout reads X-Request-Timeout as seconds or a Go duration.
func requestTimeout(r *http.Request) time.Duration {
	v := r.Header.Get("X-Request-Timeout")
	if v == "" {
		return 0
	}
	if s, err := strconv.Atoi(v); err == nil {
		return time.Duration(s) * time.Second
	}
	d, _ := time.ParseDuration(v)
	return d
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(max(d.Remaining, 0), 10))
	}
	if d.Scope != "" {
		w.Header().Set("X-RateLimit-Scope", d.Scope)
	}
}

func writeSSE(w http.ResponseWriter, data []byte) {
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func errorBody(message, code string, status int) map[string]any {
	errType := "error"
	switch {
	case status == http.StatusTooManyRequests:
		errType = "rate_limit_error"
	case status >= 500:
		errType = "server_error"
	case status >= 400:
		errType = "invalid_request_error"
	}
	body := map[string]any{
		"message": message,
		"type":    errType,
		"status":  status,
	}
	if code != "" {
		body["code"] = code
	}
	return map[string]any{"error": body}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody(message, "", status))
}

// writeDomainError maps admission and lookup errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var rej *domain.RejectionError
	if errors.As(err, &rej) {
		status := http.StatusServiceUnavailable
		switch rej.Reason {
		case domain.ReasonRateLimited:
			status = http.StatusTooManyRequests
			if errors.Is(err, domain.ErrCostExceedsCapacity) {
				status = http.StatusRequestEntityTooLarge
			}
		case domain.ReasonQueueFull, domain.ReasonDependencyFailure, domain.ReasonShutdown:
			status = http.StatusServiceUnavailable
		}
		if rej.RetryAfter > 0 {
			secs := int64((rej.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		}
		writeJSON(w, status, errorBody(err.Error(), string(rej.Reason), status))
		return
	}

	switch {
	case errors.Is(err, domain.ErrProviderNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error(), string(domain.ReasonProviderNotFound), http.StatusNotFound))
	case errors.Is(err, domain.ErrRequestNotFound):
		writeJSON(w, http.StatusNotFound, errorBody(err.Error(), "request_not_found", http.StatusNotFound))
	case errors.Is(err, domain.ErrAlreadyFinished):
		writeJSON(w, http.StatusConflict, errorBody(err.Error(), "already_finished", http.StatusConflict))
	default:
		slog.Error("unexpected error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeOutcomeError(w http.ResponseWriter, out domain.Outcome) {
	status := outcomeStatus(out)
	writeJSON(w, status, errorBody(outcomeMessage(out), string(out.Reason), status))
}

// outcomeStatus maps a terminal outcome to an HTTP status. Semantic provider
// errors keep the vendor's 4xx status.
func outcomeStatus(out domain.Outcome) int {
	switch out.State {
	case domain.StateTimedOut:
		return http.StatusGatewayTimeout
	case domain.StateCancelled:
		return statusClientClosedRequest
	}

	switch out.Reason {
	case domain.ReasonProviderNotFound:
		return http.StatusNotFound
	case domain.ReasonShutdown, domain.ReasonDependencyFailure:
		return http.StatusServiceUnavailable
	case domain.ReasonDownstreamStalled:
		return http.StatusInternalServerError
	}

	var pe *domain.ProviderError
	if errors.As(out.Err, &pe) && !pe.Retryable && pe.StatusCode >= 400 && pe.StatusCode < 500 {
		return pe.StatusCode
	}
	return http.StatusBadGateway
}

func outcomeMessage(out domain.Outcome) string {
	if out.Err != nil {
		return out.Err.Error()
	}
	return out.State.String()
}
