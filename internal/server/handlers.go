package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/morezero/edge-cluster-frontend/pkg/auth"
	"github.com/morezero/edge-cluster-frontend/pkg/broker"
	"github.com/morezero/edge-cluster-frontend/pkg/dispatcher"
	"github.com/morezero/edge-cluster-frontend/pkg/events"
	"github.com/morezero/edge-cluster-frontend/pkg/metrics"
)

const handlersLogPrefix = "server:handlers"

// TokenHeader carries the capability token.
const TokenHeader = "token"

// maxBodyBytes bounds request bodies; serialized parameters can be large.
const maxBodyBytes = 32 << 20

// KindInvalidArgument is reported for malformed requests.
const KindInvalidArgument = "INVALID_ARGUMENT"

// Executor runs offload requests.
type Executor interface {
	Execute(ctx context.Context, req *dispatcher.ExecuteRequest) (*dispatcher.Result, error)
	Authorize(ctx context.Context, token string) (*auth.Identity, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthOutput is the /health response.
type HealthOutput struct {
	Status    string          `json:"status"`
	Checks    map[string]bool `json:"checks"`
	Timestamp string          `json:"timestamp"`
}

// Handlers serves the frontend HTTP API.
type Handlers struct {
	exec          Executor
	publisher     events.EventPublisher
	checks        map[string]HealthCheck
	healthTimeout time.Duration
	now           func() time.Time
}

// NewHandlers creates the API handlers.
func NewHandlers(exec Executor, publisher events.EventPublisher, checks map[string]HealthCheck, healthTimeout time.Duration) *Handlers {
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	if healthTimeout <= 0 {
		healthTimeout = 5 * time.Second
	}
	return &Handlers{
		exec:          exec,
		publisher:     publisher,
		checks:        checks,
		healthTimeout: healthTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Routes returns the API mux.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /v1/functions/{id}/execute", instrument("/v1/functions/{id}/execute", h.handleExecuteFunction))
	mux.Handle("POST /v1/execute", instrument("/v1/execute", h.handleExecute))
	mux.Handle("POST /v1/device_metrics", instrument("/v1/device_metrics", h.handleDeviceMetrics))
	mux.Handle("GET /health", instrument("/health", h.handleHealth))
	mux.Handle("GET /ready", instrument("/ready", handleReady))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})
	return mux
}

// handleExecuteFunction serves POST /v1/functions/{id}/execute?app_req_id=&mode=
// with a JSON array of serialized parameters as body.
func (h *Handlers) handleExecuteFunction(w http.ResponseWriter, r *http.Request) {
	functionID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		writeInvalid(w, "function id must be an integer")
		return
	}
	appReqID, err := strconv.Atoi(r.URL.Query().Get("app_req_id"))
	if err != nil {
		writeInvalid(w, "app_req_id query parameter must be an integer")
		return
	}
	mode, err := broker.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}

	var params []string
	if err := decodeBody(w, r, &params); err != nil {
		writeInvalid(w, "body must be a JSON array of serialized parameters")
		return
	}

	h.execute(w, r, &dispatcher.ExecuteRequest{
		Token:      r.Header.Get(TokenHeader),
		FunctionID: functionID,
		AppReqID:   appReqID,
		Params:     params,
		Mode:       mode,
	})
}

// executionBody is the body of POST /v1/execute.
type executionBody struct {
	FunctionID *int     `json:"function_id"`
	AppReqID   *int     `json:"app_req_id"`
	Params     []string `json:"params"`
}

// handleExecute serves POST /v1/execute?mode= with the execution in the body.
func (h *Handlers) handleExecute(w http.ResponseWriter, r *http.Request) {
	mode, err := broker.ParseMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeInvalid(w, err.Error())
		return
	}
	var body executionBody
	if err := decodeBody(w, r, &body); err != nil {
		writeInvalid(w, "body must be a JSON execution object")
		return
	}
	if body.FunctionID == nil || body.AppReqID == nil {
		writeInvalid(w, "function_id and app_req_id are required")
		return
	}

	h.execute(w, r, &dispatcher.ExecuteRequest{
		Token:      r.Header.Get(TokenHeader),
		FunctionID: *body.FunctionID,
		AppReqID:   *body.AppReqID,
		Params:     body.Params,
		Mode:       mode,
	})
}

func (h *Handlers) execute(w http.ResponseWriter, r *http.Request, req *dispatcher.ExecuteRequest) {
	res, err := h.exec.Execute(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(res.Message)
}

// handleDeviceMetrics accepts a JSON object of device metrics and publishes it.
func (h *Handlers) handleDeviceMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := h.exec.Authorize(r.Context(), r.Header.Get(TokenHeader))
	if err != nil {
		writeError(w, err)
		return
	}
	var body map[string]json.RawMessage
	if err := decodeBody(w, r, &body); err != nil || body == nil {
		writeInvalid(w, "body must be a JSON object of metrics")
		return
	}
	raw, _ := json.Marshal(body)

	event := &events.DeviceMetricsEvent{
		User:       id.User,
		Metrics:    raw,
		ReceivedAt: h.now().Format(time.RFC3339),
	}
	if err := h.publisher.PublishDeviceMetrics(r.Context(), event); err != nil {
		slog.Error(fmt.Sprintf("%s - publish device metrics for %s: %v", handlersLogPrefix, id.User, err))
		writeError(w, dispatcher.NewError(dispatcher.KindInternal, "failed to record device metrics"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()

	out := HealthOutput{Status: "healthy", Checks: make(map[string]bool, len(h.checks)), Timestamp: h.now().Format(time.RFC3339)}
	for name, check := range h.checks {
		err := check(ctx)
		out.Checks[name] = err == nil
		if err != nil {
			out.Status = "unhealthy"
			slog.Warn(fmt.Sprintf("%s - health check %s failed: %v", handlersLogPrefix, name, err))
		}
	}
	status := http.StatusOK
	if out.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, out)
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after body")
	}
	return nil
}

// errorBody is the JSON error response.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Kind   string          `json:"kind"`
}

func writeError(w http.ResponseWriter, err error) {
	var derr *dispatcher.Error
	if !errors.As(err, &derr) {
		slog.Error(fmt.Sprintf("%s - unclassified error: %v", handlersLogPrefix, err))
		derr = dispatcher.NewError(dispatcher.KindInternal, "internal error")
	}
	if derr.Status < http.StatusBadRequest {
		// A failure must never reach the client as an informational or success status.
		slog.Warn(fmt.Sprintf("%s - %s carried status %d, answering 502", handlersLogPrefix, derr.Kind, derr.Status))
		fixed := *derr
		fixed.Kind = dispatcher.KindUpstreamProtocolError
		fixed.Status = http.StatusBadGateway
		derr = &fixed
	}
	detail := derr.Detail
	if detail == nil {
		detail, _ = json.Marshal(derr.Message)
	}
	writeJSON(w, derr.Status, errorBody{Detail: detail, Kind: string(derr.Kind)})
}

func writeInvalid(w http.ResponseWriter, message string) {
	detail, _ := json.Marshal(message)
	writeJSON(w, http.StatusUnprocessableEntity, errorBody{Detail: detail, Kind: KindInvalidArgument})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error(fmt.Sprintf("%s - encode response: %v", handlersLogPrefix, err))
	}
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func instrument(route string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		metrics.RecordHTTPRequest(r.Method, route, rec.status)
	})
}
