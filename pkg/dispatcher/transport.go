package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/morezero/edge-cluster-frontend/pkg/balancer"
	"github.com/morezero/edge-cluster-frontend/pkg/broker"
)

const transportLogPrefix = "dispatcher:transport"

// Transport names.
const (
	TransportBroker = "broker"
	TransportHTTP   = "http"
)

// DefaultWorkerPathPrefix is the worker runtime API prefix.
const DefaultWorkerPathPrefix = "/v1/faas"

// Transport delivers a prepared request to a worker and returns its result.
type Transport interface {
	Name() string
	Deliver(ctx context.Context, target *balancer.Target, flavour string, mode broker.Mode, payload json.RawMessage) (*broker.ResultEnvelope, error)
}

// BrokerTransport publishes requests on the flavour distribution point.
// Any worker of the flavour may take the call; the resolved target only
// gates dispatch on available capacity.
type BrokerTransport struct {
	channel *broker.Channel
}

// NewBrokerTransport creates a BrokerTransport over channel.
func NewBrokerTransport(channel *broker.Channel) *BrokerTransport {
	return &BrokerTransport{channel: channel}
}

func (t *BrokerTransport) Name() string { return TransportBroker }

func (t *BrokerTransport) Deliver(ctx context.Context, _ *balancer.Target, flavour string, mode broker.Mode, payload json.RawMessage) (*broker.ResultEnvelope, error) {
	return t.channel.Call(ctx, flavour, mode, payload)
}

// MaxWorkerResponseBytes bounds a worker's response body.
const MaxWorkerResponseBytes = 32 << 20

// HTTPTransport posts requests straight to the resolved worker.
type HTTPTransport struct {
	client      *http.Client
	pathPrefix  string
	maxResponse int64
}

// NewHTTPTransport creates an HTTPTransport. A nil client uses
// http.DefaultClient; the request context bounds every call.
func NewHTTPTransport(client *http.Client, pathPrefix string) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	if pathPrefix == "" {
		pathPrefix = DefaultWorkerPathPrefix
	}
	return &HTTPTransport{
		client:      client,
		pathPrefix:  "/" + strings.Trim(pathPrefix, "/"),
		maxResponse: MaxWorkerResponseBytes,
	}
}

func (t *HTTPTransport) Name() string { return TransportHTTP }

// ExecuteURL returns the worker URL for mode.
func (t *HTTPTransport) ExecuteURL(endpoint string, mode broker.Mode) string {
	return strings.TrimRight(endpoint, "/") + t.pathPrefix + "/execute-" + string(mode)
}

// Deliver posts payload once; worker calls are not retried.
func (t *HTTPTransport) Deliver(ctx context.Context, target *balancer.Target, _ string, mode broker.Mode, payload json.RawMessage) (*broker.ResultEnvelope, error) {
	url := t.ExecuteURL(target.Endpoint, mode)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s - build request for %s: %w", transportLogPrefix, url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s - post %s: %w", transportLogPrefix, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > 599 {
		return nil, fmt.Errorf("%w: worker %d answered status %d", broker.ErrProtocol, target.VM, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxResponse+1))
	if err != nil {
		return nil, fmt.Errorf("%s - read response from %s: %w", transportLogPrefix, url, err)
	}
	if int64(len(body)) > t.maxResponse {
		return nil, fmt.Errorf("%w: worker %d response exceeds %d bytes", broker.ErrProtocol, target.VM, t.maxResponse)
	}
	slog.Debug(fmt.Sprintf("%s - worker %d answered %d", transportLogPrefix, target.VM, resp.StatusCode))
	return &broker.ResultEnvelope{Code: resp.StatusCode, Message: asJSON(body)}, nil
}

// asJSON keeps a JSON body as is and wraps anything else in a JSON string.
func asJSON(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(string(trimmed))
	return quoted
}
