// Package worker is the reference worker side of the offload protocol: it
// consumes calls for one flavour, runs them on the local serverless runtime
// and publishes each result on the call's reply subject.
package worker

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/morezero/edge-cluster-frontend/pkg/balancer"
	"github.com/morezero/edge-cluster-frontend/pkg/broker"
	"github.com/morezero/edge-cluster-frontend/pkg/dispatcher"
)

// Runtime executes a prepared function request.
type Runtime interface {
	Execute(ctx context.Context, mode broker.Mode, payload json.RawMessage) (*broker.ResultEnvelope, error)
}

// HTTPRuntime is the local serverless runtime reached over HTTP. It speaks
// the same execute-{mode} API the frontend uses for direct dispatch.
type HTTPRuntime struct {
	target    *balancer.Target
	transport *dispatcher.HTTPTransport
}

// NewHTTPRuntime creates a runtime client for endpoint (e.g. http://127.0.0.1:8000).
func NewHTTPRuntime(endpoint, pathPrefix string, client *http.Client) *HTTPRuntime {
	return &HTTPRuntime{
		target:    &balancer.Target{Endpoint: endpoint},
		transport: dispatcher.NewHTTPTransport(client, pathPrefix),
	}
}

func (r *HTTPRuntime) Execute(ctx context.Context, mode broker.Mode, payload json.RawMessage) (*broker.ResultEnvelope, error) {
	return r.transport.Deliver(ctx, r.target, "", mode, payload)
}
