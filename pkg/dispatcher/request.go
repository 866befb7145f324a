package dispatcher

import (
	"encoding/json"

	"github.com/morezero/edge-cluster-frontend/pkg/broker"
	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
)

// ExecuteRequest is one function offload request.
type ExecuteRequest struct {
	Token      string
	FunctionID int
	AppReqID   int
	// Params are the serialized function arguments, forwarded opaquely.
	Params []string
	Mode   broker.Mode
}

// Result is the outcome of a successful execution.
type Result struct {
	Code    int
	Message json.RawMessage
	// VM is the worker chosen by the balancer.
	VM        int
	Transport string
}

// prepareRequest builds the worker request: the function attributes with
// lower-cased keys plus the call parameters and requirement id.
func prepareRequest(fn *cluster.Function, params []string, appReqID int) map[string]interface{} {
	req := make(map[string]interface{}, len(fn.Attributes)+2)
	for k, v := range cluster.NormalizeKeys(fn.Attributes) {
		req[k] = v
	}
	if params == nil {
		params = []string{}
	}
	req["params"] = params
	req["app_req_id"] = appReqID
	return req
}
