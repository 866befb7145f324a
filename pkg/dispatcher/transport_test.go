package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/edge-cluster-frontend/pkg/balancer"
	"github.com/morezero/edge-cluster-frontend/pkg/broker"
	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
	"github.com/morezero/edge-cluster-frontend/pkg/commsutil"
)

const transportTestPrefix = "dispatcher:transport_test"

func startTestServer(t *testing.T, port int) *comms.Conn {
	t.Helper()

	ns, err := commsserver.NewServer(&commsserver.Options{
		Host:   "127.0.0.1",
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("%s - failed to create server: %v", transportTestPrefix, err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatalf("%s - server failed to start", transportTestPrefix)
	}

	nc, err := comms.Connect(ns.ClientURL(), comms.Timeout(5*time.Second))
	if err != nil {
		ns.Shutdown()
		t.Fatalf("%s - failed to connect: %v", transportTestPrefix, err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return nc
}

func TestExecute_ScenarioBroker(t *testing.T) {
	nc := startTestServer(t, 14245)
	ctx := context.Background()

	calls := make(chan broker.CallEnvelope, 1)
	sub, err := nc.Subscribe(commsutil.BuildOffloadSubject(commsutil.SubjectOffloadPrefix, "gpu"), func(msg *comms.Msg) {
		var call broker.CallEnvelope
		if err := json.Unmarshal(msg.Data, &call); err != nil {
			return
		}
		calls <- call
		data, _ := json.Marshal(broker.ResultEnvelope{Code: 200, Message: json.RawMessage(`[5]`), RequestID: call.RequestID})
		nc.Publish(commsutil.BuildResultsSubject(commsutil.SubjectResults, call.RequestID), data)
	})
	if err != nil {
		t.Fatalf("%s - subscribe worker: %v", transportTestPrefix, err)
	}
	defer sub.Unsubscribe()

	b, err := broker.NewNATSBroker(ctx, nc, broker.NATSOptions{})
	if err != nil {
		t.Fatalf("%s - broker: %v", transportTestPrefix, err)
	}
	d := NewDispatcher(newFakeAuth(), scenarioInventory(), NewBrokerTransport(broker.NewChannel(b)), Config{Timeout: 5 * time.Second})

	res, err := d.Execute(ctx, &ExecuteRequest{Token: "alice-token", FunctionID: 42, AppReqID: 7, Params: []string{"gAVLAi4="}})
	if err != nil {
		t.Fatalf("%s - execute: %v", transportTestPrefix, err)
	}
	if string(res.Message) != `[5]` || res.Transport != TransportBroker {
		t.Errorf("%s - unexpected result %+v", transportTestPrefix, res)
	}

	call := <-calls
	if call.Mode != broker.ModeSync {
		t.Errorf("%s - expected sync mode, got %s", transportTestPrefix, call.Mode)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(call.Payload, &payload); err != nil {
		t.Fatalf("%s - payload: %v", transportTestPrefix, err)
	}
	if payload["fc"] != "gAWVKw==" || payload["app_req_id"] != float64(7) {
		t.Errorf("%s - unexpected payload %v", transportTestPrefix, payload)
	}
}

func TestExecute_BrokerWithoutWorkerTimesOut(t *testing.T) {
	nc := startTestServer(t, 14246)
	ctx := context.Background()

	b, err := broker.NewNATSBroker(ctx, nc, broker.NATSOptions{})
	if err != nil {
		t.Fatalf("%s - broker: %v", transportTestPrefix, err)
	}
	d := NewDispatcher(newFakeAuth(), scenarioInventory(), NewBrokerTransport(broker.NewChannel(b)), Config{Timeout: 200 * time.Millisecond})

	_, err = d.Execute(ctx, &ExecuteRequest{Token: "alice-token", FunctionID: 42, AppReqID: 7})
	var derr *Error
	if !errors.As(err, &derr) || derr.Kind != KindDispatchTimeout {
		t.Fatalf("%s - expected DISPATCH_TIMEOUT, got %v", transportTestPrefix, err)
	}
	if n := nc.NumSubscriptions(); n != 0 {
		t.Errorf("%s - expected reply subscription released, %d left", transportTestPrefix, n)
	}
}

func TestHTTPTransport_ResponseLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"` + strings.Repeat("x", 30) + `"`))
	}))
	defer srv.Close()

	tests := []struct {
		name    string
		limit   int64
		wantErr bool
	}{
		{"within limit", 64, false},
		{"exactly at limit", 32, false},
		{"over limit", 16, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewHTTPTransport(nil, "")
			tr.maxResponse = tt.limit
			res, err := tr.Deliver(context.Background(), &balancer.Target{VM: 2, Endpoint: srv.URL}, "gpu", broker.ModeSync, json.RawMessage(`{}`))
			if tt.wantErr {
				if !errors.Is(err, broker.ErrProtocol) {
					t.Errorf("%s - expected ErrProtocol, got %v", transportTestPrefix, err)
				}
				return
			}
			if err != nil || !res.OK() {
				t.Errorf("%s - expected success, got %+v, %v", transportTestPrefix, res, err)
			}
		})
	}

	if got := NewHTTPTransport(nil, "").maxResponse; got != MaxWorkerResponseBytes {
		t.Errorf("%s - default limit = %d, want %d", transportTestPrefix, got, MaxWorkerResponseBytes)
	}
}

func TestHTTPTransport_ExecuteURL(t *testing.T) {
	tests := []struct {
		prefix   string
		endpoint string
		mode     broker.Mode
		want     string
	}{
		{"", "http://10.0.0.1:8000", broker.ModeSync, "http://10.0.0.1:8000/v1/faas/execute-sync"},
		{"/v1/faas/", "http://10.0.0.1:8000/", broker.ModeAsync, "http://10.0.0.1:8000/v1/faas/execute-async"},
		{"runtime", "http://[fd00::1]:8000", broker.ModeSync, "http://[fd00::1]:8000/runtime/execute-sync"},
	}
	for _, tt := range tests {
		got := NewHTTPTransport(nil, tt.prefix).ExecuteURL(tt.endpoint, tt.mode)
		if got != tt.want {
			t.Errorf("%s - ExecuteURL(%q, %q) = %q, want %q", transportTestPrefix, tt.prefix, tt.endpoint, got, tt.want)
		}
	}
}

func TestAsJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"  \"busy\"\n", `"busy"`},
		{"", "null"},
		{"plain text", `"plain text"`},
	}
	for _, tt := range tests {
		if got := string(asJSON([]byte(tt.in))); got != tt.want {
			t.Errorf("%s - asJSON(%q) = %s, want %s", transportTestPrefix, tt.in, got, tt.want)
		}
	}
}

func TestPrepareRequest(t *testing.T) {
	fn, err := cluster.FunctionFromDocument(&cluster.Document{
		ID:       42,
		Type:     cluster.DocumentFunction,
		Template: map[string]interface{}{"LANG": "PY", "FC": "code", "Extra": 1},
	})
	if err != nil {
		t.Fatalf("%s - function: %v", transportTestPrefix, err)
	}

	req := prepareRequest(fn, nil, 7)
	if req["lang"] != "PY" || req["fc"] != "code" || req["extra"] != 1 {
		t.Errorf("%s - attributes not carried: %v", transportTestPrefix, req)
	}
	if params, ok := req["params"].([]string); !ok || len(params) != 0 {
		t.Errorf("%s - expected empty params, got %v", transportTestPrefix, req["params"])
	}
	if req["app_req_id"] != 7 {
		t.Errorf("%s - expected app_req_id 7, got %v", transportTestPrefix, req["app_req_id"])
	}
}

func TestNewError_Statuses(t *testing.T) {
	tests := []struct {
		kind      Kind
		status    int
		retryable bool
	}{
		{KindUnauthenticated, http.StatusUnauthorized, false},
		{KindNotFound, http.StatusNotFound, false},
		{KindForbidden, http.StatusForbidden, false},
		{KindNoCapacity, http.StatusServiceUnavailable, true},
		{KindUpstreamProtocolError, http.StatusBadGateway, false},
		{KindDispatchTimeout, http.StatusGatewayTimeout, true},
		{KindTrustRootUnavailable, http.StatusInternalServerError, false},
		{KindInternal, http.StatusInternalServerError, true},
	}
	for _, tt := range tests {
		e := NewError(tt.kind, "x")
		if e.Status != tt.status || e.Retryable != tt.retryable {
			t.Errorf("%s - %s: got %d/%v, want %d/%v", transportTestPrefix, tt.kind, e.Status, e.Retryable, tt.status, tt.retryable)
		}
	}
}
