// Package dispatcher runs one function offload end to end: it authorizes the
// caller, reads the function and its requirement from the inventory, picks a
// worker and relays the worker's result.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/morezero/edge-cluster-frontend/pkg/auth"
	"github.com/morezero/edge-cluster-frontend/pkg/balancer"
	"github.com/morezero/edge-cluster-frontend/pkg/broker"
	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
	"github.com/morezero/edge-cluster-frontend/pkg/metrics"
	"github.com/morezero/edge-cluster-frontend/pkg/semver"
)

const logPrefix = "dispatcher:dispatch"

// DefaultTimeout bounds a whole dispatch.
const DefaultTimeout = 600 * time.Second

// Authorizer verifies capability tokens.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (*auth.Identity, error)
}

// Inventory is the backend the dispatcher reads workers from.
type Inventory interface {
	cluster.SessionOpener
	cluster.Directory
	cluster.Monitor
	cluster.Templates
}

// Config tunes worker selection and the dispatch deadline.
type Config struct {
	Timeout   time.Duration
	Threshold float64
	Scheme    string
	Port      int
}

// Dispatcher executes offload requests.
type Dispatcher struct {
	auth      Authorizer
	inventory Inventory
	transport Transport
	cfg       Config
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(authz Authorizer, inv Inventory, transport Transport, cfg Config) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Dispatcher{auth: authz, inventory: inv, transport: transport, cfg: cfg}
}

// Authorize verifies token and returns the identity it carries, for
// endpoints that only need an authenticated caller.
func (d *Dispatcher) Authorize(ctx context.Context, token string) (*auth.Identity, error) {
	id, err := d.auth.Authorize(ctx, token)
	if err != nil {
		return nil, classify(err)
	}
	return id, nil
}

// Execute runs req under the dispatch deadline. Every failure is returned as
// an *Error.
func (d *Dispatcher) Execute(ctx context.Context, req *ExecuteRequest) (*Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	res, err := d.execute(ctx, req)
	if err != nil {
		derr := classify(err)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && derr.Kind != KindWorkerReportedFailure {
			derr = NewError(KindDispatchTimeout, "dispatch deadline exceeded")
		}
		metrics.RecordDispatch(d.transport.Name(), strings.ToLower(string(derr.Kind)), time.Since(start))
		slog.Warn(fmt.Sprintf("%s - function %d (requirement %d) failed: %v", logPrefix, req.FunctionID, req.AppReqID, err))
		return nil, derr
	}
	metrics.RecordDispatch(d.transport.Name(), "ok", time.Since(start))
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, req *ExecuteRequest) (*Result, error) {
	mode := req.Mode
	if mode == "" {
		mode = broker.ModeSync
	}

	id, err := d.auth.Authorize(ctx, req.Token)
	if err != nil {
		return nil, err
	}

	session, err := d.inventory.Open(ctx, cluster.Credentials{User: id.User, Password: id.Password})
	if err != nil {
		return nil, err
	}
	fn, err := session.Function(ctx, req.FunctionID)
	if err != nil {
		return nil, err
	}
	requirement, err := session.Requirement(ctx, req.AppReqID)
	if err != nil {
		return nil, err
	}

	candidates, err := d.candidates(ctx, session, requirement)
	if err != nil {
		return nil, err
	}
	ranked, err := balancer.Select(ctx, d.inventory, candidates, balancer.Options{Threshold: d.cfg.Threshold})
	if err != nil {
		return nil, err
	}
	target, err := balancer.Resolve(ctx, d.inventory, ranked, balancer.ResolveOptions{Scheme: d.cfg.Scheme, Port: d.cfg.Port})
	if err != nil {
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - function %d -> VM %d (%s) flavour %q via %s",
		logPrefix, fn.ID, target.VM, target.Endpoint, requirement.Flavour, d.transport.Name()))

	payload, err := json.Marshal(prepareRequest(fn, req.Params, req.AppReqID))
	if err != nil {
		return nil, fmt.Errorf("%s - encode request: %w", logPrefix, err)
	}
	result, err := d.transport.Deliver(ctx, target, requirement.Flavour, mode, payload)
	if err != nil {
		return nil, err
	}
	if !result.OK() {
		return nil, workerFailure(result)
	}
	return &Result{Code: result.Code, Message: result.Message, VM: target.VM, Transport: d.transport.Name()}, nil
}

// candidates returns the VMs of the active services for the requirement's
// flavour that are running in the caller's scope, in directory order.
func (d *Dispatcher) candidates(ctx context.Context, session cluster.Session, requirement *cluster.Requirement) ([]int, error) {
	constraint, err := semver.ParseConstraint(requirement.RuntimeVersion)
	if err != nil {
		return nil, err
	}
	services, err := d.inventory.ActiveServices(ctx, requirement.Flavour)
	if err != nil {
		return nil, err
	}
	services = semver.FilterServices(services, constraint)
	if len(services) == 0 {
		return nil, fmt.Errorf("%w: no active service for flavour %q (runtime %s)", balancer.ErrNoCapacity, requirement.Flavour, constraint)
	}

	running, err := session.RunningVMs(ctx)
	if err != nil {
		return nil, err
	}
	inScope := make(map[int]bool, len(running))
	for _, id := range running {
		inScope[id] = true
	}

	var out []int
	for _, id := range semver.CandidateVMs(services) {
		if inScope[id] {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no running worker for flavour %q", balancer.ErrNoCapacity, requirement.Flavour)
	}
	return out, nil
}
