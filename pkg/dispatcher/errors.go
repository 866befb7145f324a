package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/morezero/edge-cluster-frontend/pkg/auth"
	"github.com/morezero/edge-cluster-frontend/pkg/balancer"
	"github.com/morezero/edge-cluster-frontend/pkg/broker"
	"github.com/morezero/edge-cluster-frontend/pkg/cluster"
	"github.com/morezero/edge-cluster-frontend/pkg/semver"
)

// Kind classifies a dispatch failure.
type Kind string

const errorsLogPrefix = "dispatcher:errors"

const (
	KindUnauthenticated       Kind = "UNAUTHENTICATED"
	KindNotFound              Kind = "NOT_FOUND"
	KindForbidden             Kind = "FORBIDDEN"
	KindNoCapacity            Kind = "NO_CAPACITY"
	KindUpstreamProtocolError Kind = "UPSTREAM_PROTOCOL_ERROR"
	KindWorkerReportedFailure Kind = "WORKER_REPORTED_FAILURE"
	KindDispatchTimeout       Kind = "DISPATCH_TIMEOUT"
	KindTrustRootUnavailable  Kind = "TRUST_ROOT_UNAVAILABLE"
	KindInternal              Kind = "INTERNAL_ERROR"
)

// Error is the structured failure returned to callers of Execute.
type Error struct {
	Kind      Kind   `json:"kind"`
	Status    int    `json:"status"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	// Detail is the worker's message when Kind is WORKER_REPORTED_FAILURE.
	Detail json.RawMessage `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// NewError creates an Error with the default status for kind.
func NewError(kind Kind, message string) *Error {
	e := &Error{Kind: kind, Message: message}
	switch kind {
	case KindUnauthenticated:
		e.Status = http.StatusUnauthorized
	case KindNotFound:
		e.Status = http.StatusNotFound
	case KindForbidden:
		e.Status = http.StatusForbidden
	case KindNoCapacity:
		e.Status = http.StatusServiceUnavailable
		e.Retryable = true
	case KindUpstreamProtocolError:
		e.Status = http.StatusBadGateway
	case KindDispatchTimeout:
		e.Status = http.StatusGatewayTimeout
		e.Retryable = true
	case KindTrustRootUnavailable:
		e.Status = http.StatusInternalServerError
	default:
		e.Status = http.StatusInternalServerError
		e.Retryable = true
	}
	return e
}

// workerFailure relays a non-success result with the worker's status. A
// worker answering a non-200 status below 400 has not reported an error the
// caller could tell from success, so that is a protocol error instead.
func workerFailure(res *broker.ResultEnvelope) *Error {
	if res.Code < http.StatusBadRequest {
		e := NewError(KindUpstreamProtocolError, fmt.Sprintf("serverless runtime answered %d without a result", res.Code))
		e.Detail = res.Message
		return e
	}
	return &Error{
		Kind:    KindWorkerReportedFailure,
		Status:  res.Code,
		Message: res.Text(),
		Detail:  res.Message,
	}
}

// classify translates a failure from any stage into an Error. Messages of
// lookup and transport failures are replaced so raw backend errors never
// reach the caller.
func classify(err error) *Error {
	var derr *Error
	if errors.As(err, &derr) {
		return derr
	}
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		e := NewError(KindUnauthenticated, "Missing token in header")
		e.Status = http.StatusBadRequest
		return e
	case errors.Is(err, auth.ErrTrustRootUnavailable):
		return NewError(KindTrustRootUnavailable, "verification key unavailable")
	case errors.Is(err, auth.ErrUnauthenticated):
		slog.Info(fmt.Sprintf("%s - token rejected: %v", errorsLogPrefix, err))
		return NewError(KindUnauthenticated, "invalid token")
	case errors.Is(err, cluster.ErrUnauthenticated):
		slog.Info(fmt.Sprintf("%s - inventory rejected credentials: %v", errorsLogPrefix, err))
		return NewError(KindUnauthenticated, "inventory rejected the token credentials")
	case errors.Is(err, cluster.ErrForbidden):
		return NewError(KindForbidden, err.Error())
	case errors.Is(err, cluster.ErrNotFound), errors.Is(err, semver.ErrInvalidConstraint):
		return NewError(KindNotFound, err.Error())
	case errors.Is(err, balancer.ErrNoCapacity):
		return NewError(KindNoCapacity, "no worker available for the requested flavour")
	case errors.Is(err, broker.ErrProtocol):
		return NewError(KindUpstreamProtocolError, "unexpected message from serverless runtime")
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(KindDispatchTimeout, "dispatch deadline exceeded")
	default:
		return NewError(KindInternal, "dispatch failed")
	}
}
