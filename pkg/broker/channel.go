package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	uuid "github.com/nu7hatch/gouuid"

	"github.com/morezero/edge-cluster-frontend/pkg/commsutil"
	"github.com/morezero/edge-cluster-frontend/pkg/metrics"
)

const logPrefix = "broker:channel"

// ReplyQueue is a private queue receiving the results of one call.
type ReplyQueue interface {
	// Next blocks until a message arrives or ctx is done.
	Next(ctx context.Context) ([]byte, error)
	// Release removes the queue. It is safe to call more than once.
	Release() error
}

// Broker is the messaging transport under a Channel.
type Broker interface {
	// Bind creates the reply queue for callID. The queue must be receiving
	// when Bind returns.
	Bind(ctx context.Context, callID string) (ReplyQueue, error)
	// Publish sends a call envelope to the workers of flavour.
	Publish(ctx context.Context, flavour string, data []byte) error
}

// State is a step in the life of one call.
type State string

const (
	StateCreated       State = "CREATED"
	StateBound         State = "REPLY_CHANNEL_BOUND"
	StatePublished     State = "PUBLISHED"
	StateAwaiting      State = "AWAITING_RESULT"
	StateResulted      State = "RESULTED"
	StateTimedOut      State = "TIMED_OUT"
	StateProtocolError State = "PROTOCOL_ERROR"
	// StateFailed ends a call whose transport failed before a result arrived.
	StateFailed State = "FAILED"
)

// Tracer observes call state transitions.
type Tracer func(callID string, state State)

// Channel performs broker calls.
type Channel struct {
	broker Broker
	tracer Tracer
	newID  func() (string, error)
}

// ChannelOption configures a Channel.
type ChannelOption func(*Channel)

// WithTracer installs a state transition observer.
func WithTracer(t Tracer) ChannelOption {
	return func(c *Channel) { c.tracer = t }
}

// WithIDGenerator overrides call id generation.
func WithIDGenerator(fn func() (string, error)) ChannelOption {
	return func(c *Channel) { c.newID = fn }
}

// NewChannel creates a Channel over b.
func NewChannel(b Broker, opts ...ChannelOption) *Channel {
	c := &Channel{broker: b, newID: newCallID}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newCallID() (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Call publishes payload to the workers of flavour and waits for the result
// of this call. The reply queue is bound before publishing and released on
// every return path. Call has no deadline of its own; ctx bounds the wait.
func (c *Channel) Call(ctx context.Context, flavour string, mode Mode, payload json.RawMessage) (*ResultEnvelope, error) {
	callID, err := c.newID()
	if err != nil {
		return nil, fmt.Errorf("%s - generate call id: %w", logPrefix, err)
	}
	c.trace(callID, StateCreated)

	data, err := commsutil.EncodePayload(CallEnvelope{RequestID: callID, Mode: mode, Payload: payload})
	if err != nil {
		c.trace(callID, StateFailed)
		return nil, fmt.Errorf("%s - encode call %s: %w", logPrefix, callID, err)
	}

	queue, err := c.broker.Bind(ctx, callID)
	if err != nil {
		c.trace(callID, c.failureState(ctx))
		return nil, fmt.Errorf("%s - bind reply queue for %s: %w", logPrefix, callID, err)
	}
	defer func() {
		if err := queue.Release(); err != nil {
			slog.Warn(fmt.Sprintf("%s - release reply queue for %s: %v", logPrefix, callID, err))
		}
	}()
	c.trace(callID, StateBound)

	metrics.CallStarted()
	defer metrics.CallFinished()

	if err := c.broker.Publish(ctx, flavour, data); err != nil {
		c.trace(callID, c.failureState(ctx))
		return nil, fmt.Errorf("%s - publish call %s to %q: %w", logPrefix, callID, flavour, err)
	}
	c.trace(callID, StatePublished)
	slog.Info(fmt.Sprintf("%s - Published call %s to flavour %q (%s)", logPrefix, callID, flavour, mode))

	c.trace(callID, StateAwaiting)
	for {
		raw, err := queue.Next(ctx)
		if err != nil {
			c.trace(callID, c.failureState(ctx))
			return nil, fmt.Errorf("%s - await result of %s: %w", logPrefix, callID, err)
		}
		result, err := DecodeResult(raw)
		if err != nil {
			c.trace(callID, StateProtocolError)
			slog.Error(fmt.Sprintf("%s - unexpected message for call %s: %v", logPrefix, callID, err))
			return nil, err
		}
		if result.RequestID != "" && result.RequestID != callID {
			slog.Warn(fmt.Sprintf("%s - dropping result for %s delivered to call %s", logPrefix, result.RequestID, callID))
			continue
		}
		c.trace(callID, StateResulted)
		slog.Info(fmt.Sprintf("%s - Result for call %s received (code %d)", logPrefix, callID, result.Code))
		return result, nil
	}
}

func (c *Channel) failureState(ctx context.Context) State {
	if ctx.Err() != nil {
		return StateTimedOut
	}
	return StateFailed
}

func (c *Channel) trace(callID string, s State) {
	if c.tracer != nil {
		c.tracer(callID, s)
	}
}
