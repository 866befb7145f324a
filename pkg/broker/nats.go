package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/morezero/edge-cluster-frontend/pkg/commsutil"
)

const natsLogPrefix = "broker:nats"

// DefaultStreamName is the JetStream work-queue stream holding pending calls.
const DefaultStreamName = "OFFLOAD"

// NATSOptions configures a NATSBroker. Zero values use defaults.
type NATSOptions struct {
	ResultsSubject string
	OffloadPrefix  string
	// JetStream publishes calls to a work-queue stream instead of core NATS,
	// so calls published while no worker is connected are kept.
	JetStream  bool
	StreamName string
	// MaxCallAge bounds how long an undelivered call stays in the stream.
	MaxCallAge time.Duration
}

// NATSBroker implements Broker on a COMMS connection. Reply queues are
// per-call subscriptions on <results>.<call id>.
type NATSBroker struct {
	nc             *comms.Conn
	js             jetstream.JetStream
	resultsSubject string
	offloadPrefix  string
}

// NewNATSBroker creates a broker on nc. With JetStream enabled the offload
// stream is created or updated.
func NewNATSBroker(ctx context.Context, nc *comms.Conn, opts NATSOptions) (*NATSBroker, error) {
	b := &NATSBroker{
		nc:             nc,
		resultsSubject: opts.ResultsSubject,
		offloadPrefix:  opts.OffloadPrefix,
	}
	if b.resultsSubject == "" {
		b.resultsSubject = commsutil.SubjectResults
	}
	if b.offloadPrefix == "" {
		b.offloadPrefix = commsutil.SubjectOffloadPrefix
	}
	if !opts.JetStream {
		return b, nil
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("%s - jetstream: %w", natsLogPrefix, err)
	}
	if _, err := EnsureOffloadStream(ctx, js, opts.StreamName, b.offloadPrefix, opts.MaxCallAge); err != nil {
		return nil, err
	}
	b.js = js
	return b, nil
}

// EnsureOffloadStream creates or updates the work-queue stream capturing every
// flavour subject under prefix.
func EnsureOffloadStream(ctx context.Context, js jetstream.JetStream, name, prefix string, maxAge time.Duration) (jetstream.Stream, error) {
	if name == "" {
		name = DefaultStreamName
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{commsutil.BuildOffloadWildcard(prefix)},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("%s - ensure stream %s: %w", natsLogPrefix, name, err)
	}
	slog.Info(fmt.Sprintf("%s - Offload stream %s ready", natsLogPrefix, name))
	return stream, nil
}

// Bind subscribes to the call's reply subject and flushes so the server has
// registered the interest before any call is published.
func (b *NATSBroker) Bind(ctx context.Context, callID string) (ReplyQueue, error) {
	subject := commsutil.BuildResultsSubject(b.resultsSubject, callID)
	sub, err := b.nc.SubscribeSync(subject)
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", natsLogPrefix, subject, err)
	}
	if err := commsutil.Flush(ctx, b.nc); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%s - flush subscription %s: %w", natsLogPrefix, subject, err)
	}
	slog.Debug(fmt.Sprintf("%s - Reply queue bound on %s", natsLogPrefix, subject))
	return &natsReplyQueue{sub: sub}, nil
}

// Publish sends data to the flavour subject.
func (b *NATSBroker) Publish(ctx context.Context, flavour string, data []byte) error {
	subject := commsutil.BuildOffloadSubject(b.offloadPrefix, flavour)
	if b.js != nil {
		ack, err := b.js.Publish(ctx, subject, data)
		if err != nil {
			return fmt.Errorf("%s - jetstream publish %s: %w", natsLogPrefix, subject, err)
		}
		slog.Debug(fmt.Sprintf("%s - Stored call in %s seq %d", natsLogPrefix, ack.Stream, ack.Sequence))
		return nil
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("%s - publish %s: %w", natsLogPrefix, subject, err)
	}
	return commsutil.Flush(ctx, b.nc)
}

type natsReplyQueue struct {
	sub  *comms.Subscription
	once sync.Once
	err  error
}

func (q *natsReplyQueue) Next(ctx context.Context) ([]byte, error) {
	msg, err := q.sub.NextMsgWithContext(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return msg.Data, nil
}

func (q *natsReplyQueue) Release() error {
	q.once.Do(func() {
		err := q.sub.Unsubscribe()
		if errors.Is(err, comms.ErrConnectionClosed) || errors.Is(err, comms.ErrBadSubscription) {
			err = nil
		}
		q.err = err
	})
	return q.err
}
