package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	comms "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/morezero/edge-cluster-frontend/pkg/broker"
	"github.com/morezero/edge-cluster-frontend/pkg/commsutil"
)

const logPrefix = "worker:worker"

// Options configures a Worker. Zero values use defaults.
type Options struct {
	Flavour        string
	ResultsSubject string
	OffloadPrefix  string
	// JetStream consumes through a durable work-queue consumer with explicit
	// acks. Otherwise calls arrive on a core queue group.
	JetStream  bool
	StreamName string
	// RuntimeTimeout bounds one execution on the local runtime.
	RuntimeTimeout time.Duration
}

// Worker serves offload calls for one flavour, one at a time.
type Worker struct {
	nc      *comms.Conn
	runtime Runtime
	opts    Options
}

// New creates a Worker.
func New(nc *comms.Conn, runtime Runtime, opts Options) (*Worker, error) {
	if opts.Flavour == "" {
		return nil, fmt.Errorf("%s - flavour is required", logPrefix)
	}
	if opts.ResultsSubject == "" {
		opts.ResultsSubject = commsutil.SubjectResults
	}
	if opts.OffloadPrefix == "" {
		opts.OffloadPrefix = commsutil.SubjectOffloadPrefix
	}
	if opts.StreamName == "" {
		opts.StreamName = broker.DefaultStreamName
	}
	if opts.RuntimeTimeout <= 0 {
		opts.RuntimeTimeout = 600 * time.Second
	}
	return &Worker{nc: nc, runtime: runtime, opts: opts}, nil
}

// QueueGroup returns the core queue group shared by the workers of a flavour.
func QueueGroup(flavour string) string {
	return "workers." + commsutil.SafeToken(flavour)
}

// ConsumerName returns the durable JetStream consumer of a flavour.
func ConsumerName(flavour string) string {
	return "worker_" + commsutil.SafeToken(flavour)
}

// Run consumes calls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if w.opts.JetStream {
		return w.runJetStream(ctx)
	}
	return w.runCore(ctx)
}

func (w *Worker) runCore(ctx context.Context) error {
	subject := commsutil.BuildOffloadSubject(w.opts.OffloadPrefix, w.opts.Flavour)
	// Subscription callbacks run sequentially, so one call is in flight.
	sub, err := w.nc.QueueSubscribe(subject, QueueGroup(w.opts.Flavour), func(msg *comms.Msg) {
		w.Handle(ctx, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("%s - subscribe %s: %w", logPrefix, subject, err)
	}
	if err := commsutil.Flush(ctx, w.nc); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("%s - flush subscription %s: %w", logPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Consuming %s (queue %s)", logPrefix, subject, QueueGroup(w.opts.Flavour)))

	<-ctx.Done()
	if err := sub.Drain(); err != nil && !errors.Is(err, comms.ErrConnectionClosed) {
		slog.Warn(fmt.Sprintf("%s - drain %s: %v", logPrefix, subject, err))
	}
	return nil
}

func (w *Worker) runJetStream(ctx context.Context) error {
	js, err := jetstream.New(w.nc)
	if err != nil {
		return fmt.Errorf("%s - jetstream: %w", logPrefix, err)
	}
	stream, err := js.Stream(ctx, w.opts.StreamName)
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		stream, err = broker.EnsureOffloadStream(ctx, js, w.opts.StreamName, w.opts.OffloadPrefix, 0)
	}
	if err != nil {
		return fmt.Errorf("%s - offload stream %s: %w", logPrefix, w.opts.StreamName, err)
	}

	subject := commsutil.BuildOffloadSubject(w.opts.OffloadPrefix, w.opts.Flavour)
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ConsumerName(w.opts.Flavour),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       w.opts.RuntimeTimeout + 30*time.Second,
		MaxAckPending: 1,
	})
	if err != nil {
		return fmt.Errorf("%s - consumer for %s: %w", logPrefix, subject, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		w.Handle(ctx, msg.Data())
		if err := msg.Ack(); err != nil {
			slog.Warn(fmt.Sprintf("%s - ack on %s: %v", logPrefix, subject, err))
		}
	})
	if err != nil {
		return fmt.Errorf("%s - consume %s: %w", logPrefix, subject, err)
	}
	slog.Info(fmt.Sprintf("%s - Consuming %s from stream %s (durable %s)", logPrefix, subject, w.opts.StreamName, ConsumerName(w.opts.Flavour)))

	<-ctx.Done()
	cc.Stop()
	return nil
}

// Handle runs one call and publishes its result. Calls that cannot be decoded
// carry no reply subject and are dropped.
func (w *Worker) Handle(ctx context.Context, data []byte) {
	var call broker.CallEnvelope
	if err := commsutil.DecodePayload(data, &call); err != nil {
		slog.Error(fmt.Sprintf("%s - dropping undecodable call: %v", logPrefix, err))
		return
	}
	if call.RequestID == "" {
		slog.Error(fmt.Sprintf("%s - dropping call without request_id", logPrefix))
		return
	}
	mode := call.Mode
	if mode == "" {
		mode = broker.ModeSync
	}

	runCtx, cancel := context.WithTimeout(ctx, w.opts.RuntimeTimeout)
	defer cancel()
	start := time.Now()
	result, err := w.runtime.Execute(runCtx, mode, call.Payload)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - call %s failed on the runtime: %v", logPrefix, call.RequestID, err))
		result = unavailable()
	}
	result.RequestID = call.RequestID
	slog.Info(fmt.Sprintf("%s - call %s finished with %d in %v", logPrefix, call.RequestID, result.Code, time.Since(start)))

	out, err := commsutil.EncodePayload(result)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - encode result of %s: %v", logPrefix, call.RequestID, err))
		return
	}
	subject := commsutil.BuildResultsSubject(w.opts.ResultsSubject, call.RequestID)
	if err := w.nc.Publish(subject, out); err != nil {
		slog.Error(fmt.Sprintf("%s - publish result to %s: %v", logPrefix, subject, err))
		return
	}
	if err := w.nc.Flush(); err != nil {
		slog.Warn(fmt.Sprintf("%s - flush result of %s: %v", logPrefix, call.RequestID, err))
	}
}

func unavailable() *broker.ResultEnvelope {
	return &broker.ResultEnvelope{Code: http.StatusServiceUnavailable, Message: []byte(`"serverless runtime unavailable"`)}
}
