package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/edge-cluster-frontend/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalDeviceSubject additionally receives every device metrics event.
	// Empty disables the global copy.
	GlobalDeviceSubject string
}

// CommsPublisher publishes telemetry events to COMMS subjects.
type CommsPublisher struct {
	nc                  *comms.Conn
	globalDeviceSubject string
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc}
	if opts != nil {
		p.globalDeviceSubject = opts.GlobalDeviceSubject
	}
	return p
}

// PublishDeviceMetrics publishes event on the user's device metrics subject
// and, when configured, on the global subject.
func (p *CommsPublisher) PublishDeviceMetrics(_ context.Context, event *DeviceMetricsEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	subject := commsutil.BuildDeviceMetricsSubject(event.User)
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}

	if p.globalDeviceSubject != "" {
		if err := p.nc.Publish(p.globalDeviceSubject, data); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, p.globalDeviceSubject, err))
			return err
		}
	}

	slog.Debug(fmt.Sprintf("%s - Published device metrics for %s", commsPublisherLogPrefix, event.User))
	return nil
}

// PublishVMLoad publishes a worker CPU sample.
func (p *CommsPublisher) PublishVMLoad(_ context.Context, event *VMLoadEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}
	subject := commsutil.BuildVMLoadSubject(event.VMID)
	if err := p.nc.Publish(subject, data); err != nil {
		slog.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
		return err
	}
	return nil
}
