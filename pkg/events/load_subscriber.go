package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/edge-cluster-frontend/pkg/commsutil"
)

const loadSubscriberLogPrefix = "events:load_subscriber"

// LoadQueueGroup spreads load reports across frontend replicas so each sample
// is recorded once.
const LoadQueueGroup = "edge-cluster-frontend.load"

// LoadRecorder stores worker CPU samples.
type LoadRecorder interface {
	RecordCPUSample(ctx context.Context, vmID int, cpu float64) error
}

// SubscribeVMLoad records every worker load report received on nc. The
// caller unsubscribes the returned subscription on shutdown.
func SubscribeVMLoad(nc *comms.Conn, recorder LoadRecorder, timeout time.Duration) (*comms.Subscription, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sub, err := nc.QueueSubscribe(commsutil.BuildVMLoadWildcard(), LoadQueueGroup, func(msg *comms.Msg) {
		var event VMLoadEvent
		if err := commsutil.DecodePayload(msg.Data, &event); err != nil {
			slog.Warn(fmt.Sprintf("%s - dropping malformed load report on %s: %v", loadSubscriberLogPrefix, msg.Subject, err))
			return
		}
		if event.VMID <= 0 || event.CPU < 0 {
			slog.Warn(fmt.Sprintf("%s - dropping invalid load report %+v", loadSubscriberLogPrefix, event))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := recorder.RecordCPUSample(ctx, event.VMID, event.CPU); err != nil {
			slog.Error(fmt.Sprintf("%s - failed to record load of VM %d: %v", loadSubscriberLogPrefix, event.VMID, err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe: %w", loadSubscriberLogPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - Recording worker load from %s", loadSubscriberLogPrefix, commsutil.BuildVMLoadWildcard()))
	return sub, nil
}
