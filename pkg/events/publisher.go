package events

import "context"

// EventPublisher is the interface for publishing telemetry events.
type EventPublisher interface {
	PublishDeviceMetrics(ctx context.Context, event *DeviceMetricsEvent) error
	PublishVMLoad(ctx context.Context, event *VMLoadEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (when no broker is configured).
type NoOpPublisher struct{}

// PublishDeviceMetrics is a no-op.
func (p *NoOpPublisher) PublishDeviceMetrics(_ context.Context, _ *DeviceMetricsEvent) error {
	return nil
}

// PublishVMLoad is a no-op.
func (p *NoOpPublisher) PublishVMLoad(_ context.Context, _ *VMLoadEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that hands every event to a callback (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event interface{}) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event interface{}) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishDeviceMetrics calls the callback.
func (p *CallbackPublisher) PublishDeviceMetrics(ctx context.Context, event *DeviceMetricsEvent) error {
	return p.callback(ctx, event)
}

// PublishVMLoad calls the callback.
func (p *CallbackPublisher) PublishVMLoad(ctx context.Context, event *VMLoadEvent) error {
	return p.callback(ctx, event)
}
