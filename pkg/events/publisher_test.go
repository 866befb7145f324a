package events

import (
	"context"
	"encoding/json"
	"testing"
)

func TestNoOpPublisher(t *testing.T) {
	pub := &NoOpPublisher{}
	if err := pub.PublishDeviceMetrics(context.Background(), &DeviceMetricsEvent{User: "alice"}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := pub.PublishVMLoad(context.Background(), &VMLoadEvent{VMID: 1, CPU: 3}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCallbackPublisher(t *testing.T) {
	var captured []interface{}

	pub := NewCallbackPublisher(func(_ context.Context, event interface{}) error {
		captured = append(captured, event)
		return nil
	})

	device := &DeviceMetricsEvent{
		User:       "alice",
		Metrics:    json.RawMessage(`{"battery":80}`),
		ReceivedAt: "2025-01-01T00:00:00Z",
	}
	if err := pub.PublishDeviceMetrics(context.Background(), device); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if err := pub.PublishVMLoad(context.Background(), &VMLoadEvent{VMID: 2, CPU: 8}); err != nil {
		t.Errorf("expected no error, got %v", err)
	}

	if len(captured) != 2 {
		t.Fatalf("expected 2 events, got %d", len(captured))
	}
	if got, ok := captured[0].(*DeviceMetricsEvent); !ok || got.User != "alice" {
		t.Errorf("expected alice's device metrics, got %#v", captured[0])
	}
	if got, ok := captured[1].(*VMLoadEvent); !ok || got.VMID != 2 {
		t.Errorf("expected VM 2 load, got %#v", captured[1])
	}
}
