// Package events carries the telemetry side channel of the edge cluster:
// device metrics uploaded by clients and CPU load reported by workers.
package events

import "encoding/json"

// DeviceMetricsEvent is emitted when an authorized device uploads metrics.
type DeviceMetricsEvent struct {
	User       string          `json:"user"`
	Metrics    json.RawMessage `json:"metrics"`
	ReceivedAt string          `json:"receivedAt"`
}

// VMLoadEvent is a CPU sample reported by a worker VM.
type VMLoadEvent struct {
	VMID      int     `json:"vmId"`
	CPU       float64 `json:"cpu"`
	Timestamp string  `json:"timestamp"`
}
