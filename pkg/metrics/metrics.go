// Package metrics exposes Prometheus instrumentation for dispatches, key
// reloads, worker selection and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_frontend",
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Dispatched function executions by transport and outcome.",
		},
		[]string{"transport", "outcome"},
	)
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edge_frontend",
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Dispatch duration from authorization to result.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300, 600},
		},
		[]string{"transport", "outcome"},
	)
	keyReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_frontend",
			Subsystem: "auth",
			Name:      "key_reloads_total",
			Help:      "Verification key loads by result.",
		},
		[]string{"success"},
	)
	selections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_frontend",
			Subsystem: "balancer",
			Name:      "selections_total",
			Help:      "Worker selections by path taken.",
		},
		[]string{"path"},
	)
	pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "edge_frontend",
			Subsystem: "broker",
			Name:      "pending_calls",
			Help:      "Broker calls waiting for a result.",
		},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edge_frontend",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
)

// RegisterMetrics registers all collectors with the default registry.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(dispatches, dispatchDuration, keyReloads, selections, pendingCalls, httpRequests)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordDispatch(transport, outcome string, duration time.Duration) {
	dispatches.WithLabelValues(transport, outcome).Inc()
	dispatchDuration.WithLabelValues(transport, outcome).Observe(duration.Seconds())
}

func RecordKeyReload(success bool) {
	keyReloads.WithLabelValues(strconv.FormatBool(success)).Inc()
}

func RecordSelection(fastPath bool) {
	path := "ranked"
	if fastPath {
		path = "fast"
	}
	selections.WithLabelValues(path).Inc()
}

func CallStarted() {
	pendingCalls.Inc()
}

func CallFinished() {
	pendingCalls.Dec()
}

func RecordHTTPRequest(method, path string, status int) {
	httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
}
