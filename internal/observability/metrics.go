package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgewire",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgewire",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	connectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "connections_active",
			Help:      "Currently admitted connections.",
		},
		[]string{"transport"},
	)
	connectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "connections_total",
			Help:      "Connections admitted since start.",
		},
		[]string{"transport"},
	)
	disconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "disconnects_total",
			Help:      "Connections removed, by cause.",
		},
		[]string{"transport", "cause"},
	)
	handshakes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "handshakes_total",
			Help:      "Handshake attempts by result.",
		},
		[]string{"transport", "result"},
	)
	handshakeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "handshake_duration_seconds",
			Help:      "Handshake round-trip duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"transport", "result"},
	)
	framesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "frames_total",
			Help:      "Complete frames extracted by the dispatch engine.",
		},
		[]string{"transport", "kind"},
	)
	malformedFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "malformed_frames_total",
			Help:      "Frames rejected by header validation.",
		},
		[]string{"transport"},
	)
	bytesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "bytes_received_total",
			Help:      "Bytes appended to accumulation buffers.",
		},
		[]string{"transport"},
	)
	bytesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "bytes_sent_total",
			Help:      "Bytes written to sockets.",
		},
		[]string{"transport"},
	)
	heartbeatFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "edgewire",
			Subsystem: "transport",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeat sends that failed and dropped the connection.",
		},
		[]string{"transport"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			connectionsActive,
			connectionsTotal,
			disconnects,
			handshakes,
			handshakeDuration,
			framesDispatched,
			malformedFrames,
			bytesReceived,
			bytesSent,
			heartbeatFailures,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnect(transport string) {
	RegisterMetrics()
	connectionsTotal.WithLabelValues(transport).Inc()
	connectionsActive.WithLabelValues(transport).Inc()
}

func RecordDisconnect(transport, cause string) {
	RegisterMetrics()
	connectionsActive.WithLabelValues(transport).Dec()
	disconnects.WithLabelValues(transport, cause).Inc()
}

func RecordHandshake(transport string, ok bool, duration time.Duration) {
	RegisterMetrics()
	result := "accepted"
	if !ok {
		result = "rejected"
	}
	handshakes.WithLabelValues(transport, result).Inc()
	handshakeDuration.WithLabelValues(transport, result).Observe(duration.Seconds())
}

// RecordFrame counts one extracted frame; control frames are counted but never forwarded.
func RecordFrame(transport string, control bool) {
	RegisterMetrics()
	kind := "application"
	if control {
		kind = "control"
	}
	framesDispatched.WithLabelValues(transport, kind).Inc()
}

func RecordMalformed(transport string) {
	RegisterMetrics()
	malformedFrames.WithLabelValues(transport).Inc()
}

func RecordBytesReceived(transport string, n int) {
	RegisterMetrics()
	bytesReceived.WithLabelValues(transport).Add(float64(n))
}

func RecordBytesSent(transport string, n int) {
	RegisterMetrics()
	bytesSent.WithLabelValues(transport).Add(float64(n))
}

func RecordHeartbeatFailure(transport string) {
	RegisterMetrics()
	heartbeatFailures.WithLabelValues(transport).Inc()
}
