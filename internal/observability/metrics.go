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
			Namespace: "worldsync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "worldsync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	messages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "world",
			Name:      "messages_total",
			Help:      "Protocol envelopes by direction and type.",
		},
		[]string{"world", "direction", "type"},
	)
	records = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "world",
			Name:      "records_total",
			Help:      "Validated delta records by outcome.",
		},
		[]string{"world", "outcome"},
	)
	faults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worldsync",
			Subsystem: "world",
			Name:      "faults_total",
			Help:      "Dropped or fatal inbound messages by kind.",
		},
		[]string{"world", "kind"},
	)
	stateVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "worldsync",
			Subsystem: "world",
			Name:      "state_version",
			Help:      "Current authority state version.",
		},
		[]string{"world"},
	)
	participants = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "worldsync",
			Subsystem: "world",
			Name:      "participants",
			Help:      "Running participants.",
		},
		[]string{"world"},
	)
	tickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "worldsync",
			Subsystem: "world",
			Name:      "tick_duration_seconds",
			Help:      "Authority tick duration in seconds.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"world"},
	)
	rtt = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "worldsync",
			Subsystem: "session",
			Name:      "rtt_seconds",
			Help:      "Ping round trip time in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"world"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			messages, records, faults,
			stateVersion, participants, tickDuration, rtt,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// Direction labels for RecordMessage.
const (
	DirectionIn  = "in"
	DirectionOut = "out"
)

func RecordMessage(world, direction, msgType string) {
	RegisterMetrics()
	messages.WithLabelValues(world, direction, msgType).Inc()
}

func RecordValidation(world string, accepted, rejected int) {
	RegisterMetrics()
	if accepted > 0 {
		records.WithLabelValues(world, "accepted").Add(float64(accepted))
	}
	if rejected > 0 {
		records.WithLabelValues(world, "rejected").Add(float64(rejected))
	}
}

// Fault kinds for RecordFault.
const (
	FaultProtocol      = "protocol_error"
	FaultOrdering      = "ordering_violation"
	FaultUnknownTarget = "unknown_target"
	FaultQueueFull     = "queue_full"
)

func RecordFault(world, kind string) {
	RegisterMetrics()
	faults.WithLabelValues(world, kind).Inc()
}

func SetWorldState(world string, version uint64, running int) {
	RegisterMetrics()
	stateVersion.WithLabelValues(world).Set(float64(version))
	participants.WithLabelValues(world).Set(float64(running))
}

func ObserveTick(world string, d time.Duration) {
	RegisterMetrics()
	tickDuration.WithLabelValues(world).Observe(d.Seconds())
}

func ObserveRTT(world string, d time.Duration) {
	RegisterMetrics()
	rtt.WithLabelValues(world).Observe(d.Seconds())
}
