package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Message directions.
const (
	DirectionInbound  = "in"
	DirectionOutbound = "out"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"component", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fixctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"component", "method", "path", "status"},
	)
	sessionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fixctl",
			Subsystem: "session",
			Name:      "active",
			Help:      "Sessions currently logged on.",
		},
		[]string{"role"},
	)
	sessionLogons = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixctl",
			Subsystem: "session",
			Name:      "logons_total",
			Help:      "Logon attempts by outcome.",
		},
		[]string{"role", "outcome"},
	)
	sessionTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixctl",
			Subsystem: "session",
			Name:      "terminations_total",
			Help:      "Session terminations by reason.",
		},
		[]string{"role", "reason"},
	)
	sessionMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixctl",
			Subsystem: "session",
			Name:      "messages_total",
			Help:      "FIX messages by direction and type.",
		},
		[]string{"direction", "msg_type"},
	)
	sessionSequenceEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixctl",
			Subsystem: "session",
			Name:      "sequence_events_total",
			Help:      "Sequence gaps, stale messages and replays.",
		},
		[]string{"kind"},
	)
	dispatchDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fixctl",
			Subsystem: "dispatch",
			Name:      "dropped_total",
			Help:      "Application events dropped because a session queue was full.",
		},
		[]string{"kind"},
	)
	sessionLogonDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fixctl",
			Subsystem: "session",
			Name:      "logon_duration_seconds",
			Help:      "Time from connect to an accepted Logon.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionsActive,
			sessionLogons,
			sessionTerminations,
			sessionMessages,
			sessionSequenceEvents,
			sessionLogonDuration,
			dispatchDropped,
		)
	})
}

func RecordHTTPRequest(component, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(component, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(component, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordLogon counts one Logon outcome ("accepted", "rejected", "duplicate").
func RecordLogon(role, outcome string, sinceConnect time.Duration) {
	RegisterMetrics()
	sessionLogons.WithLabelValues(role, outcome).Inc()
	if outcome == "accepted" {
		sessionsActive.WithLabelValues(role).Inc()
		sessionLogonDuration.WithLabelValues(role).Observe(sinceConnect.Seconds())
	}
}

// RecordTermination counts a session exit. wasActive decrements the gauge.
func RecordTermination(role, reason string, wasActive bool) {
	RegisterMetrics()
	sessionTerminations.WithLabelValues(role, reason).Inc()
	if wasActive {
		sessionsActive.WithLabelValues(role).Dec()
	}
}

func RecordMessage(direction, msgType string) {
	RegisterMetrics()
	sessionMessages.WithLabelValues(direction, msgType).Inc()
}

// RecordSequenceEvent counts "gap", "stale", "replay" and "queue_overflow".
func RecordSequenceEvent(kind string) {
	RegisterMetrics()
	sessionSequenceEvents.WithLabelValues(kind).Inc()
}

func RecordDispatchDrop(kind string) {
	RegisterMetrics()
	dispatchDropped.WithLabelValues(kind).Inc()
}
