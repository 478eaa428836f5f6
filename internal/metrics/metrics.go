// Package metrics holds the process-wide prometheus collectors. They are
// registered on the default registry and served by the control server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 1 for the current phase, 0 for the others.
	SessionPhase = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proposald_session_phase",
			Help: "Current session phase (1 for the active phase)",
		},
		[]string{"phase"},
	)

	SessionConnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposald_session_connects_total",
			Help: "Connection attempts by outcome",
		},
		[]string{"outcome"}, // outcome: opened, closed_normal, closed_abnormal
	)

	SessionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposald_session_reconnects_total",
			Help: "Scheduled reconnects by result",
		},
		[]string{"result"}, // result: scheduled, fired, skipped, cancelled
	)

	FramesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposald_frames_received_total",
			Help: "Inbound frames by handling result",
		},
		[]string{"result"}, // result: classified, unknown, malformed
	)

	FramesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposald_frames_sent_total",
			Help: "Outbound frames by result",
		},
		[]string{"result"}, // result: sent, dropped, failed
	)

	LedgerSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proposald_ledger_size",
		Help: "Notifications currently held by the ledger",
	})

	LedgerUnread = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proposald_ledger_unread",
		Help: "Unread notifications currently held by the ledger",
	})

	NotificationsAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposald_notifications_added_total",
			Help: "Notifications added to the ledger by kind",
		},
		[]string{"kind"},
	)

	LedgerEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proposald_ledger_evictions_total",
		Help: "Notifications evicted by the capacity bound",
	})

	PersistDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proposald_persist_duration_seconds",
			Help:    "Ledger persistence latency in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"status"},
	)

	SubscriberFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposald_subscriber_failures_total",
			Help: "Ledger fan-out failures by subscriber",
		},
		[]string{"subscriber"},
	)

	NativeAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposald_native_alerts_total",
			Help: "Native alert presentations by result",
		},
		[]string{"surface", "result"}, // result: shown, replaced, suppressed, rate_limited, failed, clicked
	)

	InAppQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proposald_inapp_backlog",
		Help: "Notifications waiting behind the current in-app modal",
	})

	InAppActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposald_inapp_actions_total",
			Help: "In-app modal dismissals by cause",
		},
		[]string{"action"}, // action: view, ignore, timeout, dismiss
	)

	Goroutines = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "proposald_goroutines",
			Help: "Supervised goroutines currently running, by name",
		},
		[]string{"name"},
	)

	GoroutineRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proposald_goroutine_restarts_total",
			Help: "Restarts of supervised loops after an error or panic",
		},
		[]string{"name"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "proposald_http_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "route", "status"},
	)
)

var phases = []string{"disconnected", "connecting", "connected"}

// SetSessionPhase flips the phase gauge to the given phase.
func SetSessionPhase(phase string) {
	for _, p := range phases {
		v := 0.0
		if p == phase {
			v = 1
		}
		SessionPhase.WithLabelValues(p).Set(v)
	}
}

func RecordPersist(err error, d time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	PersistDuration.WithLabelValues(status).Observe(d.Seconds())
}

func RecordHTTPRequest(method, route, status string, d time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(d.Seconds())
}
