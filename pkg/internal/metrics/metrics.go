package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "courier"

var (
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "events_published_total",
		Help:      "Events published to rooms, by event name.",
	}, []string{"event"})

	DeliveryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "delivery_failures_total",
		Help:      "Sessions that could not be reached during a publish.",
	}, []string{"mode"})

	Resyncs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "resyncs_total",
		Help:      "Poll requests answered with a resync signal.",
	})

	Sessions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "transport",
		Name:      "sessions",
		Help:      "Attached sessions, by transport mode.",
	}, []string{"mode"})

	CounterRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "counter_repairs_total",
		Help:      "Unread counters recomputed after drift was detected.",
	})

	MarkersFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "markers_flushed_total",
		Help:      "Read markers written to the marker store.",
	})

	MessagesCommitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "operations_total",
		Help:      "Committed message lifecycle operations.",
	}, []string{"operation"})
)
