package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors for the record path and the fan-out pipeline. Registered on
// the default registry and served by promhttp in cmd/api.
var (
	RecordsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_records_created_total",
		Help: "Attendance records created, by verification method.",
	}, []string{"method"})

	RecordsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_records_duplicate_total",
		Help: "Duplicate scans answered idempotently.",
	})

	RecordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_records_rejected_total",
		Help: "Record attempts rejected, by reason.",
	}, []string{"reason"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rollcall_events_published_total",
		Help: "Fan-out events published, by type.",
	}, []string{"type"})

	Subscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rollcall_subscribers",
		Help: "Currently connected live-view subscribers.",
	})

	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rollcall_subscribers_dropped_total",
		Help: "Subscribers evicted for falling behind.",
	})
)
