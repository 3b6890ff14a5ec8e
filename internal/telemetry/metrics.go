// Package telemetry provides observability primitives for roastguard.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the admission engine.
type Metrics struct {
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	AdmissionsTotal     *prometheus.CounterVec
	DenialsTotal        *prometheus.CounterVec
	AdmitDuration       prometheus.Histogram
	SettledTotal        *prometheus.CounterVec
	PendingReservations prometheus.Gauge
	SpendMicros         prometheus.Counter
	OverrunsTotal       prometheus.Counter
	ReconcileFailures   prometheus.Counter
	KillSwitchEngaged   prometheus.Gauge
	AlertQueueLength    prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roastguard",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "roastguard",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roastguard",
			Name:      "admissions_total",
			Help:      "Total admission decisions by outcome.",
		}, []string{"outcome"}),

		DenialsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roastguard",
			Name:      "denials_total",
			Help:      "Total denied admissions by reason.",
		}, []string{"reason"}),

		AdmitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:                       "roastguard",
			Name:                            "admit_duration_seconds",
			Help:                            "Admission decision latency in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}),

		SettledTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "roastguard",
			Name:      "reservations_settled_total",
			Help:      "Total settled reservations by final state and settler.",
		}, []string{"state", "by"}),

		PendingReservations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roastguard",
			Name:      "pending_reservations",
			Help:      "Unsettled reservations in the store.",
		}),

		SpendMicros: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roastguard",
			Name:      "spend_micros_total",
			Help:      "Confirmed spend in millionths of a US dollar.",
		}),

		OverrunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roastguard",
			Name:      "estimate_overruns_total",
			Help:      "Confirmations whose actual cost exceeded the reserved estimate.",
		}),

		ReconcileFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "roastguard",
			Name:      "reconcile_failures_total",
			Help:      "Compensating releases that failed after retries.",
		}),

		KillSwitchEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roastguard",
			Name:      "killswitch_engaged",
			Help:      "1 when the kill switch is engaged.",
		}),

		AlertQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "roastguard",
			Name:      "alert_queue_length",
			Help:      "Current number of queued budget alerts.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.AdmissionsTotal,
		m.DenialsTotal,
		m.AdmitDuration,
		m.SettledTotal,
		m.PendingReservations,
		m.SpendMicros,
		m.OverrunsTotal,
		m.ReconcileFailures,
		m.KillSwitchEngaged,
		m.AlertQueueLength,
	)

	return m
}
