// Package metrics exposes prometheus collectors of the collaboration core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gophvault"

// Результаты допуска для метки result
const (
	AdmitCreated  = "created"
	AdmitJoined   = "joined"
	AdmitRejected = "rejected"
	AdmitFailed   = "failed"
)

// Metrics набор коллекторов подсистемы совместного редактирования
type Metrics struct {
	registry *prometheus.Registry

	Admissions      *prometheus.CounterVec
	AdmitRetries    prometheus.Counter
	Connections     prometheus.Gauge
	ChangesApplied  prometheus.Counter
	Resyncs         prometheus.Counter
	Handoffs        prometheus.Counter
	SessionsClosed  prometheus.Counter
	PersistFailures prometheus.Counter
	PersistedBytes  prometheus.Histogram
	LockRecreated   prometheus.Counter
	EventsDropped   prometheus.Counter
	ConnectsLimited prometheus.Counter
}

// New создает коллекторы и регистрирует их в собственном registry
// вместе с go/process коллекторами.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "admissions_total",
			Help:      "Connection admissions by result.",
		}, []string{"result"}),
		AdmitRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "admit_retries_total",
			Help:      "Admission retries caused by concurrent create or teardown.",
		}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "connections",
			Help:      "Admitted connections served by this instance.",
		}),
		ChangesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "changes_applied_total",
			Help:      "Changes applied to shared documents.",
		}),
		Resyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "resyncs_total",
			Help:      "Changes rejected with resync-required.",
		}),
		Handoffs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "master_handoffs_total",
			Help:      "Master role handoffs after the master disconnected.",
		}),
		SessionsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "sessions_closed_total",
			Help:      "Sessions torn down after the last participant left.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "persist_failures_total",
			Help:      "Final document writes that failed during teardown.",
		}),
		PersistedBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "persisted_document_bytes",
			Help:      "Size of documents written during teardown.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
		LockRecreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "lock_recreated_total",
			Help:      "Edit locks recreated by the heartbeat after expiry.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "events_dropped_total",
			Help:      "Events dropped for slow connections.",
		}),
		ConnectsLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "connect_rate_limited_total",
			Help:      "Collaboration connection attempts rejected by the rate limiter.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Admissions,
		m.AdmitRetries,
		m.Connections,
		m.ChangesApplied,
		m.Resyncs,
		m.Handoffs,
		m.SessionsClosed,
		m.PersistFailures,
		m.PersistedBytes,
		m.LockRecreated,
		m.EventsDropped,
		m.ConnectsLimited,
	)

	return m
}

// Registry возвращает registry с коллекторами
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler возвращает HTTP handler для GET /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
