package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline's Prometheus collectors on a private
// registry, mirroring the HTTP API's setup.
type Metrics struct {
	registry       *prometheus.Registry
	ingested       *prometheus.CounterVec
	malformed      *prometheus.CounterVec
	writeErrors    prometheus.Counter
	presence       *prometheus.CounterVec
	sessionErrors  *prometheus.CounterVec
	categoryMapped *prometheus.CounterVec
	categoryErrors prometheus.Counter
	sweepReclaimed prometheus.Counter
}

func newMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsight",
			Name:      "events_ingested_total",
			Help:      "Normalized events accepted by the pipeline",
		}, []string{"platform", "type"}),
		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsight",
			Name:      "events_malformed_total",
			Help:      "Raw payloads dropped during normalization",
		}, []string{"platform"}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamsight",
			Name:      "event_write_errors_total",
			Help:      "Events that failed to persist",
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsight",
			Name:      "presence_signals_total",
			Help:      "Presence signals handled by the session tracker",
		}, []string{"kind"}),
		sessionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsight",
			Name:      "session_errors_total",
			Help:      "Session operations that failed",
		}, []string{"op"}),
		categoryMapped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "streamsight",
			Name:      "categories_mapped_total",
			Help:      "Category updates resolved against the catalog",
		}, []string{"method"}),
		categoryErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamsight",
			Name:      "category_errors_total",
			Help:      "Category updates that failed to resolve",
		}),
		sweepReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "streamsight",
			Name:      "stale_sessions_reclaimed_total",
			Help:      "Open sessions force-closed by the staleness sweep",
		}),
	}

	registry.MustRegister(
		m.ingested,
		m.malformed,
		m.writeErrors,
		m.presence,
		m.sessionErrors,
		m.categoryMapped,
		m.categoryErrors,
		m.sweepReclaimed,
	)

	return m
}

// trackOpenSessions registers a gauge backed by the tracker's live count.
func (m *Metrics) trackOpenSessions(f func() float64) {
	if m == nil || f == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "streamsight",
		Name:      "open_sessions",
		Help:      "Viewer sessions currently held open by the tracker",
	}, f))
}

// Registry returns the private registry for exposure via promhttp.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncIngested(platform, eventType string) {
	if m == nil {
		return
	}
	m.ingested.WithLabelValues(platform, eventType).Inc()
}

func (m *Metrics) IncMalformed(platform string) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(platform).Inc()
}

func (m *Metrics) IncWriteErrors() {
	if m == nil {
		return
	}
	m.writeErrors.Inc()
}

func (m *Metrics) IncPresence(kind string) {
	if m == nil {
		return
	}
	m.presence.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncSessionErrors(op string) {
	if m == nil {
		return
	}
	m.sessionErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) IncCategoryMapped(method string) {
	if m == nil {
		return
	}
	m.categoryMapped.WithLabelValues(method).Inc()
}

func (m *Metrics) IncCategoryErrors() {
	if m == nil {
		return
	}
	m.categoryErrors.Inc()
}

func (m *Metrics) AddSweepReclaimed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweepReclaimed.Add(float64(n))
}
