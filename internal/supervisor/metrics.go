package supervisor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the sponsorship counters on a caller-owned registry so tests
// can run side by side without colliding on the default one.
type Metrics struct {
	registry  *prometheus.Registry
	sponsored prometheus.Counter
	rejected  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		sponsored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aa_sponsored_total",
			Help: "Sponsorship requests signed by the paymaster.",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aa_rejected_total",
			Help: "Sponsorship requests refused, by reason code.",
		}, []string{"reason"}),
	}
	m.registry.MustRegister(m.sponsored, m.rejected)
	return m
}

func (m *Metrics) SponsoredInc() {
	if m == nil {
		return
	}
	m.sponsored.Inc()
}

func (m *Metrics) RejectedInc(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}

// Registry exposes the backing registry for the HTTP /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
