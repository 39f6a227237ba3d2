package limiter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts limiter outcomes. A nil *Metrics records nothing.
type Metrics struct {
	decisions *prometheus.CounterVec
	fallbacks *prometheus.CounterVec
}

// NewMetrics registers the limiter collectors with reg. A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "decisions_total",
			Help:      "Admission decisions by algorithm and outcome.",
		}, []string{"algorithm", "outcome"}),
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "store_fallbacks_total",
			Help:      "Requests admitted without a decision because the counter store failed.",
		}, []string{"algorithm"}),
	}
}

func (m *Metrics) observeDecision(algorithm Algorithm, allowed bool) {
	if m == nil {
		return
	}
	outcome := "allowed"
	if !allowed {
		outcome = "rejected"
	}
	m.decisions.WithLabelValues(string(algorithm), outcome).Inc()
}

func (m *Metrics) observeFallback(algorithm Algorithm) {
	if m == nil {
		return
	}
	m.fallbacks.WithLabelValues(string(algorithm)).Inc()
}
