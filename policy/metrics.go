package policy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncMetrics tracks synchronizer runs. A nil *SyncMetrics records nothing.
type SyncMetrics struct {
	runs        *prometheus.CounterVec
	policies    prometheus.Gauge
	lastSuccess prometheus.Gauge
}

// NewSyncMetrics registers the synchronizer collectors with reg.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	factory := promauto.With(reg)
	return &SyncMetrics{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ratelimit",
			Name:      "policy_sync_total",
			Help:      "Policy synchronization attempts by result.",
		}, []string{"result"}),
		policies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratelimit",
			Name:      "policy_snapshot_entries",
			Help:      "Entries in the last published policy snapshot.",
		}),
		lastSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ratelimit",
			Name:      "policy_sync_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful publish.",
		}),
	}
}

func (m *SyncMetrics) observe(result string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(result).Inc()
}

func (m *SyncMetrics) published(s *Snapshot) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues("published").Inc()
	m.policies.Set(float64(s.Len()))
	m.lastSuccess.Set(float64(s.PublishedAt.Unix()))
}
