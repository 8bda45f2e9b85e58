package failover

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the counters the reconciler and applier update. They are
// exposed on the admin server's /metrics endpoint, in the same style as
// the per-service-id vectors the teacher's traffic-split watcher
// registers, but scoped to the whole controller rather than per backend
// since this controller has no per-subscriber fan-out to label by.
type Metrics struct {
	reconciliations prometheus.Counter
	patchesApplied  prometheus.Counter
	patchesFailed   prometheus.Counter
}

// NewMetrics registers the controller's counters with reg and returns
// the handle the reconciler and applier use to update them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reconciliations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failover_reconciliations_total",
			Help: "Number of times the decision function produced a patch.",
		}),
		patchesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failover_patches_applied_total",
			Help: "Number of TrafficSplit patches successfully applied.",
		}),
		patchesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "failover_patches_failed_total",
			Help: "Number of TrafficSplit patches that failed or timed out.",
		}),
	}
	reg.MustRegister(m.reconciliations, m.patchesApplied, m.patchesFailed)
	return m
}
