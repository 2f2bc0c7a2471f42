package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	stuckPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "stuck_payments",
		Help:      "Payments still unresolved after the last sweep.",
	})

	reconcileResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "resolved_total",
		Help:      "Payments settled by reconciliation sweeps.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Sweep list failures plus per-payment reconcile failures.",
	})
)

func init() {
	prometheus.MustRegister(
		stuckPayments,
		reconcileResolved,
		reconcileDuration,
		reconcileErrors,
	)
}
