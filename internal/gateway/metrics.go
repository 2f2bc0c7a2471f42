package gateway

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	gatewayCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "gateway",
		Name:      "calls_total",
		Help:      "Gateway calls by operation and outcome.",
	}, []string{"op", "outcome"})

	gatewayCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "gateway",
		Name:      "call_duration_seconds",
		Help:      "Gateway call latency by operation.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(gatewayCallsTotal, gatewayCallDuration)
}

// observe records one gateway call with its normalized outcome.
func observe(op string, start time.Time, err error) {
	gatewayCallDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	gatewayCallsTotal.WithLabelValues(op, outcomeLabel(err)).Inc()
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrReconciliationRequired):
		return "ambiguous"
	case errors.Is(err, ErrPayeeUnregistered):
		return "payee_unregistered"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrGatewayUnavailable):
		return "unavailable"
	case errors.Is(err, ErrOrderNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	}
	return "error"
}
