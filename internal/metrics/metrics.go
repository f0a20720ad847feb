// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gasrelay"

// Loans counts loans reaching a status.
var Loans = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "loan",
	Name:      "transitions_total",
	Help:      "Loan status transitions by target status.",
}, []string{"status"})

// SwapDuration observes submit-to-terminal swap latency.
var SwapDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "swap",
	Name:      "duration_seconds",
	Help:      "Time from swap submission to a terminal venue status.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
}, []string{"outcome"})

// PermitRejections counts permits refused before a swap, by error code.
var PermitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "permit",
	Name:      "rejections_total",
	Help:      "Permits rejected by error code.",
}, []string{"code"})

// LedgerMutations counts ledger commits by entry kind and outcome.
var LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "mutations_total",
	Help:      "Escrow ledger mutations by kind and outcome.",
}, []string{"kind", "outcome"})

// Bridges counts bridge transfers by terminal state.
var Bridges = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "bridge",
	Name:      "transfers_total",
	Help:      "Bridge transfers by terminal state.",
}, []string{"state"})

// Finalizations counts settlement finalizations by outcome.
var Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "settlement",
	Name:      "finalizations_total",
	Help:      "Position finalizations by outcome.",
}, []string{"outcome"})

// ActiveAccountWriters tracks live per-account writer goroutines.
var ActiveAccountWriters = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "active_writers",
	Help:      "Accounts with a live single-writer goroutine.",
})

// HTTPRequests counts API requests by method and status code.
var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests by method and status code.",
}, []string{"method", "code"})

// Outcome maps an error to the "ok"/"error" label.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Since returns seconds elapsed since start.
func Since(start time.Time) float64 {
	return time.Since(start).Seconds()
}
