package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Operations counts ledger operations by name and outcome.
	Operations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shgloan_ledger_operations_total",
			Help: "Ledger operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RepaymentAmount observes allocated repayment amounts.
	RepaymentAmount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shgloan_repayment_amount",
			Help:    "Allocated repayment amounts",
			Buckets: prometheus.ExponentialBuckets(10, 4, 8),
		},
	)

	// WriteConflicts counts optimistic-lock conflicts that triggered a retry.
	WriteConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shgloan_write_conflicts_total",
			Help: "Optimistic lock conflicts on ledger writes",
		},
		[]string{"operation"},
	)

	// WrittenOffAmount totals the balances written off since start.
	WrittenOffAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shgloan_written_off_amount_total",
			Help: "Loan balances written off as uncollectable",
		},
	)

	// OverdueLoans is the number of overdue loans seen by the last refresh.
	OverdueLoans = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shgloan_overdue_loans",
			Help: "Overdue loans found by the last overdue refresh",
		},
	)
)

// Observe records the outcome of one operation.
func Observe(operation string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	Operations.WithLabelValues(operation, status).Inc()
}
