package ledger

import "github.com/prometheus/client_golang/prometheus"

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "ledger",
		Name:      "operations_total",
		Help:      "Total ledger operations by op, entry kind, and result.",
	}, []string{"op", "kind", "status"})

	settleOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "ledger",
		Name:      "deposit_settlements_total",
		Help:      "Deposit settlement attempts by outcome (applied, already_applied, reference_closed, amount_mismatch).",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(operationsTotal, settleOutcomes)
}
