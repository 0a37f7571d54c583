package payouts

import (
	"github.com/prometheus/client_golang/prometheus"
)

var requestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "walletcore_withdrawal_requests_total",
		Help: "Withdrawal requests resolved by final status",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(requestsTotal)
}
