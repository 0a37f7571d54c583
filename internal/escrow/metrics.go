package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var ordersTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "walletcore_escrow_orders_total",
		Help: "Escrow order transitions by resulting payment status",
	},
	[]string{"status"},
)

func init() {
	prometheus.MustRegister(ordersTotal)
}
