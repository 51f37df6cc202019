package stm

import "github.com/prometheus/client_golang/prometheus"

var (
	txnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "stm",
			Subsystem: "txn",
			Name:      "events",
			Help:      "Counter of transaction events.",
		}, []string{"type"})
)

func init() {
	prometheus.MustRegister(txnCounter)
}
