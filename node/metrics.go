package node

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	operationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbx_node_operations_total",
		Help: "操作执行次数",
	}, []string{"model", "op", "result"})

	operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbx_node_operation_duration_seconds",
		Help:    "操作执行耗时",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "op"})
)

func init() {
	prometheus.MustRegister(operationsTotal, operationDuration)
}
