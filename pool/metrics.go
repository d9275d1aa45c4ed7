package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	acquireTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dbx_pool_acquire_total",
		Help: "连接获取次数",
	}, []string{"pool", "result"})

	acquireDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dbx_pool_acquire_duration_seconds",
		Help:    "连接获取耗时",
		Buckets: prometheus.DefBuckets,
	}, []string{"pool"})

	openConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbx_pool_open_connections",
		Help: "当前打开的连接数",
	}, []string{"pool", "role"})

	replicaHealthy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dbx_pool_replica_healthy",
		Help: "副本健康状态，1 健康 0 不健康",
	}, []string{"pool", "replica"})
)

func init() {
	prometheus.MustRegister(acquireTotal, acquireDuration, openConnections, replicaHealthy)
}
