package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

var requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "dbx_cache_requests_total",
	Help: "缓存访问次数，result 为 hit、miss 或 degraded",
}, []string{"model", "result"})

func init() {
	prometheus.MustRegister(requestsTotal)
}
