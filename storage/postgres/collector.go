package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// PoolCollector exposes pgxpool statistics as Prometheus gauges.
type PoolCollector struct {
	pool *pgxpool.Pool

	acquiredDesc *prometheus.Desc
	idleDesc     *prometheus.Desc
	totalDesc    *prometheus.Desc
	maxDesc      *prometheus.Desc
}

var _ prometheus.Collector = (*PoolCollector)(nil)

// NewPoolCollector returns a collector for the store's pool.
func (s *Store) NewPoolCollector() *PoolCollector {
	return &PoolCollector{
		pool:         s.pool,
		acquiredDesc: prometheus.NewDesc("gitgpt_pg_pool_acquired_conns", "Connections currently acquired from the pool", nil, nil),
		idleDesc:     prometheus.NewDesc("gitgpt_pg_pool_idle_conns", "Idle connections in the pool", nil, nil),
		totalDesc:    prometheus.NewDesc("gitgpt_pg_pool_total_conns", "Total connections in the pool", nil, nil),
		maxDesc:      prometheus.NewDesc("gitgpt_pg_pool_max_conns", "Configured maximum pool size", nil, nil),
	}
}

func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.acquiredDesc
	ch <- c.idleDesc
	ch <- c.totalDesc
	ch <- c.maxDesc
}

func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	if c.pool == nil {
		return
	}
	stat := c.pool.Stat()
	ch <- prometheus.MustNewConstMetric(c.acquiredDesc, prometheus.GaugeValue, float64(stat.AcquiredConns()))
	ch <- prometheus.MustNewConstMetric(c.idleDesc, prometheus.GaugeValue, float64(stat.IdleConns()))
	ch <- prometheus.MustNewConstMetric(c.totalDesc, prometheus.GaugeValue, float64(stat.TotalConns()))
	ch <- prometheus.MustNewConstMetric(c.maxDesc, prometheus.GaugeValue, float64(stat.MaxConns()))
}
