package stats

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	poolCredentialsDesc = prometheus.NewDesc(
		"genbroker_pool_credentials",
		"Number of credentials in the pool by state",
		[]string{"state"}, nil,
	)
	poolUtilizationDesc = prometheus.NewDesc(
		"genbroker_pool_utilization_percent",
		"Share of today's quota consumed across usable credentials",
		nil, nil,
	)
	poolSourceDesc = prometheus.NewDesc(
		"genbroker_pool_credentials_by_source",
		"Number of credentials in the pool by ingestion source",
		[]string{"source"}, nil,
	)
)

// Collector exposes PoolStats to Prometheus, recomputed on every scrape.
type Collector struct {
	reporter *Reporter
}

// NewCollector wraps a reporter.
func NewCollector(r *Reporter) *Collector {
	return &Collector{reporter: r}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- poolCredentialsDesc
	ch <- poolUtilizationDesc
	ch <- poolSourceDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.reporter.GetStats()

	for state, v := range map[string]int{
		"total":   s.Total,
		"active":  s.Active,
		"healthy": s.Healthy,
		"expired": s.Expired,
		"invalid": s.Invalid,
	} {
		ch <- prometheus.MustNewConstMetric(poolCredentialsDesc, prometheus.GaugeValue, float64(v), state)
	}
	for source, v := range s.BySource {
		ch <- prometheus.MustNewConstMetric(poolSourceDesc, prometheus.GaugeValue, float64(v), string(source))
	}
	ch <- prometheus.MustNewConstMetric(poolUtilizationDesc, prometheus.GaugeValue, s.UtilizationPercent)
}
