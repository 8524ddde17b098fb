// Package metrics exports the carrier counters as Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mickamy/celltun/carrier"
)

// Collector adapts a carrier stats source to the Prometheus collector
// interface. All counters are monotonic over the life of the proxy.
type Collector struct {
	stats func() carrier.Stats

	allSend      *prometheus.Desc
	allRecv      *prometheus.Desc
	usefulSend   *prometheus.Desc
	usefulRecv   *prometheus.Desc
	dummySend    *prometheus.Desc
	dummyRecv    *prometheus.Desc
	dummyAvoided *prometheus.Desc
}

// NewCollector builds a collector over a stats snapshot function, typically
// a proxy's Stats method.
func NewCollector(stats func() carrier.Stats) *Collector {
	return &Collector{
		stats: stats,
		allSend: prometheus.NewDesc("celltun_send_bytes_total",
			"Bytes written to the carrier socket, padding included.", nil, nil),
		allRecv: prometheus.NewDesc("celltun_recv_bytes_total",
			"Bytes read from the carrier socket, padding included.", nil, nil),
		usefulSend: prometheus.NewDesc("celltun_useful_send_bytes_total",
			"User payload bytes sent inside data cells.", nil, nil),
		usefulRecv: prometheus.NewDesc("celltun_useful_recv_bytes_total",
			"User payload bytes received inside data cells.", nil, nil),
		dummySend: prometheus.NewDesc("celltun_dummy_send_cells_total",
			"Whole dummy cells written to the socket.", nil, nil),
		dummyRecv: prometheus.NewDesc("celltun_dummy_recv_cells_total",
			"Whole dummy cells read from the socket.", nil, nil),
		dummyAvoided: prometheus.NewDesc("celltun_dummy_cells_avoided_total",
			"Staged dummy cells replaced by real data before being written.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.allSend
	ch <- c.allRecv
	ch <- c.usefulSend
	ch <- c.usefulRecv
	ch <- c.dummySend
	ch <- c.dummyRecv
	ch <- c.dummyAvoided
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	counter(c.allSend, s.AllSendBytes)
	counter(c.allRecv, s.AllRecvBytes)
	counter(c.usefulSend, s.UsefulSendBytes)
	counter(c.usefulRecv, s.UsefulRecvBytes)
	counter(c.dummySend, s.DummySendCells)
	counter(c.dummyRecv, s.DummyRecvCells)
	counter(c.dummyAvoided, s.DummyCellsAvoided)
}
