// Package metrics exposes the stack's runtime gauges as Prometheus
// collectors. The collector reads live values from the network manager at
// scrape time; nothing here runs on the stack tick.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// StackStats is the view of the network manager the collector scrapes.
type StackStats interface {
	NumPorts() int
	BusLoad(port uint8) float32
	FrameCounts(port uint8) (rx, tx uint64)
	ActiveSessions(port uint8) int
}

// Collector adapts StackStats to the Prometheus collector interface.
type Collector struct {
	stats StackStats

	busLoad   *prometheus.Desc
	framesRx  *prometheus.Desc
	framesTx  *prometheus.Desc
	sessions  *prometheus.Desc
}

// NewCollector builds a collector over the given stats source.
func NewCollector(stats StackStats) *Collector {
	return &Collector{
		stats: stats,
		busLoad: prometheus.NewDesc(
			"agrobus_bus_load_percent",
			"Rolling-window CAN bus load estimate per port",
			[]string{"port"}, nil),
		framesRx: prometheus.NewDesc(
			"agrobus_frames_received_total",
			"CAN frames received per port",
			[]string{"port"}, nil),
		framesTx: prometheus.NewDesc(
			"agrobus_frames_transmitted_total",
			"CAN frames transmitted per port",
			[]string{"port"}, nil),
		sessions: prometheus.NewDesc(
			"agrobus_transport_sessions_active",
			"Live transport sessions per port",
			[]string{"port"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.busLoad
	ch <- c.framesRx
	ch <- c.framesTx
	ch <- c.sessions
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for i := 0; i < c.stats.NumPorts(); i++ {
		port := uint8(i)
		label := strconv.Itoa(i)
		rx, tx := c.stats.FrameCounts(port)
		ch <- prometheus.MustNewConstMetric(c.busLoad, prometheus.GaugeValue,
			float64(c.stats.BusLoad(port)), label)
		ch <- prometheus.MustNewConstMetric(c.framesRx, prometheus.CounterValue,
			float64(rx), label)
		ch <- prometheus.MustNewConstMetric(c.framesTx, prometheus.CounterValue,
			float64(tx), label)
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue,
			float64(c.stats.ActiveSessions(port)), label)
	}
}

// Register attaches the collector to a registry (or the default one when reg
// is nil) and returns it.
func Register(stats StackStats, reg prometheus.Registerer) *Collector {
	c := NewCollector(stats)
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(c)
	return c
}
