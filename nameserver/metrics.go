package nameserver

import (
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter is an event counter with read-and-reset semantics for the periodic
// status line. Each Inc also feeds the prometheus counter behind it, whose
// total never resets.
type Counter struct {
	delta int64
	prom  prometheus.Counter
}

func (c *Counter) Inc() {
	atomic.AddInt64(&c.delta, 1)
	if c.prom != nil {
		c.prom.Inc()
	}
}

// Clear returns the count accumulated since the last Clear and resets it.
func (c *Counter) Clear() int64 {
	return atomic.SwapInt64(&c.delta, 0)
}

func (c *Counter) Get() int64 {
	return atomic.LoadInt64(&c.delta)
}

// Metrics is the nameserver's event-counter registry. Its lifecycle is tied
// to the server owning it.
type Metrics struct {
	CreateFile   Counter
	ListDir      Counter
	GetLocation  Counter
	AddBlock     Counter
	Unlink       Counter
	HeartBeat    Counter
	BlockReport  Counter
	ReportBlocks Counter
	PullReport   Counter
}

// NewMetrics builds the registry and registers the prometheus side on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bfs",
		Subsystem: "nameserver",
		Name:      "rpc_total",
		Help:      "RPC operations served, by method.",
	}, []string{"method"})
	reg.MustRegister(vec)

	m := &Metrics{}
	m.CreateFile.prom = vec.WithLabelValues("create_file")
	m.ListDir.prom = vec.WithLabelValues("list_directory")
	m.GetLocation.prom = vec.WithLabelValues("get_file_location")
	m.AddBlock.prom = vec.WithLabelValues("add_block")
	m.Unlink.prom = vec.WithLabelValues("unlink")
	m.HeartBeat.prom = vec.WithLabelValues("heart_beat")
	m.BlockReport.prom = vec.WithLabelValues("block_report")
	m.ReportBlocks.prom = vec.WithLabelValues("report_blocks")
	m.PullReport.prom = vec.WithLabelValues("pull_block_report")
	return m
}

// StatusLine drains every counter into the one-line summary the status loop
// logs each second.
func (m *Metrics) StatusLine() string {
	return fmt.Sprintf("[status] create %d list %d get_loc %d add_block %d unlink %d report %d %d heartbeat %d pull %d",
		m.CreateFile.Clear(), m.ListDir.Clear(), m.GetLocation.Clear(),
		m.AddBlock.Clear(), m.Unlink.Clear(), m.BlockReport.Clear(),
		m.ReportBlocks.Clear(), m.HeartBeat.Clear(), m.PullReport.Clear())
}
