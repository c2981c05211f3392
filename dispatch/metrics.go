package dispatch

import (
	"sync/atomic"
	"time"
)

type Metrics struct {
	predictions  atomic.Int64
	notReady     atomic.Int64
	failures     atomic.Int64
	timeouts     atomic.Int64
	mismatches   atomic.Int64
	restarts     atomic.Int64
	totalLatency atomic.Int64
	lastFrame    atomic.Int64
}

type MetricsSnapshot struct {
	Mode          string  `json:"mode"`
	Predictions   int64   `json:"predictions"`
	NotReady      int64   `json:"not_ready"`
	Failures      int64   `json:"failures"`
	Timeouts      int64   `json:"timeouts"`
	Mismatches    int64   `json:"correlation_mismatches"`
	Restarts      int64   `json:"restarts"`
	Pending       int     `json:"pending"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	LastFrameUnix int64   `json:"last_frame_unix"`
}

func (m *Metrics) recordPrediction(latency time.Duration) {
	m.predictions.Add(1)
	m.totalLatency.Add(latency.Microseconds())
	m.lastFrame.Store(time.Now().Unix())
}

func (m *Metrics) incNotReady()   { m.notReady.Add(1) }
func (m *Metrics) incFailures()   { m.failures.Add(1) }
func (m *Metrics) incTimeouts()   { m.timeouts.Add(1) }
func (m *Metrics) incMismatches() { m.mismatches.Add(1) }
func (m *Metrics) incRestarts()   { m.restarts.Add(1) }

func (m *Metrics) snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Predictions:   m.predictions.Load(),
		NotReady:      m.notReady.Load(),
		Failures:      m.failures.Load(),
		Timeouts:      m.timeouts.Load(),
		Mismatches:    m.mismatches.Load(),
		Restarts:      m.restarts.Load(),
		LastFrameUnix: m.lastFrame.Load(),
	}
	if s.Predictions > 0 {
		s.AvgLatencyMs = float64(m.totalLatency.Load()) / float64(s.Predictions) / 1000
	}
	return s
}
