package metrics

import (
	"sync"
	"time"
)

// Metric names tracked by the service.
const (
	EventsAppended       = "events_appended"
	ConcurrencyConflicts = "concurrency_conflicts"
	DuplicateEvents      = "duplicate_events"
	ProjectionApplies    = "projection_applies"
	ProjectionErrors     = "projection_errors"
	SnapshotsCreated     = "snapshots_created"
	MigratedStreams      = "migrated_streams"
)

// Metrics is an in-process metrics collector: counters, gauges and timers
// exposed through the metrics endpoint.
type Metrics struct {
	mu       sync.RWMutex
	counters map[string]int64
	gauges   map[string]int64
	timers   map[string]*timer
}

type timer struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

// TimerSnapshot is the exported view of a timer.
type TimerSnapshot struct {
	Count         int64   `json:"count"`
	TotalTimeMs   int64   `json:"total_time_ms"`
	AverageTimeMs float64 `json:"average_time_ms"`
	MinTimeMs     int64   `json:"min_time_ms"`
	MaxTimeMs     int64   `json:"max_time_ms"`
}

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Counters map[string]int64         `json:"counters"`
	Gauges   map[string]int64         `json:"gauges"`
	Timers   map[string]TimerSnapshot `json:"timers"`
}

// NewMetrics creates a metrics collector.
func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]int64),
		gauges:   make(map[string]int64),
		timers:   make(map[string]*timer),
	}
}

// IncrCounter increments a counter by delta.
func (m *Metrics) IncrCounter(name string, delta int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] += delta
}

// SetGauge sets a gauge to a point-in-time value.
func (m *Metrics) SetGauge(name string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// RecordDuration records one timed operation.
func (m *Metrics) RecordDuration(name string, d time.Duration) {
	ms := d.Milliseconds()

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.timers[name]
	if !ok {
		t = &timer{minMs: ms, maxMs: ms}
		m.timers[name] = t
	}
	t.count++
	t.totalMs += ms
	if ms < t.minMs {
		t.minMs = ms
	}
	if ms > t.maxMs {
		t.maxMs = ms
	}
}

// GetSnapshot returns a copy of all current metric values.
func (m *Metrics) GetSnapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := Snapshot{
		Counters: make(map[string]int64, len(m.counters)),
		Gauges:   make(map[string]int64, len(m.gauges)),
		Timers:   make(map[string]TimerSnapshot, len(m.timers)),
	}
	for name, value := range m.counters {
		snapshot.Counters[name] = value
	}
	for name, value := range m.gauges {
		snapshot.Gauges[name] = value
	}
	for name, t := range m.timers {
		ts := TimerSnapshot{
			Count:       t.count,
			TotalTimeMs: t.totalMs,
			MinTimeMs:   t.minMs,
			MaxTimeMs:   t.maxMs,
		}
		if t.count > 0 {
			ts.AverageTimeMs = float64(t.totalMs) / float64(t.count)
		}
		snapshot.Timers[name] = ts
	}
	return snapshot
}
