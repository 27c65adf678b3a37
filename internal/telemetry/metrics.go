// Package telemetry implements the engine's Metrics & Activity Log
// component: atomic hot-path counters per category, a bounded activity
// ring buffer, and the Health/Stats snapshots the API layer serves.
package telemetry

import (
	"sync/atomic"
	"time"
)

// CategoryCounters tracks submitted/completed/failed/retrying counts for one
// category using sync/atomic rather than a mutex, since every worker touches
// these on every task completion.
type CategoryCounters struct {
	Submitted     int64
	Running       int64
	Completed     int64
	Failed        int64
	Retrying      int64
	DurationNanos int64 // sum of completed task durations, for the mean in stats()
	DurationCount int64
}

// Metrics aggregates counters across all categories. It never takes a single
// global lock: each category has its own counter set, and each counter is
// updated with atomic ops so workers in different categories never contend.
type Metrics struct {
	byCategory map[string]*CategoryCounters
}

func NewMetrics(categories []string) *Metrics {
	m := &Metrics{byCategory: make(map[string]*CategoryCounters, len(categories))}
	for _, c := range categories {
		m.byCategory[c] = &CategoryCounters{}
	}
	return m
}

func (m *Metrics) counters(category string) *CategoryCounters {
	c, ok := m.byCategory[category]
	if !ok {
		// Defensive: a category not known at construction time still gets
		// tracked rather than panicking a worker goroutine.
		c = &CategoryCounters{}
		m.byCategory[category] = c
	}
	return c
}

func (m *Metrics) IncSubmitted(category string) { atomic.AddInt64(&m.counters(category).Submitted, 1) }
func (m *Metrics) IncRunning(category string)    { atomic.AddInt64(&m.counters(category).Running, 1) }
func (m *Metrics) DecRunning(category string)    { atomic.AddInt64(&m.counters(category).Running, -1) }
func (m *Metrics) IncFailed(category string)     { atomic.AddInt64(&m.counters(category).Failed, 1) }
func (m *Metrics) IncRetrying(category string)   { atomic.AddInt64(&m.counters(category).Retrying, 1) }

// IncCompleted records one completed task and its duration in a single call
// so the count and the duration sum for the mean in stats() never drift
// apart under concurrent writers.
func (m *Metrics) IncCompleted(category string, duration time.Duration) {
	c := m.counters(category)
	atomic.AddInt64(&c.Completed, 1)
	atomic.AddInt64(&c.DurationNanos, int64(duration))
	atomic.AddInt64(&c.DurationCount, 1)
}

// CategorySnapshot is a point-in-time read of one category's counters.
type CategorySnapshot struct {
	Category     string        `json:"category"`
	Submitted    int64         `json:"submitted"`
	Running      int64         `json:"running"`
	Completed    int64         `json:"completed"`
	Failed       int64         `json:"failed"`
	Retrying     int64         `json:"retrying"`
	MeanDuration time.Duration `json:"mean_duration_ns"`
}

// Snapshot reads every category's counters atomically (per-field, not as a
// transaction — a tiny skew between fields under load is an acceptable
// trade-off for never blocking workers on a metrics read).
func (m *Metrics) Snapshot() []CategorySnapshot {
	out := make([]CategorySnapshot, 0, len(m.byCategory))
	for category, c := range m.byCategory {
		count := atomic.LoadInt64(&c.DurationCount)
		var mean time.Duration
		if count > 0 {
			mean = time.Duration(atomic.LoadInt64(&c.DurationNanos) / count)
		}
		out = append(out, CategorySnapshot{
			Category:     category,
			Submitted:    atomic.LoadInt64(&c.Submitted),
			Running:      atomic.LoadInt64(&c.Running),
			Completed:    atomic.LoadInt64(&c.Completed),
			Failed:       atomic.LoadInt64(&c.Failed),
			Retrying:     atomic.LoadInt64(&c.Retrying),
			MeanDuration: mean,
		})
	}
	return out
}
