package telemetry

import "github.com/docpipeline/taskpool/internal/breaker"

// BreakerSnapshot is the JSON-friendly view of a breaker.Stats entry served
// by the health endpoint.
type BreakerSnapshot struct {
	Name          string `json:"name"`
	State         string `json:"state"`
	Failures      int64  `json:"failures"`
	TotalRequests int64  `json:"total_requests"`
	TotalFailures int64  `json:"total_failures"`
}

// Health is the full system snapshot: per-category counters, worker counts,
// every dependency breaker's current state, and the composite healthy bit
// spec.md §8 property 9 defines (running, every category staffed, no
// breaker open).
type Health struct {
	Healthy    bool               `json:"healthy"`
	Workers    map[string]int     `json:"workers"`
	Categories []CategorySnapshot `json:"categories"`
	Breakers   []BreakerSnapshot  `json:"breakers"`
}

// BuildHealth assembles a Health snapshot from live metrics and breakers.
// running and workerCounts come from the engine's Pool, which owns
// lifecycle state BuildHealth itself has no access to.
func BuildHealth(m *Metrics, breakers *breaker.Registry, running bool, workerCounts map[string]int) Health {
	stats := breakers.All()
	breakerViews := make([]BreakerSnapshot, 0, len(stats))
	anyOpen := false
	for _, s := range stats {
		if s.State == breaker.StateOpen {
			anyOpen = true
		}
		breakerViews = append(breakerViews, BreakerSnapshot{
			Name:          s.Name,
			State:         s.State.String(),
			Failures:      s.Failures,
			TotalRequests: s.TotalRequests,
			TotalFailures: s.TotalFailures,
		})
	}

	everyCategoryStaffed := true
	for _, count := range workerCounts {
		if count <= 0 {
			everyCategoryStaffed = false
			break
		}
	}

	return Health{
		Healthy:    running && everyCategoryStaffed && !anyOpen,
		Workers:    workerCounts,
		Categories: m.Snapshot(),
		Breakers:   breakerViews,
	}
}
