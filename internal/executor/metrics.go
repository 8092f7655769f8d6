package executor

import "sync/atomic"

// Metrics holds the executor's live counters. All methods are safe for
// concurrent use.
type Metrics struct {
	plansStarted   atomic.Uint64
	stagesTimedOut atomic.Uint64
	agentsDegraded atomic.Uint64
	agentCacheHits atomic.Uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	PlansStarted   uint64 `json:"plans_started"`
	StagesTimedOut uint64 `json:"stages_timed_out"`
	AgentsDegraded uint64 `json:"agents_degraded"`
	AgentCacheHits uint64 `json:"agent_cache_hits"`
}

// NewMetrics creates a zeroed counter set.
func NewMetrics() *Metrics { return &Metrics{} }

// PlanStarted records one plan execution.
func (m *Metrics) PlanStarted() { m.plansStarted.Add(1) }

// StageTimedOut records one stage timeout.
func (m *Metrics) StageTimedOut() { m.stagesTimedOut.Add(1) }

// AgentDegraded records one agent resolving to a degraded result.
func (m *Metrics) AgentDegraded() { m.agentsDegraded.Add(1) }

// AgentCacheHit records one agent launch served from the cache.
func (m *Metrics) AgentCacheHit() { m.agentCacheHits.Add(1) }

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		PlansStarted:   m.plansStarted.Load(),
		StagesTimedOut: m.stagesTimedOut.Load(),
		AgentsDegraded: m.agentsDegraded.Load(),
		AgentCacheHits: m.agentCacheHits.Load(),
	}
}
