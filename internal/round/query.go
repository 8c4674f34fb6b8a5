package round

import (
	"FleetGuard/internal/aggregation"
	"FleetGuard/internal/control"
)

// Status summarises the orchestrator between rounds.
type Status struct {
	RunID        string  `json:"run_id"`
	Phase        string  `json:"phase"`
	Round        uint64  `json:"round"`
	SimTime      float64 `json:"sim_time"`
	Dimension    int     `json:"dimension"`
	Participants int     `json:"participants"`
	Agents       int     `json:"agents"`
	MeanTrust    float64 `json:"mean_trust"`
}

// ConsensusState returns a copy of the current consensus.
func (o *Orchestrator) ConsensusState() aggregation.Vector {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.consensus.Clone()
}

// AgentState returns the state of one agent.
func (o *Orchestrator) AgentState(id int) (control.State, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.control.Store().Get(id)
}

// Agents returns every agent state ordered by id.
func (o *Orchestrator) Agents() []control.State {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.control.Store().Snapshot()
}

// Trust returns a copy of the trust ledger.
func (o *Orchestrator) Trust() []float64 {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.ledger.Snapshot()
}

// MetricsSnapshot returns a deep copy of the run metrics.
func (o *Orchestrator) MetricsSnapshot() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return o.metrics.clone()
}

// Status returns a summary of the run.
func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()

	return Status{
		RunID:        o.runID,
		Phase:        o.Phase().String(),
		Round:        o.round,
		SimTime:      o.simTime,
		Dimension:    len(o.consensus),
		Participants: o.ledger.Len(),
		Agents:       o.control.Store().Len(),
		MeanTrust:    o.ledger.Mean(),
	}
}
