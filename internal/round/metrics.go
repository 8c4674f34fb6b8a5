package round

import (
	"maps"
	"slices"

	"FleetGuard/internal/channel"
	"FleetGuard/internal/control"
)

// Record is the metrics entry of one completed round.
type Record struct {
	Round            uint64                    `json:"round"`
	SimTime          float64                   `json:"sim_time"`
	Participants     int                       `json:"participants"`
	Flagged          []int                     `json:"flagged"`
	FlaggedFraction  float64                   `json:"flagged_fraction"`
	Degenerate       bool                      `json:"degenerate"`
	Method           string                    `json:"method"`
	AggregationError string                    `json:"aggregation_error,omitempty"`
	Violations       int                       `json:"violations"`
	ViolationsByKind map[string]int            `json:"violations_by_kind,omitempty"`
	StepErrors       int                       `json:"step_errors,omitempty"`
	MeanTrust        float64                   `json:"mean_trust"`
	ConsensusDigest  string                    `json:"consensus_digest"`
	Estimates        map[string]channel.Report `json:"estimates,omitempty"`
}

// Metrics is the append-only accumulator of a run.
// Only the orchestrator writes it, between rounds.
type Metrics struct {
	Rounds            []Record       `json:"rounds"`
	TotalParticipants int            `json:"total_participants"`
	TotalFlagged      int            `json:"total_flagged"`
	TotalViolations   int            `json:"total_violations"`
	DegenerateRounds  int            `json:"degenerate_rounds"`
	ViolationsByKind  map[string]int `json:"violations_by_kind"`
	FallbacksByAgent  map[int]int    `json:"fallbacks_by_agent"`
	ConsensusHistory  [][]float64    `json:"consensus_history"`
}

func newMetrics() *Metrics {
	return &Metrics{
		ViolationsByKind: make(map[string]int),
		FallbacksByAgent: make(map[int]int),
	}
}

// fold appends one round's results.
func (m *Metrics) fold(rec Record, consensus []float64, violations []control.ViolationRecord) {
	m.Rounds = append(m.Rounds, rec)
	m.TotalParticipants += rec.Participants
	m.TotalFlagged += len(rec.Flagged)
	m.TotalViolations += len(violations)

	if rec.Degenerate {
		m.DegenerateRounds++
	}

	for _, v := range violations {
		m.ViolationsByKind[v.Kind.String()]++
		m.FallbacksByAgent[v.Agent]++
	}

	m.ConsensusHistory = append(m.ConsensusHistory, slices.Clone(consensus))
}

// clone returns a deep copy.
func (m *Metrics) clone() Metrics {
	out := Metrics{
		Rounds:            make([]Record, len(m.Rounds)),
		TotalParticipants: m.TotalParticipants,
		TotalFlagged:      m.TotalFlagged,
		TotalViolations:   m.TotalViolations,
		DegenerateRounds:  m.DegenerateRounds,
		ViolationsByKind:  maps.Clone(m.ViolationsByKind),
		FallbacksByAgent:  maps.Clone(m.FallbacksByAgent),
		ConsensusHistory:  make([][]float64, len(m.ConsensusHistory)),
	}

	for i, r := range m.Rounds {
		r.Flagged = slices.Clone(r.Flagged)
		r.ViolationsByKind = maps.Clone(r.ViolationsByKind)
		r.Estimates = maps.Clone(r.Estimates)
		out.Rounds[i] = r
	}

	for i, c := range m.ConsensusHistory {
		out.ConsensusHistory[i] = slices.Clone(c)
	}

	return out
}

// Last returns the most recent round record.
func (m Metrics) Last() (Record, bool) {
	if len(m.Rounds) == 0 {
		return Record{}, false
	}

	return m.Rounds[len(m.Rounds)-1], true
}
