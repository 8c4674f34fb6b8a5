package aggregation

import (
	"fmt"
	"math"
)

// TrustLedger holds one trust score in [0,1] per participant.
// Only the aggregation Engine mutates it; everyone else reads.
type TrustLedger struct {
	scores []float64 // scores is indexed by participant id
}

// NewTrustLedger creates a ledger for n participants, all fully trusted.
func NewTrustLedger(n int) *TrustLedger {
	scores := make([]float64, n)
	for i := range scores {
		scores[i] = 1.0
	}

	return &TrustLedger{scores: scores}
}

// RestoreTrustLedger rebuilds a ledger from a snapshot, e.g. a checkpoint.
func RestoreTrustLedger(scores []float64) (*TrustLedger, error) {
	out := make([]float64, len(scores))

	for i, s := range scores {
		if math.IsNaN(s) || s < 0 || s > 1 {
			return nil, fmt.Errorf("trust score %d out of range: %v", i, s)
		}
		out[i] = s
	}

	return &TrustLedger{scores: out}, nil
}

// Len returns the number of participants tracked.
func (l *TrustLedger) Len() int {
	return len(l.scores)
}

// Score returns the trust score of a participant, or 0 if unknown.
func (l *TrustLedger) Score(id int) float64 {
	if id < 0 || id >= len(l.scores) {
		return 0
	}

	return l.scores[id]
}

// Snapshot returns a copy of all scores indexed by participant id.
func (l *TrustLedger) Snapshot() []float64 {
	out := make([]float64, len(l.scores))
	copy(out, l.scores)

	return out
}

// Mean returns the average trust across all participants.
func (l *TrustLedger) Mean() float64 {
	if len(l.scores) == 0 {
		return 0
	}

	var sum float64
	for _, s := range l.scores {
		sum += s
	}

	return sum / float64(len(l.scores))
}

// has reports whether id is a tracked participant.
func (l *TrustLedger) has(id int) bool {
	return id >= 0 && id < len(l.scores)
}

// penalize multiplies a participant's score by decay.
func (l *TrustLedger) penalize(id int, decay float64) {
	l.scores[id] = clampUnit(l.scores[id] * decay)
}

// reward nudges a participant's score toward 1 by inc.
func (l *TrustLedger) reward(id int, inc float64) {
	l.scores[id] = clampUnit(l.scores[id] + inc)
}

// clampUnit clamps x to [0,1].
func clampUnit(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	default:
		return x
	}
}
