package aggregation

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var (
	// ErrEmptyBatch is returned when Aggregate is called without updates.
	ErrEmptyBatch = errors.New("empty update batch")

	// ErrDimensionMismatch is returned when an update's vector length differs from D.
	ErrDimensionMismatch = errors.New("dimension mismatch")

	// ErrUnknownParticipant is returned when an update names a participant outside the ledger.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrDuplicateParticipant is returned when a batch holds two updates from one participant.
	ErrDuplicateParticipant = errors.New("duplicate participant in batch")

	// ErrInvalidUpdate is returned by NewUpdate for malformed input.
	ErrInvalidUpdate = errors.New("invalid update")
)

// CorruptionMode names how an adversarial participant corrupts its update.
type CorruptionMode uint8

const (
	ModeNone          CorruptionMode = iota // ModeNone marks an honest update
	ModeSignFlip                            // ModeSignFlip negates the current consensus
	ModeAdditiveNoise                       // ModeAdditiveNoise adds unit gaussian noise
	ModeZero                                // ModeZero sends the zero vector
)

// corruptionNames maps modes to their config spelling.
var corruptionNames = [...]string{
	ModeNone:          "none",
	ModeSignFlip:      "sign-flip",
	ModeAdditiveNoise: "additive-noise",
	ModeZero:          "zero",
}

// String returns the config spelling of the mode.
func (m CorruptionMode) String() string {
	if int(m) < len(corruptionNames) {
		return corruptionNames[m]
	}

	return fmt.Sprintf("mode(%d)", m)
}

// ParseCorruptionMode parses a mode name as written in config files.
func ParseCorruptionMode(s string) (CorruptionMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))

	for i, name := range corruptionNames {
		if s == name {
			return CorruptionMode(i), nil
		}
	}

	return ModeNone, fmt.Errorf("unknown corruption mode %q", s)
}

// Vector is a dense numeric vector of the consensus dimension.
type Vector []float64

// Clone returns an independent copy of v.
func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}

	out := make(Vector, len(v))
	copy(out, v)

	return out
}

// Update is one participant's contribution to a round.
// It is immutable after NewUpdate; accessors never expose internal storage.
type Update struct {
	participant int            // participant is the contributing participant id
	vector      Vector         // vector is the proposed model state
	loss        float64        // loss is the self-reported training loss
	samples     int            // samples is the reported local sample count
	mode        CorruptionMode // mode is the ground-truth corruption, ModeNone when honest
}

// NewUpdate validates and builds an Update, copying vector.
func NewUpdate(participant int, vector []float64, loss float64, samples int, mode CorruptionMode) (Update, error) {
	if participant < 0 {
		return Update{}, fmt.Errorf("%w: negative participant id %d", ErrInvalidUpdate, participant)
	}

	if len(vector) == 0 {
		return Update{}, fmt.Errorf("%w: empty vector", ErrInvalidUpdate)
	}

	if samples < 0 {
		return Update{}, fmt.Errorf("%w: negative sample count %d", ErrInvalidUpdate, samples)
	}

	if math.IsNaN(loss) || math.IsInf(loss, 0) || loss < 0 {
		return Update{}, fmt.Errorf("%w: loss %v", ErrInvalidUpdate, loss)
	}

	for i, x := range vector {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Update{}, fmt.Errorf("%w: non-finite coordinate %d", ErrInvalidUpdate, i)
		}
	}

	if mode > ModeZero {
		return Update{}, fmt.Errorf("%w: %s", ErrInvalidUpdate, mode)
	}

	return Update{
		participant: participant,
		vector:      Vector(vector).Clone(),
		loss:        loss,
		samples:     samples,
		mode:        mode,
	}, nil
}

// Participant returns the contributing participant id.
func (u Update) Participant() int { return u.participant }

// Vector returns a copy of the update vector.
func (u Update) Vector() Vector { return u.vector.Clone() }

// Dim returns the vector length.
func (u Update) Dim() int { return len(u.vector) }

// Loss returns the reported training loss.
func (u Update) Loss() float64 { return u.loss }

// Samples returns the reported sample count.
func (u Update) Samples() int { return u.samples }

// Mode returns the ground-truth corruption mode. The engine never reads it.
func (u Update) Mode() CorruptionMode { return u.mode }

// Method names the combination rule used for a round.
type Method uint8

const (
	MethodWeightedMean Method = iota // MethodWeightedMean is the trust*samples weighted mean
	MethodMedian                     // MethodMedian is the coordinate-wise median fallback
)

// String returns a short name for the method.
func (m Method) String() string {
	if m == MethodMedian {
		return "median"
	}

	return "weighted-mean"
}

// Report describes what the engine did with one batch.
type Report struct {
	Participants    int     // Participants is the batch size
	Flagged         []int   // Flagged are the suspected participant ids, ascending
	FlaggedFraction float64 // FlaggedFraction is len(Flagged)/Participants
	Degenerate      bool    // Degenerate is true when every update was flagged
	Method          Method  // Method is the combination rule actually used
	MedianLoss      float64 // MedianLoss is the batch median of reported loss
	MedianNorm      float64 // MedianNorm is the batch median of vector L2 norms
}
