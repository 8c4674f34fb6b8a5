package aggregation

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// Config holds the outlier thresholds and trust policy of the engine.
type Config struct {
	// Dimension is the fixed consensus dimension D.
	Dimension int `yaml:"dimension"`

	// LossMultiple flags updates whose loss exceeds this multiple of the median loss.
	LossMultiple float64 `yaml:"loss_multiple"`

	// NormMultiple flags updates whose L2 norm exceeds this multiple of the median norm.
	NormMultiple float64 `yaml:"norm_multiple"`

	// MinSamples flags updates reporting fewer samples than this floor.
	MinSamples int `yaml:"min_samples"`

	// TrustDecay multiplies a flagged participant's trust. Must be in [0,1).
	TrustDecay float64 `yaml:"trust_decay"`

	// TrustRecovery is added to a non-flagged participant's trust.
	TrustRecovery float64 `yaml:"trust_recovery"`
}

// DefaultConfig returns the default engine policy for dimension dim.
func DefaultConfig(dim int) Config {
	return Config{
		Dimension:     dim,
		LossMultiple:  2.0,
		NormMultiple:  3.0,
		MinSamples:    100,
		TrustDecay:    0.5,
		TrustRecovery: 0.05,
	}
}

// Validate checks the config for values that would break the engine's guarantees.
func (c Config) Validate() error {
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive, got %d", c.Dimension)
	}

	if c.LossMultiple <= 0 || c.NormMultiple <= 0 {
		return fmt.Errorf("outlier multiples must be positive (loss=%v norm=%v)", c.LossMultiple, c.NormMultiple)
	}

	if c.MinSamples < 0 {
		return fmt.Errorf("min samples must be non-negative, got %d", c.MinSamples)
	}

	if c.TrustDecay < 0 || c.TrustDecay >= 1 {
		return fmt.Errorf("trust decay must be in [0,1), got %v", c.TrustDecay)
	}

	if c.TrustRecovery < 0 || c.TrustRecovery > 1 {
		return fmt.Errorf("trust recovery must be in [0,1], got %v", c.TrustRecovery)
	}

	return nil
}

// Engine combines a batch of updates into a consensus vector.
// It holds no per-round state; the TrustLedger carries state across rounds.
type Engine struct {
	cfg Config
}

// NewEngine creates an engine after validating cfg.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid aggregation config:\n%w", err)
	}

	return &Engine{cfg: cfg}, nil
}

// Dimension returns the consensus dimension D.
func (e *Engine) Dimension() int {
	return e.cfg.Dimension
}

// Config returns the engine policy.
func (e *Engine) Config() Config {
	return e.cfg
}

// Aggregate combines updates into a new consensus vector and updates trust.
// On error the ledger is left untouched.
func (e *Engine) Aggregate(updates []Update, ledger *TrustLedger) (Vector, Report, error) {
	if err := e.validateBatch(updates, ledger); err != nil {
		return nil, Report{}, err
	}

	losses := make([]float64, len(updates))
	norms := make([]float64, len(updates))

	for i, u := range updates {
		losses[i] = u.loss
		norms[i] = floats.Norm(u.vector, 2)
	}

	report := Report{
		Participants: len(updates),
		MedianLoss:   median(losses),
		MedianNorm:   median(norms),
	}

	flagged := make([]bool, len(updates))
	var included []Update

	for i, u := range updates {
		flagged[i] = e.suspect(u, losses[i], norms[i], report.MedianLoss, report.MedianNorm)

		if flagged[i] {
			report.Flagged = append(report.Flagged, u.participant)
		} else {
			included = append(included, u)
		}
	}

	sort.Ints(report.Flagged)
	report.FlaggedFraction = float64(len(report.Flagged)) / float64(len(updates))

	var consensus Vector

	switch {
	case len(included) == 0:
		report.Degenerate = true
		report.Method = MethodMedian
		consensus = coordinateMedian(updates, e.cfg.Dimension)
	default:
		var ok bool
		consensus, ok = e.weightedMean(included, ledger)
		if ok {
			report.Method = MethodWeightedMean
		} else {
			// every surviving weight is zero, e.g. all trust decayed away
			report.Method = MethodMedian
			consensus = coordinateMedian(included, e.cfg.Dimension)
		}
	}

	e.updateTrust(updates, flagged, ledger)

	return consensus, report, nil
}

// validateBatch enforces the batch preconditions before any state changes.
func (e *Engine) validateBatch(updates []Update, ledger *TrustLedger) error {
	if len(updates) == 0 {
		return ErrEmptyBatch
	}

	seen := make(map[int]struct{}, len(updates))

	for _, u := range updates {
		if len(u.vector) != e.cfg.Dimension {
			return fmt.Errorf("%w: participant %d sent %d values, want %d",
				ErrDimensionMismatch, u.participant, len(u.vector), e.cfg.Dimension)
		}

		if !ledger.has(u.participant) {
			return fmt.Errorf("%w: %d", ErrUnknownParticipant, u.participant)
		}

		if _, dup := seen[u.participant]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateParticipant, u.participant)
		}
		seen[u.participant] = struct{}{}
	}

	return nil
}

// suspect applies the flag policy. Equality with a threshold never flags.
func (e *Engine) suspect(u Update, loss, norm, medLoss, medNorm float64) bool {
	if loss > e.cfg.LossMultiple*medLoss {
		return true
	}

	if norm > e.cfg.NormMultiple*medNorm {
		return true
	}

	return u.samples < e.cfg.MinSamples
}

// weightedMean returns the trust*samples weighted mean of updates.
// It returns false when the total weight is zero.
//
// The mean is accumulated as deviations from the first update so a batch of
// identical vectors reproduces that vector bit for bit.
func (e *Engine) weightedMean(updates []Update, ledger *TrustLedger) (Vector, bool) {
	dim := e.cfg.Dimension
	ref := updates[0].vector

	acc := make([]float64, dim)
	diff := make([]float64, dim)

	var total float64

	for _, u := range updates {
		w := ledger.Score(u.participant) * float64(u.samples)
		if w <= 0 {
			continue
		}

		floats.SubTo(diff, u.vector, ref)
		floats.AddScaled(acc, w, diff)
		total += w
	}

	if total <= 0 {
		return nil, false
	}

	out := make(Vector, dim)
	floats.AddScaledTo(out, ref, 1/total, acc)

	return out, true
}

// updateTrust decays flagged participants and rewards the rest.
func (e *Engine) updateTrust(updates []Update, flagged []bool, ledger *TrustLedger) {
	for i, u := range updates {
		if flagged[i] {
			ledger.penalize(u.participant, e.cfg.TrustDecay)
		} else {
			ledger.reward(u.participant, e.cfg.TrustRecovery)
		}
	}
}
