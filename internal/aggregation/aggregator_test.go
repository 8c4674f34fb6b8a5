package aggregation

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mustUpdate builds an update or fails the test.
func mustUpdate(t *testing.T, id int, vec []float64, loss float64, samples int, mode CorruptionMode) Update {
	t.Helper()

	u, err := NewUpdate(id, vec, loss, samples, mode)
	require.NoError(t, err, "new update %d", id)

	return u
}

// newTestEngine creates an engine with default policy for dim.
func newTestEngine(t *testing.T, dim int) *Engine {
	t.Helper()

	e, err := NewEngine(DefaultConfig(dim))
	require.NoError(t, err)

	return e
}

// TestAggregateIdenticalUpdatesExact checks zero-variance input reproduces the value exactly.
func TestAggregateIdenticalUpdatesExact(t *testing.T) {
	e := newTestEngine(t, 3)
	ledger := NewTrustLedger(5)

	vec := []float64{0.1, -0.7, 1e-9}
	samples := []int{120, 333, 980, 101, 450}

	var updates []Update
	for i, s := range samples {
		updates = append(updates, mustUpdate(t, i, vec, 0.3, s, ModeNone))
	}

	got, report, err := e.Aggregate(updates, ledger)
	require.NoError(t, err)

	assert.Equal(t, Vector(vec), got, "exact reproduction")
	assert.Empty(t, report.Flagged)
	assert.Equal(t, MethodWeightedMean, report.Method)
}

// TestAggregateSignFlipScenario runs 10 participants with 3 sign-flip attackers.
func TestAggregateSignFlipScenario(t *testing.T) {
	e := newTestEngine(t, 4)
	ledger := NewTrustLedger(10)

	adversarial := map[int]bool{2: true, 5: true, 9: true}
	honest := []float64{1, 1, 1, 1}
	flipped := []float64{-1, -1, -1, -1}

	var updates []Update
	for id := 0; id < 10; id++ {
		if adversarial[id] {
			updates = append(updates, mustUpdate(t, id, flipped, 1.5, 60, ModeSignFlip))
			continue
		}
		updates = append(updates, mustUpdate(t, id, honest, 0.2, 500, ModeNone))
	}

	got, report, err := e.Aggregate(updates, ledger)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 5, 9}, report.Flagged)
	assert.Equal(t, Vector(honest), got)
	assert.False(t, report.Degenerate)
	assert.Equal(t, 0.5, ledger.Score(2), "attacker trust")
	assert.Equal(t, 1.0, ledger.Score(0), "honest trust")
}

// TestAggregateAllZeroAttackDegenerate checks the median fallback on an all-adversarial batch.
func TestAggregateAllZeroAttackDegenerate(t *testing.T) {
	e := newTestEngine(t, 4)
	ledger := NewTrustLedger(6)

	zero := []float64{0, 0, 0, 0}
	losses := []float64{0.8, 1.1, 1.9, 1.4, 0.95, 2.0}
	samples := []int{50, 99, 72, 88, 61, 93}

	var updates []Update
	for i := range losses {
		updates = append(updates, mustUpdate(t, i, zero, losses[i], samples[i], ModeZero))
	}

	got, report, err := e.Aggregate(updates, ledger)
	require.NoError(t, err)

	assert.Equal(t, 1.0, report.FlaggedFraction)
	assert.True(t, report.Degenerate)
	assert.Equal(t, MethodMedian, report.Method)
	assert.Equal(t, Vector(zero), got)
}

// TestAggregateDegenerateUsesCoordinateMedian checks the fallback value itself.
func TestAggregateDegenerateUsesCoordinateMedian(t *testing.T) {
	e := newTestEngine(t, 2)
	ledger := NewTrustLedger(3)

	updates := []Update{
		mustUpdate(t, 0, []float64{1, 10}, 0.5, 10, ModeNone),
		mustUpdate(t, 1, []float64{3, -4}, 0.5, 10, ModeNone),
		mustUpdate(t, 2, []float64{2, 7}, 0.5, 10, ModeNone),
	}

	got, report, err := e.Aggregate(updates, ledger)
	require.NoError(t, err)

	require.True(t, report.Degenerate, "all below sample floor")
	assert.Equal(t, Vector{2, 7}, got)
}

// TestAggregateTiesFavourInclusion checks values exactly on a threshold are kept.
func TestAggregateTiesFavourInclusion(t *testing.T) {
	cfg := DefaultConfig(1)
	cfg.MinSamples = 100

	e, err := NewEngine(cfg)
	require.NoError(t, err)

	ledger := NewTrustLedger(3)

	// median loss is 1.0, so 2.0 sits exactly on LossMultiple*median
	updates := []Update{
		mustUpdate(t, 0, []float64{1}, 1.0, 100, ModeNone),
		mustUpdate(t, 1, []float64{1}, 1.0, 100, ModeNone),
		mustUpdate(t, 2, []float64{1}, 2.0, 100, ModeNone),
	}

	_, report, err := e.Aggregate(updates, ledger)
	require.NoError(t, err)

	assert.Empty(t, report.Flagged, "exact threshold is not flagged")
}

// TestAggregateWeightsByTrustAndSamples checks the weighting rule.
func TestAggregateWeightsByTrustAndSamples(t *testing.T) {
	e := newTestEngine(t, 1)

	ledger, err := RestoreTrustLedger([]float64{1.0, 0.5})
	require.NoError(t, err)

	updates := []Update{
		mustUpdate(t, 0, []float64{0}, 0.3, 100, ModeNone),
		mustUpdate(t, 1, []float64{3}, 0.3, 400, ModeNone),
	}

	got, _, err := e.Aggregate(updates, ledger)
	require.NoError(t, err)

	// weights 100 and 200: (0*100 + 3*200) / 300 = 2
	assert.InDelta(t, 2, got[0], 1e-12)
}

// TestAggregateErrors checks caller-input errors and that the ledger is untouched.
func TestAggregateErrors(t *testing.T) {
	e := newTestEngine(t, 2)
	ledger := NewTrustLedger(2)

	_, _, err := e.Aggregate(nil, ledger)
	assert.ErrorIs(t, err, ErrEmptyBatch)

	bad := []Update{
		mustUpdate(t, 0, []float64{9, 9, 9}, 5, 1, ModeNone),
		mustUpdate(t, 1, []float64{1, 1}, 0.1, 500, ModeNone),
	}

	_, _, err = e.Aggregate(bad, ledger)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Equal(t, []float64{1, 1}, ledger.Snapshot(), "ledger unchanged on failed aggregate")

	unknown := []Update{mustUpdate(t, 7, []float64{1, 1}, 0.1, 500, ModeNone)}
	_, _, err = e.Aggregate(unknown, ledger)
	assert.ErrorIs(t, err, ErrUnknownParticipant)

	dup := []Update{
		mustUpdate(t, 1, []float64{1, 1}, 0.1, 500, ModeNone),
		mustUpdate(t, 1, []float64{1, 1}, 0.1, 500, ModeNone),
	}
	_, _, err = e.Aggregate(dup, ledger)
	assert.ErrorIs(t, err, ErrDuplicateParticipant)
}

// TestTrustMonotoneWhenAlwaysFlagged runs many rounds with one chronic attacker.
func TestTrustMonotoneWhenAlwaysFlagged(t *testing.T) {
	e := newTestEngine(t, 2)
	ledger := NewTrustLedger(4)

	prev := ledger.Score(3)

	for round := 0; round < 60; round++ {
		updates := []Update{
			mustUpdate(t, 0, []float64{1, 2}, 0.2, 500, ModeNone),
			mustUpdate(t, 1, []float64{1, 2}, 0.25, 600, ModeNone),
			mustUpdate(t, 2, []float64{1, 2}, 0.3, 700, ModeNone),
			mustUpdate(t, 3, []float64{40, -40}, 1.9, 60, ModeAdditiveNoise),
		}

		_, _, err := e.Aggregate(updates, ledger)
		require.NoError(t, err, "round %d", round)

		score := ledger.Score(3)
		require.LessOrEqual(t, score, prev, "round %d: trust rose", round)

		for id := 0; id < ledger.Len(); id++ {
			s := ledger.Score(id)
			require.True(t, s >= 0 && s <= 1, "round %d: trust[%d] = %v out of [0,1]", round, id, s)
		}

		prev = score
	}

	assert.Less(t, prev, 1e-12, "chronic attacker trust")
}

// TestNewUpdateRejectsMalformed checks construction-time validation.
func TestNewUpdateRejectsMalformed(t *testing.T) {
	cases := []struct {
		name    string
		id      int
		vec     []float64
		loss    float64
		samples int
	}{
		{"negative id", -1, []float64{1}, 0.1, 1},
		{"empty vector", 0, nil, 0.1, 1},
		{"negative samples", 0, []float64{1}, 0.1, -5},
		{"nan loss", 0, []float64{1}, math.NaN(), 1},
		{"inf coordinate", 0, []float64{math.Inf(1)}, 0.1, 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewUpdate(tc.id, tc.vec, tc.loss, tc.samples, ModeNone)
			assert.ErrorIs(t, err, ErrInvalidUpdate)
		})
	}
}

// TestUpdateVectorIsCopied checks an Update cannot be mutated through its inputs or accessors.
func TestUpdateVectorIsCopied(t *testing.T) {
	src := []float64{1, 2}
	u := mustUpdate(t, 0, src, 0.1, 1, ModeNone)

	src[0] = 99
	v := u.Vector()
	v[1] = 99

	assert.Equal(t, Vector{1, 2}, u.Vector())
}

func TestParseCorruptionMode(t *testing.T) {
	for _, m := range []CorruptionMode{ModeNone, ModeSignFlip, ModeAdditiveNoise, ModeZero} {
		got, err := ParseCorruptionMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseCorruptionMode("gradient-ascent")
	assert.Error(t, err, "unknown mode")
}
