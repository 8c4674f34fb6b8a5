package participant

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"FleetGuard/internal/aggregation"
)

func newTestPopulation(t *testing.T, cfg Config, seed uint64) *Population {
	t.Helper()

	p, err := New(cfg, rand.New(rand.NewPCG(seed, seed)))
	require.NoError(t, err)

	return p
}

func TestAdversarialCount(t *testing.T) {
	p := newTestPopulation(t, Config{Size: 50, AdversarialRatio: 0.3, AttackMode: "random"}, 1)

	adv := p.Adversarial()
	require.Len(t, adv, 15)

	for _, id := range adv {
		require.True(t, p.IsAdversarial(id))
		require.GreaterOrEqual(t, id, 0)
		require.Less(t, id, 50)
	}
}

func TestUpdatesShape(t *testing.T) {
	p := newTestPopulation(t, Config{Size: 20, AdversarialRatio: 0.25, AttackMode: "random"}, 2)

	current := aggregation.Vector{1, -1, 0.5, 2}
	ids := []int{0, 3, 7, 11, 19}

	updates, err := p.Updates(context.Background(), 1, ids, current)
	require.NoError(t, err)
	require.Len(t, updates, len(ids))

	for i, u := range updates {
		require.Equal(t, ids[i], u.Participant())
		require.Equal(t, len(current), u.Dim())

		if p.IsAdversarial(u.Participant()) {
			require.NotEqual(t, aggregation.ModeNone, u.Mode())
			require.GreaterOrEqual(t, u.Loss(), 0.8)
			require.Less(t, u.Samples(), 100)
		} else {
			require.Equal(t, aggregation.ModeNone, u.Mode())
			require.Less(t, u.Loss(), 0.5)
			require.GreaterOrEqual(t, u.Samples(), 100)
		}
	}
}

func TestFixedAttackModes(t *testing.T) {
	current := aggregation.Vector{1, 2, 3}

	flip := newTestPopulation(t, Config{Size: 4, AdversarialRatio: 1, AttackMode: "sign-flip"}, 3)
	updates, err := flip.Updates(context.Background(), 0, []int{0, 1}, current)
	require.NoError(t, err)
	for _, u := range updates {
		require.Equal(t, aggregation.Vector{-1, -2, -3}, u.Vector())
	}

	zero := newTestPopulation(t, Config{Size: 4, AdversarialRatio: 1, AttackMode: "zero"}, 4)
	updates, err = zero.Updates(context.Background(), 0, []int{2}, current)
	require.NoError(t, err)
	require.Equal(t, aggregation.Vector{0, 0, 0}, updates[0].Vector())
}

func TestAllZeroAttackIsFlaggedDegenerate(t *testing.T) {
	p := newTestPopulation(t, Config{Size: 10, AdversarialRatio: 1, AttackMode: "zero"}, 5)

	updates, err := p.Updates(context.Background(), 0, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, aggregation.Vector{1, 1, 1, 1})
	require.NoError(t, err)

	e, err := aggregation.NewEngine(aggregation.DefaultConfig(4))
	require.NoError(t, err)

	_, report, err := e.Aggregate(updates, aggregation.NewTrustLedger(10))
	require.NoError(t, err)
	require.Equal(t, 1.0, report.FlaggedFraction)
	require.True(t, report.Degenerate)
}

func TestDeterministicReplay(t *testing.T) {
	cfg := Config{Size: 30, AdversarialRatio: 0.3, AttackMode: "random"}
	current := aggregation.Vector{0.1, 0.2}
	ids := []int{1, 5, 9, 13, 29}

	a := newTestPopulation(t, cfg, 9)
	b := newTestPopulation(t, cfg, 9)

	ua, err := a.Updates(context.Background(), 0, ids, current)
	require.NoError(t, err)
	ub, err := b.Updates(context.Background(), 0, ids, current)
	require.NoError(t, err)

	require.Equal(t, a.Adversarial(), b.Adversarial())
	for i := range ua {
		require.Equal(t, ua[i].Vector(), ub[i].Vector())
		require.Equal(t, ua[i].Loss(), ub[i].Loss())
		require.Equal(t, ua[i].Samples(), ub[i].Samples())
	}
}

func TestUpdatesErrors(t *testing.T) {
	p := newTestPopulation(t, DefaultConfig(), 6)

	_, err := p.Updates(context.Background(), 0, []int{50}, aggregation.Vector{1})
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Updates(ctx, 0, []int{1}, aggregation.Vector{1})
	require.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.Error(t, Config{Size: 0}.Validate())
	require.Error(t, Config{Size: 5, AdversarialRatio: 1.5}.Validate())
	require.Error(t, Config{Size: 5, AttackMode: "none"}.Validate())
	require.Error(t, Config{Size: 5, AttackMode: "bogus"}.Validate())
}
