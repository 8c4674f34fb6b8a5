package channel

import (
	"context"
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestEstimator(t *testing.T, cfg Config) (*Estimator, *rand.Rand) {
	t.Helper()

	rng := rand.New(rand.NewPCG(7, 11))
	e, err := New(cfg, rng)
	require.NoError(t, err)

	return e, rng
}

func TestKeyFidelityRanges(t *testing.T) {
	e, rng := newTestEstimator(t, DefaultConfig())

	for range 20 {
		r, err := e.Estimate(context.Background(), KindKeyFidelity, rng)
		require.NoError(t, err)

		require.Equal(t, KindKeyFidelity, r.Kind)
		require.GreaterOrEqual(t, r.ErrorRate, 0.01)
		require.Less(t, r.ErrorRate, 0.05)
		require.Positive(t, r.SiftedLength)
		require.LessOrEqual(t, r.SiftedLength, 1000)
		require.InDelta(t, float64(r.SiftedLength)/1000, r.Efficiency, 1e-12)

		// roughly half the bases match and few bits flip
		require.InDelta(t, 0.5, r.Efficiency, 0.1)
		require.Greater(t, r.Fidelity, 0.85)
		require.LessOrEqual(t, r.Fidelity, 1.0)
	}
}

func TestLinkDelayRanges(t *testing.T) {
	e, rng := newTestEstimator(t, DefaultConfig())

	r, err := e.Estimate(context.Background(), KindLinkDelay, rng)
	require.NoError(t, err)

	require.Equal(t, KindLinkDelay, r.Kind)
	require.Positive(t, r.MeanDelay)
	require.Less(t, r.MeanDelay, time.Second)
	require.GreaterOrEqual(t, r.LossRate, 0.0)
	require.LessOrEqual(t, r.LossRate, 1.0)
}

func TestEstimateDeterministic(t *testing.T) {
	a, ra := newTestEstimator(t, DefaultConfig())
	b, rb := newTestEstimator(t, DefaultConfig())

	for _, kind := range []Kind{KindKeyFidelity, KindLinkDelay} {
		x, err := a.Estimate(context.Background(), kind, ra)
		require.NoError(t, err)
		y, err := b.Estimate(context.Background(), kind, rb)
		require.NoError(t, err)
		require.Equal(t, x, y)
	}
}

func TestEstimateNoneAndErrors(t *testing.T) {
	e, rng := newTestEstimator(t, DefaultConfig())

	r, err := e.Estimate(context.Background(), KindNone, rng)
	require.NoError(t, err)
	require.Equal(t, Report{Kind: KindNone}, r)

	_, err = e.Estimate(context.Background(), Kind(42), rng)
	require.True(t, errors.Is(err, ErrUnknownKind))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Estimate(ctx, KindLinkDelay, rng)
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
		ok   bool
	}{
		{"", KindNone, true},
		{"none", KindNone, true},
		{"key-fidelity", KindKeyFidelity, true},
		{"link-delay", KindLinkDelay, true},
		{"qkd", KindNone, false},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.ok {
			require.NoError(t, err, tt.in)
			require.Equal(t, tt.want, got)
			require.Equal(t, got, mustParse(t, got.String()))
		} else {
			require.ErrorIs(t, err, ErrUnknownKind)
		}
	}
}

func mustParse(t *testing.T, s string) Kind {
	t.Helper()

	k, err := ParseKind(s)
	require.NoError(t, err)

	return k
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Nodes = 1
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Bits = 0
	require.Error(t, bad.Validate())
}
