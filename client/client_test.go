package client

import (
	"context"
	"math/rand/v2"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FleetGuard/internal/aggregation"
	"FleetGuard/internal/api"
	"FleetGuard/internal/control"
	"FleetGuard/internal/participant"
	"FleetGuard/internal/round"
)

// newTestServer runs a short simulation and serves it over httptest.
func newTestServer(t *testing.T) (*httptest.Server, *round.Orchestrator) {
	t.Helper()

	agg, err := aggregation.NewEngine(aggregation.DefaultConfig(3))
	require.NoError(t, err)

	pop, err := participant.New(participant.DefaultConfig(), rand.New(rand.NewPCG(1, 2)))
	require.NoError(t, err)

	store, err := control.NewStore(control.Spawn(4, rand.New(rand.NewPCG(3, 4))))
	require.NoError(t, err)

	ctrl, err := control.NewEngine(control.DefaultLimits(), store)
	require.NoError(t, err)

	cfg := round.DefaultConfig()
	cfg.Rounds = 3
	cfg.Estimators = nil

	o, err := round.New(cfg, aggregation.Vector{1, 0, -1}, agg, aggregation.NewTrustLedger(pop.Size()), ctrl, pop, round.WithRunID("test-run"))
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background()))

	ts := httptest.NewServer(api.New(":0", o, nil).Handler())
	t.Cleanup(ts.Close)

	return ts, o
}

func TestClientQueries(t *testing.T) {
	ts, o := newTestServer(t)

	c, err := NewClient(strings.TrimPrefix(ts.URL, "http://"))
	require.NoError(t, err)

	st, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "test-run", st.RunID)
	assert.Equal(t, uint64(3), st.Round)
	assert.Equal(t, 4, st.Agents)

	cons, err := c.Consensus()
	require.NoError(t, err)
	assert.Equal(t, round.Digest(o.ConsensusState()), cons.Digest)

	agent, err := c.Agent(2)
	require.NoError(t, err)
	want, err := o.AgentState(2)
	require.NoError(t, err)
	assert.Equal(t, want, agent)

	agents, err := c.Agents()
	require.NoError(t, err)
	assert.Len(t, agents, 4)

	trust, err := c.Trust()
	require.NoError(t, err)
	assert.Len(t, trust, 50)

	rounds, err := c.Rounds(2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, rounds.Total)
	require.Len(t, rounds.Rounds, 2)
	assert.Equal(t, uint64(2), rounds.Rounds[0].Round)
}

func TestClientUnknownAgent(t *testing.T) {
	ts, _ := newTestServer(t)

	c, err := NewClient(ts.URL)
	require.NoError(t, err)

	_, err = c.Agent(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewClientUnreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	addr := ts.URL
	ts.Close()

	_, err := NewClient(addr)
	assert.Error(t, err, "closed server")
}
