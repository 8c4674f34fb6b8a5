package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FleetGuard/internal/aggregation"
	"FleetGuard/internal/control"
	"FleetGuard/internal/round"
)

// mockProvider serves fixed state.
type mockProvider struct {
	consensus aggregation.Vector
	agents    []control.State
	trust     []float64
	metrics   round.Metrics
}

func (m *mockProvider) Status() round.Status {
	return round.Status{RunID: "run", Phase: "round-complete", Round: uint64(len(m.metrics.Rounds)), Agents: len(m.agents)}
}

func (m *mockProvider) ConsensusState() aggregation.Vector { return m.consensus.Clone() }

func (m *mockProvider) AgentState(id int) (control.State, error) {
	for _, a := range m.agents {
		if a.ID == id {
			return a, nil
		}
	}

	return control.State{}, fmt.Errorf("%w: %d", control.ErrUnknownAgent, id)
}

func (m *mockProvider) Agents() []control.State { return m.agents }

func (m *mockProvider) Trust() []float64 { return m.trust }

func (m *mockProvider) MetricsSnapshot() round.Metrics { return m.metrics }

func newMockProvider() *mockProvider {
	m := &mockProvider{
		consensus: aggregation.Vector{1, -2, 0.5},
		agents: []control.State{
			{ID: 0, Position: control.Vec3{1, 2, 3}, Battery: 0.9, SafetyMargin: 0.7},
			{ID: 4, Battery: 0.5, SafetyMargin: 1},
		},
		trust: []float64{1, 0.5, 0.25},
	}

	for i := 1; i <= 10; i++ {
		m.metrics.Rounds = append(m.metrics.Rounds, round.Record{Round: uint64(i), Participants: 3})
	}
	m.metrics.TotalParticipants = 30
	m.metrics.TotalViolations = 2

	return m
}

// get performs a request against the server router.
func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()

	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "parse response %q", w.Body.String())
}

func TestHealthEndpoint(t *testing.T) {
	server := New(":0", newMockProvider(), nil)

	w := get(t, server, "/health")
	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	decode(t, w, &resp)

	assert.Equal(t, "ok", resp["status"])
}

func TestStatusEndpoint(t *testing.T) {
	server := New(":0", newMockProvider(), nil)

	w := get(t, server, "/status")
	require.Equal(t, http.StatusOK, w.Code)

	var st round.Status
	decode(t, w, &st)

	assert.Equal(t, uint64(10), st.Round)
	assert.Equal(t, 2, st.Agents)
	assert.Equal(t, "run", st.RunID)
}

func TestConsensusEndpoint(t *testing.T) {
	p := newMockProvider()
	server := New(":0", p, nil)

	var resp ConsensusResponse
	decode(t, get(t, server, "/consensus"), &resp)

	assert.Equal(t, 3, resp.Dimension)
	assert.Equal(t, []float64{1, -2, 0.5}, resp.Consensus)
	assert.Equal(t, round.Digest(p.consensus), resp.Digest)
}

func TestAgentEndpoint(t *testing.T) {
	server := New(":0", newMockProvider(), nil)

	w := get(t, server, "/agents/0")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var st control.State
	decode(t, w, &st)

	assert.Equal(t, control.Vec3{1, 2, 3}, st.Position)
	assert.Equal(t, 0.9, st.Battery)

	tests := []struct {
		path string
		code int
	}{
		{"/agents/7", http.StatusNotFound},
		{"/agents/abc", http.StatusBadRequest},
		{"/agents/-1", http.StatusBadRequest},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.code, get(t, server, tt.path).Code, tt.path)
	}
}

func TestAgentsAndTrustEndpoints(t *testing.T) {
	server := New(":0", newMockProvider(), nil)

	var agents []control.State
	decode(t, get(t, server, "/agents"), &agents)
	require.Len(t, agents, 2)
	assert.Equal(t, 4, agents[1].ID)

	var trust map[string][]float64
	decode(t, get(t, server, "/trust"), &trust)
	assert.Equal(t, []float64{1, 0.5, 0.25}, trust["trust"])
}

func TestRoundsEndpoint(t *testing.T) {
	server := New(":0", newMockProvider(), nil)

	tests := []struct {
		query string
		first uint64
		count int
	}{
		{"", 1, 10},
		{"?limit=3", 8, 3},
		{"?from=4", 4, 7},
		{"?from=4&limit=2", 4, 2},
		{"?from=50", 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var resp RoundsResponse
			decode(t, get(t, server, "/rounds"+tt.query), &resp)

			assert.Equal(t, 10, resp.Total)
			assert.Equal(t, 30, resp.TotalParticipants)
			assert.Equal(t, 2, resp.TotalViolations)

			require.Len(t, resp.Rounds, tt.count)
			if tt.count > 0 {
				assert.Equal(t, tt.first, resp.Rounds[0].Round)
			}
		})
	}

	for _, bad := range []string{"?limit=0", "?limit=x", "?from=-1"} {
		assert.Equal(t, http.StatusBadRequest, get(t, server, "/rounds"+bad).Code, bad)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := round.NewCollectors(reg)
	require.NoError(t, err)

	server := New(":0", newMockProvider(), reg)

	w := get(t, server, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fleetguard_rounds_total")

	// disabled without a gatherer
	assert.Equal(t, http.StatusNotFound, get(t, New(":0", newMockProvider(), nil), "/metrics").Code)
}

func TestParseRoundQueryCapsLimit(t *testing.T) {
	q, err := parseRoundQuery(url.Values{"limit": {"999999"}})
	require.NoError(t, err)

	assert.Equal(t, maxRoundLimit, q.limit)
}
