package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"FleetGuard/internal/aggregation"
)

// testConfig returns a small scenario writing to a temp directory.
func testConfig(t *testing.T) Config {
	t.Helper()

	cfg := defaultConfig()
	cfg.DataPath = t.TempDir()
	cfg.HTTPAddress = ""
	cfg.LogLevel = "error"
	cfg.Agents = 4
	cfg.Population.Size = 20
	cfg.Aggregation = aggregation.DefaultConfig(4)
	cfg.Round.Rounds = 7
	cfg.Round.CheckpointEvery = 3
	cfg.KeepCheckpoints = 0

	return cfg
}

func runSim(t *testing.T, cfg Config) *Sim {
	t.Helper()

	sim, err := NewSim(cfg)
	require.NoError(t, err)
	require.NoError(t, sim.Run(context.Background()))

	return sim
}

func TestLoadConfigOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	yml := `
agents: 3
population:
  size: 12
  attack_mode: sign-flip
aggregation:
  dimension: 8
round:
  rounds: 9
  estimators: [link-delay]
control:
  max_speed: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0644))

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, 3, cfg.Agents)
	require.Equal(t, 12, cfg.Population.Size)
	require.Equal(t, "sign-flip", cfg.Population.AttackMode)
	require.Equal(t, 8, cfg.Aggregation.Dimension)
	require.Equal(t, uint64(9), cfg.Round.Rounds)
	require.Equal(t, []string{"link-delay"}, cfg.Round.Estimators)
	require.Equal(t, 7.0, cfg.Control.MaxSpeed)

	// untouched keys keep their defaults
	require.Equal(t, defaultConfig().Aggregation.LossMultiple, cfg.Aggregation.LossMultiple)
	require.Equal(t, defaultConfig().Control.K2, cfg.Control.K2)
	require.Equal(t, defaultConfig().Round.Dt, cfg.Round.Dt)
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agentz: 3\n"), 0644))

	_, err := loadConfig(path)
	require.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, defaultConfig().Validate())

	cfg := defaultConfig()
	cfg.LogLevel = "loud"
	require.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Control.K2 = cfg.Control.K1
	require.Error(t, cfg.Validate())

	cfg = defaultConfig()
	cfg.Agents = 0
	require.Error(t, cfg.Validate())
}

func TestRunFlagsOverrideConfig(t *testing.T) {
	cmd := newRunCmd()
	require.NoError(t, cmd.Flags().Parse([]string{"--rounds", "3", "--dimension", "5", "--attack", "zero"}))

	var f runFlags
	f.rounds, f.dimension, f.attack = 3, 5, "zero"

	cfg := defaultConfig()
	f.apply(cmd.Flags(), &cfg)

	require.Equal(t, uint64(3), cfg.Round.Rounds)
	require.Equal(t, 5, cfg.Aggregation.Dimension)
	require.Equal(t, "zero", cfg.Population.AttackMode)

	// flags left unset do not override
	require.Equal(t, defaultConfig().Agents, cfg.Agents)
	require.Equal(t, defaultConfig().DataPath, cfg.DataPath)
}

func TestSimRunWritesCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	sim := runSim(t, cfg)

	rounds, err := sim.checkpoints.Rounds()
	require.NoError(t, err)

	// every 3 rounds plus the final round
	require.Equal(t, []uint64{3, 6, 7}, rounds)

	latest, ok, err := sim.checkpoints.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, sim.runID, latest.RunID)
	require.Equal(t, []float64(sim.orch.ConsensusState()), latest.Consensus)
	require.Equal(t, sim.orch.Agents(), latest.Agents)

	require.NoError(t, sim.Close())
}

func TestFreshRunReplacesPreviousCheckpoints(t *testing.T) {
	cfg := testConfig(t)
	cfg.Round.Rounds = 30
	cfg.KeepCheckpoints = 3

	old := runSim(t, cfg)
	oldID := old.runID
	require.NoError(t, old.Close())

	cfg.Round.Rounds = 7
	fresh := runSim(t, cfg)
	defer fresh.Close()

	require.NotEqual(t, oldID, fresh.runID)

	rounds, err := fresh.checkpoints.Rounds()
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 6, 7}, rounds)

	latest, ok, err := fresh.checkpoints.Latest()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), latest.Round)
	require.Equal(t, fresh.runID, latest.RunID)
}

func TestSimResume(t *testing.T) {
	cfg := testConfig(t)

	first := runSim(t, cfg)
	runID := first.runID
	consensus := first.orch.ConsensusState()
	require.NoError(t, first.Close())

	cfg.Resume = true
	cfg.Round.Rounds = 4

	second := runSim(t, cfg)
	defer second.Close()

	require.Equal(t, runID, second.runID)

	m := second.orch.MetricsSnapshot()
	require.Len(t, m.Rounds, 4)
	require.Equal(t, uint64(8), m.Rounds[0].Round)
	require.Equal(t, uint64(11), second.orch.Status().Round)
	require.NotEqual(t, consensus, second.orch.ConsensusState())
}

func TestSimResumeDimensionMismatchIsFatal(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, runSim(t, cfg).Close())

	cfg.Resume = true
	cfg.Aggregation.Dimension = 6

	_, err := NewSim(cfg)
	require.True(t, errors.Is(err, aggregation.ErrDimensionMismatch), "got %v", err)
}

func TestSimResumeWithoutCheckpointStartsFresh(t *testing.T) {
	cfg := testConfig(t)
	cfg.Resume = true
	cfg.Round.Rounds = 2

	sim := runSim(t, cfg)
	defer sim.Close()

	require.Equal(t, uint64(2), sim.orch.Status().Round)
}

func TestCheckpointCommand(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, runSim(t, cfg).Close())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"checkpoint", "--data", cfg.DataPath, "--prune", "2"})
	require.NoError(t, root.Execute())

	// the first line reports pruning, the rest is JSON
	line, rest, found := bytes.Cut(out.Bytes(), []byte("\n"))
	require.True(t, found)
	require.Equal(t, "pruned 1 checkpoints", string(line))

	var resp struct {
		Rounds []uint64           `json:"rounds"`
		Latest checkpointSummary `json:"latest"`
	}
	require.NoError(t, json.Unmarshal(rest, &resp))

	require.Equal(t, []uint64{6, 7}, resp.Rounds)
	require.Equal(t, uint64(7), resp.Latest.Round)
	require.Equal(t, 4, resp.Latest.Dimension)
	require.Equal(t, 20, resp.Latest.Participants)
	require.True(t, resp.Latest.Signed)
	require.True(t, resp.Latest.Verified)
}

func TestCheckpointCommandMissingData(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"checkpoint", "--data", filepath.Join(t.TempDir(), "nope")})

	require.Error(t, root.Execute())
}

func TestCompareCommandReplayIsIdentical(t *testing.T) {
	a := testConfig(t)
	require.NoError(t, runSim(t, a).Close())

	b := testConfig(t)
	require.NoError(t, runSim(t, b).Close())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"compare", a.DataPath, b.DataPath})
	require.NoError(t, root.Execute())
	require.Contains(t, out.String(), "states are identical")

	root = newRootCmd()
	out.Reset()
	root.SetOut(&out)
	root.SetArgs([]string{"compare", "--round", "6", a.DataPath, b.DataPath})
	require.NoError(t, root.Execute())
}

func TestCompareCommandDetectsDivergence(t *testing.T) {
	a := testConfig(t)
	require.NoError(t, runSim(t, a).Close())

	b := testConfig(t)
	b.Round.Seed = 99
	require.NoError(t, runSim(t, b).Close())

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"compare", a.DataPath, b.DataPath})

	err := root.Execute()
	require.ErrorIs(t, err, errStatesDiffer)
	require.Contains(t, out.String(), "consensus coordinates")
}
