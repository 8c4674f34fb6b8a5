package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"FleetGuard/internal/aggregation"
	"FleetGuard/internal/api"
	"FleetGuard/internal/attest"
	"FleetGuard/internal/channel"
	"FleetGuard/internal/checkpoint"
	"FleetGuard/internal/control"
	"FleetGuard/internal/logger"
	"FleetGuard/internal/participant"
	"FleetGuard/internal/round"
	"FleetGuard/internal/storage"
)

// Random streams derived from the seed, one per consumer.
// The orchestrator uses stream = starting round, far below these.
const (
	streamConsensus uint64 = 1<<32 + iota
	streamPopulation
	streamAgents
	streamChannel
)

// Sim wires the engines, persistence and API of one run.
type Sim struct {
	cfg         Config
	runID       string
	storage     *storage.Storage
	key         *attest.KeyPair
	checkpoints *checkpoint.Store
	registry    *prometheus.Registry
	orch        *round.Orchestrator
	api         *api.Server
}

// NewSim creates every component. A checkpoint that does not match the
// configured dimension or population is a fatal error.
func NewSim(cfg Config) (*Sim, error) {
	s := &Sim{
		cfg:      cfg,
		runID:    uuid.NewString(),
		registry: prometheus.NewRegistry(),
	}

	if err := s.initCheckpoints(); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.initOrchestrator(); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.HTTPAddress != "" {
		s.api = api.New(cfg.HTTPAddress, s.orch, s.registry)
	}

	return s, nil
}

// initCheckpoints opens storage and the signing key.
func (s *Sim) initCheckpoints() error {
	if err := os.MkdirAll(s.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	key, err := attest.LoadOrGenerate(s.cfg.keyPath())
	if err != nil {
		return fmt.Errorf("load checkpoint key:\n%w", err)
	}

	db, err := storage.New(s.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	s.key = key
	s.storage = db
	s.checkpoints = checkpoint.NewStore(db, key)

	if s.cfg.Resume {
		return nil
	}

	// a fresh run numbers rounds from 1 again, so older checkpoints would
	// outrank it in Latest and survive pruning
	removed, err := s.checkpoints.Clear()
	if err != nil {
		return fmt.Errorf("clear previous checkpoints:\n%w", err)
	}

	if removed > 0 {
		logger.Warn("fresh run, removed checkpoints of a previous run",
			"removed", removed,
			"data", s.cfg.DataPath,
		)
	}

	return nil
}

// initOrchestrator builds the engines, from the latest checkpoint when resuming.
func (s *Sim) initOrchestrator() error {
	cfg := s.cfg
	seed := cfg.Round.Seed

	agg, err := aggregation.NewEngine(cfg.Aggregation)
	if err != nil {
		return err
	}

	pop, err := participant.New(cfg.Population, rand.New(rand.NewPCG(seed, streamPopulation)))
	if err != nil {
		return err
	}

	est, err := channel.New(cfg.Channel, rand.New(rand.NewPCG(seed, streamChannel)))
	if err != nil {
		return err
	}

	cols, err := round.NewCollectors(s.registry)
	if err != nil {
		return fmt.Errorf("register metrics:\n%w", err)
	}

	s.registry.MustRegister(collectors.NewGoCollector())

	consensus, ledger, agents, opts, err := s.initialState(pop.Size())
	if err != nil {
		return err
	}

	store, err := control.NewStore(agents)
	if err != nil {
		return fmt.Errorf("agent store:\n%w", err)
	}

	ctrl, err := control.NewEngine(cfg.Control, store)
	if err != nil {
		return err
	}

	opts = append(opts,
		round.WithRunID(s.runID),
		round.WithEstimator(est),
		round.WithCollectors(cols),
		round.WithCheckpoints(&prunedCheckpoints{store: s.checkpoints, keep: cfg.KeepCheckpoints}),
	)

	orch, err := round.New(cfg.Round, consensus, agg, ledger, ctrl, pop, opts...)
	if err != nil {
		return fmt.Errorf("create orchestrator:\n%w", err)
	}

	s.orch = orch

	logger.Info("population ready",
		"participants", pop.Size(),
		"adversarial", len(pop.Adversarial()),
		"attack", cfg.Population.AttackMode,
	)

	return nil
}

// initialState returns a fresh start or the latest checkpoint's state.
func (s *Sim) initialState(participants int) (aggregation.Vector, *aggregation.TrustLedger, []control.State, []round.Option, error) {
	cfg := s.cfg
	seed := cfg.Round.Seed

	if cfg.Resume {
		rec, ok, err := s.checkpoints.Latest()
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("load latest checkpoint:\n%w", err)
		}

		if ok {
			return s.resumeFrom(rec, participants)
		}

		logger.Warn("no checkpoint to resume from, starting fresh", "data", cfg.DataPath)
	}

	rng := rand.New(rand.NewPCG(seed, streamConsensus))
	consensus := make(aggregation.Vector, cfg.Aggregation.Dimension)
	for i := range consensus {
		consensus[i] = rng.NormFloat64()
	}

	agents := control.Spawn(cfg.Agents, rand.New(rand.NewPCG(seed, streamAgents)))

	return consensus, aggregation.NewTrustLedger(participants), agents, nil, nil
}

// resumeFrom validates a checkpoint against the config and restores it.
func (s *Sim) resumeFrom(rec checkpoint.Record, participants int) (aggregation.Vector, *aggregation.TrustLedger, []control.State, []round.Option, error) {
	if len(rec.Consensus) != s.cfg.Aggregation.Dimension {
		return nil, nil, nil, nil, fmt.Errorf("%w: checkpoint round %d has dimension %d, config has %d",
			aggregation.ErrDimensionMismatch, rec.Round, len(rec.Consensus), s.cfg.Aggregation.Dimension)
	}

	if len(rec.Trust) != participants {
		return nil, nil, nil, nil, fmt.Errorf("checkpoint round %d has %d participants, config has %d",
			rec.Round, len(rec.Trust), participants)
	}

	ledger, err := aggregation.RestoreTrustLedger(rec.Trust)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("restore trust ledger:\n%w", err)
	}

	if len(rec.Agents) != s.cfg.Agents {
		logger.Warn("agent count differs from config, using checkpoint",
			"checkpoint", len(rec.Agents),
			"config", s.cfg.Agents,
		)
	}

	if rec.RunID != "" {
		s.runID = rec.RunID
	}

	logger.Info("resuming from checkpoint", "round", rec.Round, "sim_time", rec.SimTime, "run", rec.RunID)

	return aggregation.Vector(rec.Consensus), ledger, rec.Agents, []round.Option{round.WithStart(rec.Round, rec.SimTime)}, nil
}

// Run serves the API and runs rounds until a stop condition or ctx is done.
func (s *Sim) Run(ctx context.Context) error {
	if s.api != nil {
		if err := s.api.Start(); err != nil {
			return fmt.Errorf("start api:\n%w", err)
		}
	}

	st := s.orch.Status()
	logger.Info("starting FleetGuard run",
		"run", s.runID,
		"round", st.Round,
		"dimension", st.Dimension,
		"participants", st.Participants,
		"agents", st.Agents,
		"data", s.cfg.DataPath,
		"http", s.cfg.HTTPAddress,
	)

	start := time.Now()

	err := s.orch.Run(ctx)
	if errors.Is(err, context.Canceled) {
		logger.Info("interrupted, stopped at round boundary")
		err = nil
	}
	if err != nil {
		return err
	}

	if err := s.finalCheckpoint(); err != nil {
		logger.Error("final checkpoint failed", "error", err)
	}

	s.logSummary(start)

	return nil
}

// finalCheckpoint saves the last completed round if checkpoints are enabled
// and it was not saved already.
func (s *Sim) finalCheckpoint() error {
	every := s.cfg.Round.CheckpointEvery
	st := s.orch.Status()

	if every == 0 || st.Round == 0 || st.Round%every == 0 {
		return nil
	}

	rec := checkpoint.Record{
		RunID:     s.runID,
		Round:     st.Round,
		SimTime:   st.SimTime,
		Consensus: s.orch.ConsensusState(),
		Trust:     s.orch.Trust(),
		Agents:    s.orch.Agents(),
	}

	if last, ok := s.orch.MetricsSnapshot().Last(); ok && last.Round == st.Round {
		rec.Flagged = last.Flagged
	}

	return s.checkpoints.Save(rec)
}

// logSummary logs the totals of the run.
func (s *Sim) logSummary(start time.Time) {
	m := s.orch.MetricsSnapshot()
	st := s.orch.Status()

	logger.Info("run summary",
		"run", s.runID,
		"rounds", len(m.Rounds),
		"last_round", st.Round,
		"participants", m.TotalParticipants,
		"flagged", m.TotalFlagged,
		"degenerate_rounds", m.DegenerateRounds,
		"violations", m.TotalViolations,
		"mean_trust", st.MeanTrust,
		"consensus", round.Digest(s.orch.ConsensusState()),
		logger.Timed(start),
	)

	for kind, n := range m.ViolationsByKind {
		logger.Info("violations by kind", "kind", kind, "count", n)
	}
}

// Close shuts down all components.
func (s *Sim) Close() error {
	if s.api != nil {
		s.api.Stop()
	}

	if s.storage != nil {
		return s.storage.Close()
	}

	return nil
}

// prunedCheckpoints saves checkpoints and keeps only the newest keep.
type prunedCheckpoints struct {
	store *checkpoint.Store
	keep  int
}

func (p *prunedCheckpoints) Save(r checkpoint.Record) error {
	if err := p.store.Save(r); err != nil {
		return err
	}

	if p.keep == 0 {
		return nil
	}

	removed, err := p.store.Prune(p.keep)
	if err != nil {
		return err
	}

	if removed > 0 {
		logger.Debug("pruned checkpoints", "removed", removed, "kept", p.keep)
	}

	return nil
}

// openCheckpoints opens an existing data directory for inspection. The key is
// only loaded when its seed file exists.
func openCheckpoints(cfg Config) (*checkpoint.Store, func(), error) {
	dbPath := cfg.DataPath + "/db"
	if _, err := os.Stat(dbPath); err != nil {
		return nil, nil, fmt.Errorf("open data directory %s:\n%w", cfg.DataPath, err)
	}

	var key *attest.KeyPair
	if _, err := os.Stat(cfg.keyPath()); err == nil {
		key, err = attest.LoadOrGenerate(cfg.keyPath())
		if err != nil {
			return nil, nil, fmt.Errorf("load checkpoint key:\n%w", err)
		}
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open storage:\n%w", err)
	}

	return checkpoint.NewStore(db, key), func() { db.Close() }, nil
}
