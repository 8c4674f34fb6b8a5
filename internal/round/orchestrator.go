// Package round drives the simulation: each round samples participants,
// aggregates their updates into a new consensus, steps every agent under the
// safety envelope, and folds the results into the run metrics.
package round

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/errgroup"

	"FleetGuard/internal/aggregation"
	"FleetGuard/internal/channel"
	"FleetGuard/internal/checkpoint"
	"FleetGuard/internal/control"
	"FleetGuard/internal/logger"
)

// ErrRunning is returned when Run is called on an orchestrator that is already running.
var ErrRunning = errors.New("orchestrator already running")

// timeEpsilon absorbs float error when comparing the simulated clock to its limit.
const timeEpsilon = 1e-9

// Phase is the lifecycle state of the orchestrator.
type Phase uint32

const (
	PhaseIdle            Phase = iota // not running
	PhaseRoundInProgress              // a round holds the state lock
	PhaseRoundComplete                // between rounds
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRoundInProgress:
		return "round-in-progress"
	case PhaseRoundComplete:
		return "round-complete"
	default:
		return fmt.Sprintf("phase(%d)", uint32(p))
	}
}

// UpdateSource produces one update per requested participant.
type UpdateSource interface {
	Updates(ctx context.Context, round uint64, ids []int, current aggregation.Vector) ([]aggregation.Update, error)
}

// Estimator produces channel estimates that annotate metrics.
type Estimator interface {
	Estimate(ctx context.Context, kind channel.Kind, rng *rand.Rand) (channel.Report, error)
}

// Checkpointer persists round-boundary state.
type Checkpointer interface {
	Save(r checkpoint.Record) error
}

// Orchestrator runs rounds. It is the only writer of the consensus, the
// trust ledger (through the aggregation engine), the agent store (through the
// control engine) and the metrics.
type Orchestrator struct {
	cfg        Config
	kinds      []channel.Kind
	aggregator *aggregation.Engine
	ledger     *aggregation.TrustLedger
	control    *control.Engine
	source     UpdateSource
	estimator  Estimator
	ckpt       Checkpointer
	collectors *Collectors
	runID      string
	log        *slog.Logger

	rng *rand.Rand // rng is only used by the goroutine running rounds

	// mu is held for writing for the whole of a round, so readers only
	// observe state between rounds.
	mu         sync.RWMutex
	consensus  aggregation.Vector // replaced at the end of a round, never mutated
	round      uint64             // last completed round
	simTime    float64
	startRound uint64
	startTime  float64
	metrics    *Metrics

	phase   atomic.Uint32
	running atomic.Bool

	stopOnce sync.Once
	stop     chan struct{}
}

// Option configures the orchestrator during creation.
type Option func(*Orchestrator)

// WithEstimator annotates every round with channel estimates.
func WithEstimator(e Estimator) Option {
	return func(o *Orchestrator) {
		o.estimator = e
	}
}

// WithCheckpoints persists state every Config.CheckpointEvery rounds.
func WithCheckpoints(c Checkpointer) Option {
	return func(o *Orchestrator) {
		o.ckpt = c
	}
}

// WithCollectors exports round metrics to Prometheus.
func WithCollectors(c *Collectors) Option {
	return func(o *Orchestrator) {
		o.collectors = c
	}
}

// WithRunID tags logs and checkpoints with the run identity.
func WithRunID(id string) Option {
	return func(o *Orchestrator) {
		o.runID = id
	}
}

// WithStart continues a previous run from a completed round and its clock.
func WithStart(round uint64, simTime float64) Option {
	return func(o *Orchestrator) {
		o.round = round
		o.simTime = simTime
	}
}

// New creates an orchestrator. The initial consensus must have the
// aggregation engine's dimension; a mismatch is a fatal configuration error.
// The trust ledger size is the participant population.
func New(cfg Config, initial aggregation.Vector, agg *aggregation.Engine, ledger *aggregation.TrustLedger, ctrl *control.Engine, source UpdateSource, opts ...Option) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid round config:\n%w", err)
	}

	if agg == nil || ledger == nil || ctrl == nil || source == nil {
		return nil, fmt.Errorf("aggregation engine, trust ledger, control engine and update source are required")
	}

	if len(initial) != agg.Dimension() {
		return nil, fmt.Errorf("%w: initial consensus has %d coordinates, engine expects %d",
			aggregation.ErrDimensionMismatch, len(initial), agg.Dimension())
	}

	if ledger.Len() == 0 {
		return nil, fmt.Errorf("empty participant population")
	}

	kinds, _ := cfg.kinds()

	o := &Orchestrator{
		cfg:        cfg,
		kinds:      kinds,
		aggregator: agg,
		ledger:     ledger,
		control:    ctrl,
		source:     source,
		consensus:  initial.Clone(),
		metrics:    newMetrics(),
		stop:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(o)
	}

	o.startRound = o.round
	o.startTime = o.simTime
	o.rng = rand.New(rand.NewPCG(cfg.Seed, o.startRound))
	o.log = logger.With("run", o.runID)

	return o, nil
}

// Run executes rounds until a stop condition holds: the round limit, the
// simulated-time limit, Stop, or ctx cancellation. Both limits count from the
// start of this run, also after WithStart. Stop conditions are only checked
// between rounds. Run returns ctx.Err() when cancelled and nil
// otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer o.running.Store(false)
	defer o.phase.Store(uint32(PhaseIdle))

	start := time.Now()

	for {
		if reason, done := o.stopReason(ctx); done {
			o.mu.RLock()
			o.log.Info("run finished",
				"reason", reason,
				"rounds", o.round,
				"sim_time", o.simTime,
				logger.Timed(start),
			)
			o.mu.RUnlock()

			if reason == "cancelled" {
				return ctx.Err()
			}

			return nil
		}

		// a started round always completes
		o.runRound(context.WithoutCancel(ctx))
	}
}

// Stop asks the running loop to finish after the current round.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stop)
	})
}

// Phase returns the current lifecycle phase.
func (o *Orchestrator) Phase() Phase {
	return Phase(o.phase.Load())
}

// stopReason reports whether the loop must end before the next round.
func (o *Orchestrator) stopReason(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "cancelled", true
	case <-o.stop:
		return "stopped", true
	default:
	}

	o.mu.RLock()
	defer o.mu.RUnlock()

	if o.cfg.Rounds > 0 && o.round-o.startRound >= o.cfg.Rounds {
		return "round limit", true
	}

	elapsed := float64(o.round-o.startRound) * o.cfg.Dt
	if o.cfg.Duration > 0 && elapsed >= o.cfg.Duration-timeEpsilon {
		return "time limit", true
	}

	return "", false
}

// stepResult is the outcome of one agent step.
type stepResult struct {
	res control.Result
	err error
}

// runRound executes one full round under the write lock.
func (o *Orchestrator) runRound(ctx context.Context) {
	start := time.Now()

	o.mu.Lock()
	defer o.mu.Unlock()

	o.phase.Store(uint32(PhaseRoundInProgress))

	round := o.round + 1
	agents := o.control.Store().IDs()

	// all randomness for the round is drawn here, in a fixed order
	ids := o.sample()
	estSeed := [2]uint64{o.rng.Uint64(), o.rng.Uint64()}
	agentSeeds := make([][2]uint64, len(agents))
	for i := range agentSeeds {
		agentSeeds[i] = [2]uint64{o.rng.Uint64(), o.rng.Uint64()}
	}

	rec := Record{Round: round, Participants: len(ids)}

	o.aggregate(ctx, round, ids, &rec)

	estimates := make(chan map[string]channel.Report, 1)
	go func() {
		estimates <- o.estimate(ctx, round, rand.New(rand.NewPCG(estSeed[0], estSeed[1])))
	}()

	results := o.fanOut(agents, agentSeeds, o.consensus)

	// barrier passed: fold
	var violations []control.ViolationRecord
	for i, r := range results {
		if r.err != nil {
			rec.StepErrors++
			o.log.Warn("agent step failed", "round", round, "agent", agents[i], "error", r.err)
			continue
		}

		if v, ok := r.res.Outcome.Record(agents[i]); ok {
			violations = append(violations, v)
		}
	}

	rec.Violations = len(violations)
	if len(violations) > 0 {
		rec.ViolationsByKind = make(map[string]int)
		for _, v := range violations {
			rec.ViolationsByKind[v.Kind.String()]++
		}
	}

	rec.Estimates = <-estimates
	rec.MeanTrust = o.ledger.Mean()
	rec.ConsensusDigest = Digest(o.consensus)

	o.round = round
	o.simTime = o.startTime + float64(round-o.startRound)*o.cfg.Dt
	rec.SimTime = o.simTime

	o.metrics.fold(rec, o.consensus, violations)
	o.collectors.observe(rec, time.Since(start))

	if o.ckpt != nil && o.cfg.CheckpointEvery > 0 && round%o.cfg.CheckpointEvery == 0 {
		o.checkpoint(rec)
	}

	o.log.Debug("round complete",
		"round", round,
		"participants", rec.Participants,
		"flagged", len(rec.Flagged),
		"degenerate", rec.Degenerate,
		"violations", rec.Violations,
		"mean_trust", rec.MeanTrust,
		logger.Timed(start),
	)

	o.phase.Store(uint32(PhaseRoundComplete))
}

// sample draws the participants of a round: floor(N*f) ids without
// replacement, f uniform in the configured range, at least one, ascending.
func (o *Orchestrator) sample() []int {
	n := o.ledger.Len()
	f := o.cfg.ParticipationMin + o.rng.Float64()*(o.cfg.ParticipationMax-o.cfg.ParticipationMin)

	count := int(float64(n) * f)
	count = max(count, 1)
	count = min(count, n)

	ids := o.rng.Perm(n)[:count]
	sort.Ints(ids)

	return ids
}

// aggregate requests updates and replaces the consensus. On error the
// previous consensus is kept and the round continues.
func (o *Orchestrator) aggregate(ctx context.Context, round uint64, ids []int, rec *Record) {
	updates, err := o.source.Updates(ctx, round, ids, o.consensus.Clone())
	if err != nil {
		rec.AggregationError = err.Error()
		o.log.Warn("update source failed", "round", round, "error", err)
		return
	}

	next, report, err := o.aggregator.Aggregate(updates, o.ledger)
	if err != nil {
		rec.AggregationError = err.Error()
		o.log.Warn("aggregation failed, keeping previous consensus", "round", round, "error", err)
		return
	}

	if report.Degenerate {
		o.log.Warn("every update flagged, used coordinate median", "round", round, "participants", report.Participants)
	}

	o.consensus = next
	rec.Participants = report.Participants
	rec.Flagged = report.Flagged
	rec.FlaggedFraction = report.FlaggedFraction
	rec.Degenerate = report.Degenerate
	rec.Method = report.Method.String()
}

// fanOut steps every agent once on a bounded pool and waits for all of them.
// Each agent gets its own random source, so results do not depend on
// scheduling.
func (o *Orchestrator) fanOut(agents []int, seeds [][2]uint64, consensus aggregation.Vector) []stepResult {
	results := make([]stepResult, len(agents))

	var g errgroup.Group
	g.SetLimit(o.cfg.Workers)

	for i, id := range agents {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(seeds[i][0], seeds[i][1]))

			in := control.Input{
				Control:     Propose(rng, consensus, o.cfg.ConsensusGain),
				Dt:          o.cfg.Dt,
				Disturbance: control.RandomDisturbance(rng, o.cfg.DisturbanceLinear, o.cfg.DisturbanceAngular),
			}

			res, err := o.control.Step(id, in)
			results[i] = stepResult{res: res, err: err}

			return nil
		})
	}

	_ = g.Wait()

	return results
}

// estimate runs the configured channel estimates. Failures are logged and
// leave the estimate out.
func (o *Orchestrator) estimate(ctx context.Context, round uint64, rng *rand.Rand) map[string]channel.Report {
	if o.estimator == nil || len(o.kinds) == 0 {
		return nil
	}

	out := make(map[string]channel.Report, len(o.kinds))

	for _, k := range o.kinds {
		r, err := o.estimator.Estimate(ctx, k, rng)
		if err != nil {
			o.log.Warn("channel estimate failed", "round", round, "kind", k, "error", err)
			continue
		}

		out[k.String()] = r
	}

	return out
}

// checkpoint persists the state at the end of a round.
func (o *Orchestrator) checkpoint(rec Record) {
	r := checkpoint.Record{
		RunID:     o.runID,
		Round:     rec.Round,
		SimTime:   rec.SimTime,
		Consensus: o.consensus.Clone(),
		Trust:     o.ledger.Snapshot(),
		Agents:    o.control.Store().Snapshot(),
		Flagged:   rec.Flagged,
	}

	if err := o.ckpt.Save(r); err != nil {
		o.log.Error("checkpoint failed", "round", rec.Round, "error", err)
		return
	}

	o.log.Info("checkpoint saved", "round", rec.Round, "agents", len(r.Agents))
}

// Propose returns the control proposal for one agent: a uniform exploration
// term in [-1,1)^3 plus gain times the first three consensus coordinates.
func Propose(rng *rand.Rand, consensus aggregation.Vector, gain float64) control.Vec3 {
	var u control.Vec3

	for i := range u {
		u[i] = rng.Float64()*2 - 1
		if i < len(consensus) {
			u[i] += gain * consensus[i]
		}
	}

	return u
}

// Digest returns the hex blake3 digest of a consensus vector.
func Digest(v aggregation.Vector) string {
	h := blake3.New()

	var buf [8]byte
	for _, x := range v {
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(x))
		h.Write(buf[:])
	}

	return hex.EncodeToString(h.Sum(nil))
}
