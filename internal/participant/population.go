// Package participant simulates the population that feeds the aggregation
// engine: honest clients running noisy local training and adversarial clients
// corrupting their updates. It is an Update Source for the round orchestrator.
package participant

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"FleetGuard/internal/aggregation"
)

// Config describes the simulated population.
type Config struct {
	// Size is the number of participants, with ids 0..Size-1.
	Size int `yaml:"size"`

	// AdversarialRatio is the fraction of participants that attack.
	AdversarialRatio float64 `yaml:"adversarial_ratio"`

	// AttackMode fixes the corruption mode; "random" draws one per update.
	AttackMode string `yaml:"attack_mode"`
}

// DefaultConfig returns 50 participants, 30% adversarial, random attacks.
func DefaultConfig() Config {
	return Config{
		Size:             50,
		AdversarialRatio: 0.3,
		AttackMode:       "random",
	}
}

// Validate checks the population parameters.
func (c Config) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("population size must be positive, got %d", c.Size)
	}

	if c.AdversarialRatio < 0 || c.AdversarialRatio > 1 {
		return fmt.Errorf("adversarial ratio must be in [0,1], got %v", c.AdversarialRatio)
	}

	if _, _, err := parseAttack(c.AttackMode); err != nil {
		return err
	}

	return nil
}

// parseAttack returns the fixed mode, or random=true for per-update draws.
func parseAttack(s string) (mode aggregation.CorruptionMode, random bool, err error) {
	if s == "" || s == "random" {
		return aggregation.ModeNone, true, nil
	}

	mode, err = aggregation.ParseCorruptionMode(s)
	if err != nil {
		return mode, false, err
	}

	if mode == aggregation.ModeNone {
		return mode, false, fmt.Errorf("attack mode must be an attack, got %q", s)
	}

	return mode, false, nil
}

// attackModes are the modes drawn when AttackMode is random.
var attackModes = []aggregation.CorruptionMode{
	aggregation.ModeSignFlip,
	aggregation.ModeAdditiveNoise,
	aggregation.ModeZero,
}

// Population is the simulated set of participants.
// The adversarial set is ground truth known only to the simulator.
type Population struct {
	size        int
	adversarial map[int]bool
	fixedMode   aggregation.CorruptionMode
	randomMode  bool

	mu  sync.Mutex // mu serialises draws from rng
	rng *rand.Rand
}

// New creates a population, choosing floor(Size*AdversarialRatio) attackers
// without replacement from rng. The population keeps rng for update generation.
func New(cfg Config, rng *rand.Rand) (*Population, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid population config:\n%w", err)
	}

	mode, random, _ := parseAttack(cfg.AttackMode)

	p := &Population{
		size:        cfg.Size,
		adversarial: make(map[int]bool),
		fixedMode:   mode,
		randomMode:  random,
		rng:         rng,
	}

	count := int(float64(cfg.Size) * cfg.AdversarialRatio)
	for _, id := range rng.Perm(cfg.Size)[:count] {
		p.adversarial[id] = true
	}

	return p, nil
}

// Size returns the number of participants.
func (p *Population) Size() int {
	return p.size
}

// IsAdversarial reports the ground-truth role of a participant.
func (p *Population) IsAdversarial(id int) bool {
	return p.adversarial[id]
}

// Adversarial returns the adversarial ids in ascending order.
func (p *Population) Adversarial() []int {
	ids := make([]int, 0, len(p.adversarial))
	for id := range p.adversarial {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	return ids
}

// Updates produces one update per requested participant, in the order given.
func (p *Population) Updates(ctx context.Context, round uint64, ids []int, current aggregation.Vector) ([]aggregation.Update, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	updates := make([]aggregation.Update, 0, len(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if id < 0 || id >= p.size {
			return nil, fmt.Errorf("round %d: participant %d outside population of %d", round, id, p.size)
		}

		var (
			u   aggregation.Update
			err error
		)

		if p.adversarial[id] {
			u, err = p.adversarialUpdate(id, current)
		} else {
			u, err = p.honestUpdate(id, current)
		}

		if err != nil {
			return nil, fmt.Errorf("round %d participant %d:\n%w", round, id, err)
		}

		updates = append(updates, u)
	}

	return updates, nil
}

// honestUpdate simulates local training: the current state plus small noise.
func (p *Population) honestUpdate(id int, current aggregation.Vector) (aggregation.Update, error) {
	scale := uniform(p.rng, 0.01, 0.1)

	vec := make([]float64, len(current))
	for i, x := range current {
		vec[i] = x + p.rng.NormFloat64()*scale
	}

	loss := uniform(p.rng, 0.1, 0.5)
	samples := 100 + p.rng.IntN(900)

	return aggregation.NewUpdate(id, vec, loss, samples, aggregation.ModeNone)
}

// adversarialUpdate corrupts the current state and reports suspicious metadata.
func (p *Population) adversarialUpdate(id int, current aggregation.Vector) (aggregation.Update, error) {
	mode := p.fixedMode
	if p.randomMode {
		mode = attackModes[p.rng.IntN(len(attackModes))]
	}

	vec := make([]float64, len(current))

	switch mode {
	case aggregation.ModeSignFlip:
		for i, x := range current {
			vec[i] = -x
		}
	case aggregation.ModeAdditiveNoise:
		for i, x := range current {
			vec[i] = x + p.rng.NormFloat64()
		}
	case aggregation.ModeZero:
		// zero vector
	}

	loss := uniform(p.rng, 0.8, 2.0)
	samples := 50 + p.rng.IntN(50)

	return aggregation.NewUpdate(id, vec, loss, samples, mode)
}

// uniform draws a float uniform in [lo, hi).
func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
