package round

import (
	"fmt"
	"math"

	"FleetGuard/internal/channel"
)

// Config drives the round loop.
type Config struct {
	// Rounds stops the run after this many completed rounds; 0 means no limit.
	Rounds uint64 `yaml:"rounds"`

	// Duration stops the run after this much simulated time, in seconds;
	// 0 means no limit. Like Rounds it counts from the start of the run, so
	// a resumed run gets the full budget again.
	Duration float64 `yaml:"duration"`

	// Dt is the simulated time step of one round, in seconds.
	Dt float64 `yaml:"dt"`

	// ParticipationMin and ParticipationMax bound the fraction of the
	// population sampled each round.
	ParticipationMin float64 `yaml:"participation_min"`
	ParticipationMax float64 `yaml:"participation_max"`

	// Workers bounds the per-agent fan-out.
	Workers int `yaml:"workers"`

	// ConsensusGain scales the consensus bias added to proposed controls.
	ConsensusGain float64 `yaml:"consensus_gain"`

	// DisturbanceLinear and DisturbanceAngular scale the gaussian
	// environmental disturbance added after each step; 0 disables it.
	DisturbanceLinear  float64 `yaml:"disturbance_linear"`
	DisturbanceAngular float64 `yaml:"disturbance_angular"`

	// Estimators lists the channel estimates run each round.
	Estimators []string `yaml:"estimators"`

	// CheckpointEvery persists state every this many rounds; 0 disables it.
	CheckpointEvery uint64 `yaml:"checkpoint_every"`

	// Seed seeds the run's random source.
	Seed uint64 `yaml:"seed"`
}

// DefaultConfig returns a 100-round run at 100 Hz with 70-90% participation.
func DefaultConfig() Config {
	return Config{
		Rounds:           100,
		Dt:               0.01,
		ParticipationMin: 0.7,
		ParticipationMax: 0.9,
		Workers:          8,
		ConsensusGain:    0.1,
		Estimators:       []string{channel.KindKeyFidelity.String(), channel.KindLinkDelay.String()},
		CheckpointEvery:  10,
		Seed:             1,
	}
}

// Validate checks the loop parameters.
func (c Config) Validate() error {
	if !(c.Dt > 0) || math.IsInf(c.Dt, 0) {
		return fmt.Errorf("dt must be positive and finite, got %v", c.Dt)
	}

	if c.Duration < 0 || math.IsNaN(c.Duration) {
		return fmt.Errorf("duration must not be negative, got %v", c.Duration)
	}

	if !(c.ParticipationMin > 0) || c.ParticipationMin > c.ParticipationMax || c.ParticipationMax > 1 {
		return fmt.Errorf("participation range must satisfy 0 < min <= max <= 1, got [%v, %v]",
			c.ParticipationMin, c.ParticipationMax)
	}

	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}

	if math.IsNaN(c.ConsensusGain) || math.IsInf(c.ConsensusGain, 0) {
		return fmt.Errorf("consensus gain must be finite, got %v", c.ConsensusGain)
	}

	if c.DisturbanceLinear < 0 || c.DisturbanceAngular < 0 {
		return fmt.Errorf("disturbance bounds must not be negative")
	}

	if _, err := c.kinds(); err != nil {
		return err
	}

	return nil
}

// kinds parses the configured estimator kinds, dropping "none".
func (c Config) kinds() ([]channel.Kind, error) {
	var kinds []channel.Kind

	for _, name := range c.Estimators {
		k, err := channel.ParseKind(name)
		if err != nil {
			return nil, err
		}

		if k != channel.KindNone {
			kinds = append(kinds, k)
		}
	}

	return kinds, nil
}
