// Package channel provides the channel and timing estimators that annotate
// round metrics: a BB84-style key-distribution fidelity estimate and a
// link-delay estimate over a simulated link matrix. Estimates never feed back
// into aggregation or control.
package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrUnknownKind is returned for an estimator kind that does not exist.
var ErrUnknownKind = errors.New("unknown estimator kind")

// Kind selects an estimator.
type Kind uint8

const (
	KindNone        Kind = iota // no estimate
	KindKeyFidelity             // BB84 sifting fidelity
	KindLinkDelay               // link transmission delay
)

// String returns the config name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindKeyFidelity:
		return "key-fidelity"
	case KindLinkDelay:
		return "link-delay"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses a kind name as written in config files.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "none":
		return KindNone, nil
	case "key-fidelity":
		return KindKeyFidelity, nil
	case "link-delay":
		return KindLinkDelay, nil
	default:
		return KindNone, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Report is the outcome of one estimate. Fields not produced by the
// estimator kind are zero.
type Report struct {
	Kind Kind `json:"-"`

	// key fidelity
	Fidelity     float64 `json:"fidelity,omitempty"`
	SiftedLength int     `json:"sifted_length,omitempty"`
	ErrorRate    float64 `json:"error_rate,omitempty"`
	Efficiency   float64 `json:"efficiency,omitempty"`

	// link delay
	MeanDelay time.Duration `json:"mean_delay,omitempty"`
	LossRate  float64       `json:"loss_rate,omitempty"`
}

// Config sizes the estimators.
type Config struct {
	Bits          int `yaml:"bits"`          // raw key bits per fidelity estimate
	Nodes         int `yaml:"nodes"`         // nodes in the link matrix
	Transmissions int `yaml:"transmissions"` // transmissions per delay estimate
	PayloadBytes  int `yaml:"payload_bytes"` // size of each transmission
}

// DefaultConfig returns 1000 bits, 10 nodes, 32 transmissions of 4 KiB.
func DefaultConfig() Config {
	return Config{
		Bits:          1000,
		Nodes:         10,
		Transmissions: 32,
		PayloadBytes:  4096,
	}
}

// Validate checks the estimator sizes.
func (c Config) Validate() error {
	if c.Bits <= 0 {
		return fmt.Errorf("bits must be positive, got %d", c.Bits)
	}

	if c.Nodes < 2 {
		return fmt.Errorf("link matrix needs at least 2 nodes, got %d", c.Nodes)
	}

	if c.Transmissions <= 0 {
		return fmt.Errorf("transmissions must be positive, got %d", c.Transmissions)
	}

	if c.PayloadBytes <= 0 {
		return fmt.Errorf("payload bytes must be positive, got %d", c.PayloadBytes)
	}

	return nil
}

// link holds the static conditions of one directed link.
type link struct {
	latency   float64 // seconds
	bandwidth float64 // bytes per second
	loss      float64 // packet loss probability
	jitter    float64 // seconds, std dev
}

// Estimator runs channel estimates. The link matrix is drawn once at
// construction; per-estimate randomness comes from the caller's source.
type Estimator struct {
	cfg   Config
	links [][]link
}

// New creates an estimator and draws its link matrix from rng.
func New(cfg Config, rng *rand.Rand) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid estimator config:\n%w", err)
	}

	links := make([][]link, cfg.Nodes)
	for i := range links {
		links[i] = make([]link, cfg.Nodes)
		for j := range links[i] {
			links[i][j] = link{
				latency:   uniform(rng, 0.001, 0.1),
				bandwidth: uniform(rng, 1e6, 1e9),
				loss:      uniform(rng, 0.001, 0.05),
				jitter:    uniform(rng, 0.0001, 0.01),
			}
		}
	}

	return &Estimator{cfg: cfg, links: links}, nil
}

// Estimate runs one estimate of the given kind using rng.
func (e *Estimator) Estimate(ctx context.Context, kind Kind, rng *rand.Rand) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	switch kind {
	case KindNone:
		return Report{Kind: KindNone}, nil
	case KindKeyFidelity:
		return e.keyFidelity(rng), nil
	case KindLinkDelay:
		return e.linkDelay(ctx, rng)
	default:
		return Report{}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}
}

// keyFidelity simulates BB84 sifting over a noisy channel.
func (e *Estimator) keyFidelity(rng *rand.Rand) Report {
	errorRate := uniform(rng, 0.01, 0.05)

	sifted, correct := 0, 0

	for range e.cfg.Bits {
		bit := rng.IntN(2)
		sendBasis := rng.IntN(2)
		recvBasis := rng.IntN(2)

		received := bit
		if rng.Float64() < errorRate {
			received = 1 - bit
		}

		if sendBasis != recvBasis {
			continue
		}

		sifted++
		if received == bit {
			correct++
		}
	}

	r := Report{
		Kind:         KindKeyFidelity,
		SiftedLength: sifted,
		ErrorRate:    errorRate,
		Efficiency:   float64(sifted) / float64(e.cfg.Bits),
	}

	if sifted > 0 {
		r.Fidelity = float64(correct) / float64(sifted)
	}

	return r
}

// linkDelay sends a batch of transmissions between random node pairs.
// A lost packet is retransmitted once with a 2x-4x time penalty and half the
// loss probability.
func (e *Estimator) linkDelay(ctx context.Context, rng *rand.Rand) (Report, error) {
	var total float64
	lost := 0

	for range e.cfg.Transmissions {
		if err := ctx.Err(); err != nil {
			return Report{}, err
		}

		src := rng.IntN(e.cfg.Nodes)
		dst := rng.IntN(e.cfg.Nodes - 1)
		if dst >= src {
			dst++
		}

		l := e.links[src][dst]

		elapsed := l.latency + float64(e.cfg.PayloadBytes)/l.bandwidth + rng.NormFloat64()*l.jitter
		if elapsed < 0 {
			elapsed = 0
		}

		if rng.Float64() < l.loss {
			elapsed *= uniform(rng, 2, 4)
			if rng.Float64() < l.loss*0.5 {
				lost++
			}
		}

		total += elapsed
	}

	n := float64(e.cfg.Transmissions)

	return Report{
		Kind:      KindLinkDelay,
		MeanDelay: time.Duration(total / n * float64(time.Second)),
		LossRate:  float64(lost) / n,
	}, nil
}

// uniform draws a float uniform in [lo, hi).
func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
