package control

import "fmt"

// Limits holds the safety envelope and the battery model.
type Limits struct {
	// Boundary is the maximum coordinate magnitude of the position, in metres.
	Boundary float64 `yaml:"boundary"`

	// MaxSpeed is the velocity norm cap, in m/s.
	MaxSpeed float64 `yaml:"max_speed"`

	// MaxControl is the control (acceleration) norm cap, in m/s^2.
	MaxControl float64 `yaml:"max_control"`

	// K1 is the braking gain used when the position bound is breached.
	K1 float64 `yaml:"k1"`

	// K2 is the deceleration gain used when the speed cap is breached. K2 > K1.
	K2 float64 `yaml:"k2"`

	// BaseDrain is the fixed battery decrement per step.
	BaseDrain float64 `yaml:"base_drain"`

	// ControlDrain scales an extra battery decrement by the applied control norm.
	ControlDrain float64 `yaml:"control_drain"`
}

// DefaultLimits returns a 50 m box, 10 m/s and 5 m/s^2 caps.
func DefaultLimits() Limits {
	return Limits{
		Boundary:     50,
		MaxSpeed:     10,
		MaxControl:   5,
		K1:           0.5,
		K2:           0.8,
		BaseDrain:    1e-5,
		ControlDrain: 2e-6,
	}
}

// Validate checks the limits describe a usable envelope.
func (l Limits) Validate() error {
	if l.Boundary <= 0 || l.MaxSpeed <= 0 || l.MaxControl <= 0 {
		return fmt.Errorf("bounds must be positive (boundary=%v speed=%v control=%v)",
			l.Boundary, l.MaxSpeed, l.MaxControl)
	}

	if l.K1 <= 0 || l.K2 <= l.K1 {
		return fmt.Errorf("fallback gains must satisfy 0 < k1 < k2 (k1=%v k2=%v)", l.K1, l.K2)
	}

	if l.BaseDrain < 0 || l.ControlDrain < 0 {
		return fmt.Errorf("battery drain must be non-negative (base=%v control=%v)", l.BaseDrain, l.ControlDrain)
	}

	return nil
}

// Check verifies a proposal against the pre-step state.
// Checks run in a fixed order and the first breach decides the single fallback.
func Check(l Limits, s State, proposed Vec3) Outcome {
	out := Outcome{Proposed: proposed, Applied: proposed}

	switch {
	case s.Position.MaxAbs() > l.Boundary:
		out.Violation = ViolationPositionBound
		out.Applied = s.Velocity.Scale(-l.K1)

	case s.Velocity.Norm() > l.MaxSpeed:
		out.Violation = ViolationVelocityLimit
		out.Applied = s.Velocity.Scale(-l.K2)

	case proposed.Norm() > l.MaxControl:
		out.Violation = ViolationControlLimit
		out.Applied = clampNorm(proposed, l.MaxControl)
	}

	return out
}

// clampNorm rescales v to have norm exactly limit, keeping its direction.
func clampNorm(v Vec3, limit float64) Vec3 {
	n := v.Norm()
	if n == 0 {
		return v
	}

	return Vec3{v[0] / n * limit, v[1] / n * limit, v[2] / n * limit}
}

// margin returns how far the state is from its nearest bound, in [0,1].
func margin(l Limits, s State) float64 {
	pos := s.Position.MaxAbs() / l.Boundary
	speed := s.Velocity.Norm() / l.MaxSpeed

	worst := pos
	if speed > worst {
		worst = speed
	}

	m := 1 - worst
	switch {
	case m < 0:
		return 0
	case m > 1:
		return 1
	default:
		return m
	}
}
