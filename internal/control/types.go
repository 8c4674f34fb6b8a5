package control

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

var (
	// ErrUnknownAgent is returned when a step names an id absent from the store.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentBusy is returned when a second step for the same agent starts
	// before the first one has written its result.
	ErrAgentBusy = errors.New("agent step already in flight")

	// ErrInvalidState is returned for malformed agent states.
	ErrInvalidState = errors.New("invalid agent state")

	// ErrInvalidStep is returned for malformed step inputs.
	ErrInvalidStep = errors.New("invalid step input")
)

// Vec3 is a 3-vector in world coordinates.
type Vec3 [3]float64

// Add returns v + w.
func (v Vec3) Add(w Vec3) Vec3 {
	return Vec3{v[0] + w[0], v[1] + w[1], v[2] + w[2]}
}

// Scale returns k * v.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{k * v[0], k * v[1], k * v[2]}
}

// Norm returns the Euclidean norm of v.
func (v Vec3) Norm() float64 {
	return floats.Norm(v[:], 2)
}

// MaxAbs returns the largest coordinate magnitude of v.
func (v Vec3) MaxAbs() float64 {
	return floats.Norm(v[:], math.Inf(1))
}

// finite reports whether every coordinate is a finite number.
func (v Vec3) finite() bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}

	return true
}

// State is the physical state of one agent.
type State struct {
	ID              int     `json:"id"`
	Position        Vec3    `json:"position"`
	Velocity        Vec3    `json:"velocity"`
	Orientation     Vec3    `json:"orientation"`      // roll, pitch, yaw in radians
	AngularVelocity Vec3    `json:"angular_velocity"` // radians per second
	Battery         float64 `json:"battery"`          // Battery is the charge level in [0,1]
	SafetyMargin    float64 `json:"safety_margin"`    // SafetyMargin is the distance to the nearest bound in [0,1]
}

// Validate checks that the state is finite and its scalars are in range.
func (s State) Validate() error {
	if s.ID < 0 {
		return fmt.Errorf("%w: negative id %d", ErrInvalidState, s.ID)
	}

	for name, v := range map[string]Vec3{
		"position":         s.Position,
		"velocity":         s.Velocity,
		"orientation":      s.Orientation,
		"angular velocity": s.AngularVelocity,
	} {
		if !v.finite() {
			return fmt.Errorf("%w: agent %d has non-finite %s", ErrInvalidState, s.ID, name)
		}
	}

	if !inUnit(s.Battery) {
		return fmt.Errorf("%w: agent %d battery %v", ErrInvalidState, s.ID, s.Battery)
	}

	if !inUnit(s.SafetyMargin) {
		return fmt.Errorf("%w: agent %d safety margin %v", ErrInvalidState, s.ID, s.SafetyMargin)
	}

	return nil
}

// inUnit reports whether x is in [0,1].
func inUnit(x float64) bool {
	return x >= 0 && x <= 1
}

// Violation names the safety invariant a proposal would have breached.
type Violation uint8

const (
	ViolationNone          Violation = iota // ViolationNone means the proposal was applied as-is
	ViolationPositionBound                  // ViolationPositionBound means the agent is outside the boundary
	ViolationVelocityLimit                  // ViolationVelocityLimit means the agent is over the speed cap
	ViolationControlLimit                   // ViolationControlLimit means the proposal exceeds the control cap
)

// String returns a short name for the violation.
func (v Violation) String() string {
	switch v {
	case ViolationNone:
		return "none"
	case ViolationPositionBound:
		return "position_bound"
	case ViolationVelocityLimit:
		return "velocity_limit"
	case ViolationControlLimit:
		return "control_limit"
	default:
		return fmt.Sprintf("violation(%d)", v)
	}
}

// MarshalText encodes the violation by name in JSON output.
func (v Violation) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Violations lists every violation kind in check order.
var Violations = []Violation{ViolationPositionBound, ViolationVelocityLimit, ViolationControlLimit}

// Outcome is the safety verdict of one step.
type Outcome struct {
	Violation Violation `json:"violation"`
	Proposed  Vec3      `json:"proposed"` // Proposed is the control that was asked for
	Applied   Vec3      `json:"applied"`  // Applied is the control actually integrated
}

// Safe reports whether the proposal was applied unmodified.
func (o Outcome) Safe() bool {
	return o.Violation == ViolationNone
}

// ViolationRecord is emitted for every step where a fallback was applied.
type ViolationRecord struct {
	Agent    int       // Agent is the agent id
	Kind     Violation // Kind is the breached invariant
	Fallback Vec3      // Fallback is the control actually applied
}

// Record returns the violation record for agent, if a fallback was applied.
func (o Outcome) Record(agent int) (ViolationRecord, bool) {
	if o.Safe() {
		return ViolationRecord{}, false
	}

	return ViolationRecord{Agent: agent, Kind: o.Violation, Fallback: o.Applied}, true
}
