package control

import (
	"math"
	"math/rand/v2"
)

// Disturbance is an environmental perturbation added after integration.
type Disturbance struct {
	Velocity        Vec3 // Velocity is added to the integrated velocity
	AngularVelocity Vec3 // AngularVelocity is added to the angular velocity
}

// Input is everything one control step consumes besides the agent state.
type Input struct {
	Control     Vec3        // Control is the proposed acceleration
	Dt          float64     // Dt is the integration step in seconds
	Disturbance Disturbance // Disturbance is applied after the safety-checked control
}

// validate rejects non-finite or non-positive inputs.
func (in Input) validate() error {
	if !(in.Dt > 0) || math.IsInf(in.Dt, 0) {
		return ErrInvalidStep
	}

	if !in.Control.finite() || !in.Disturbance.Velocity.finite() || !in.Disturbance.AngularVelocity.finite() {
		return ErrInvalidStep
	}

	return nil
}

// Result is the new state and the safety verdict of one step.
type Result struct {
	State   State   `json:"state"`
	Outcome Outcome `json:"outcome"`
}

// Advance runs the safety check then one explicit Euler step. It is pure:
// the same state and input always produce the same result.
func Advance(l Limits, s State, in Input) Result {
	outcome := Check(l, s, in.Control)
	next := integrate(l, s, outcome.Applied, in.Dt)

	// disturbance lands after the checked control so it cannot mask a breach
	next.Velocity = next.Velocity.Add(in.Disturbance.Velocity)
	next.AngularVelocity = next.AngularVelocity.Add(in.Disturbance.AngularVelocity)
	next.SafetyMargin = margin(l, next)

	return Result{State: next, Outcome: outcome}
}

// integrate applies control as acceleration over dt.
// Position uses the pre-step velocity (explicit Euler).
func integrate(l Limits, s State, control Vec3, dt float64) State {
	next := s

	next.Position = s.Position.Add(s.Velocity.Scale(dt))
	next.Velocity = s.Velocity.Add(control.Scale(dt))
	next.Orientation = wrapAngles(s.Orientation.Add(s.AngularVelocity.Scale(dt)))

	drain := l.BaseDrain + l.ControlDrain*control.Norm()
	next.Battery = math.Max(0, s.Battery-drain)

	return next
}

// wrapAngles maps each angle into [0, 2pi).
func wrapAngles(v Vec3) Vec3 {
	const twoPi = 2 * math.Pi

	for i, a := range v {
		a = math.Mod(a, twoPi)
		if a < 0 {
			a += twoPi
		}
		v[i] = a
	}

	return v
}

// Spawn creates n agents with ids 0..n-1 scattered inside a 10 m box around
// the origin, moving slowly, with high initial charge.
func Spawn(n int, rng *rand.Rand) []State {
	states := make([]State, n)

	for i := range states {
		states[i] = State{
			ID:              i,
			Position:        uniformVec(rng, -10, 10),
			Velocity:        uniformVec(rng, -2, 2),
			Orientation:     uniformVec(rng, 0, 2*math.Pi),
			AngularVelocity: uniformVec(rng, -0.5, 0.5),
			Battery:         uniform(rng, 0.7, 1.0),
			SafetyMargin:    uniform(rng, 0.8, 1.0),
		}
	}

	return states
}

// RandomDisturbance draws a zero-mean gaussian disturbance with the given scales.
func RandomDisturbance(rng *rand.Rand, linear, angular float64) Disturbance {
	var d Disturbance

	if linear > 0 {
		d.Velocity = Vec3{rng.NormFloat64() * linear, rng.NormFloat64() * linear, rng.NormFloat64() * linear}
	}

	if angular > 0 {
		d.AngularVelocity = Vec3{rng.NormFloat64() * angular, rng.NormFloat64() * angular, rng.NormFloat64() * angular}
	}

	return d
}

// uniformVec draws a vector with coordinates uniform in [lo, hi).
func uniformVec(rng *rand.Rand, lo, hi float64) Vec3 {
	return Vec3{uniform(rng, lo, hi), uniform(rng, lo, hi), uniform(rng, lo, hi)}
}

// uniform draws a float uniform in [lo, hi).
func uniform(rng *rand.Rand, lo, hi float64) float64 {
	return lo + rng.Float64()*(hi-lo)
}
