package control

import "fmt"

// Engine advances agents under the safety envelope.
// It is the only writer of the Store.
type Engine struct {
	limits Limits
	store  *Store
}

// NewEngine creates an engine over store after validating limits.
func NewEngine(limits Limits, store *Store) (*Engine, error) {
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("invalid control limits:\n%w", err)
	}

	if store == nil {
		return nil, fmt.Errorf("nil agent store")
	}

	return &Engine{limits: limits, store: store}, nil
}

// Limits returns the safety envelope.
func (e *Engine) Limits() Limits {
	return e.limits
}

// Store returns the agent store for read access.
func (e *Engine) Store() *Store {
	return e.store
}

// Step verifies and applies one control input to agent id and stores the result.
// Steps on distinct agents may run concurrently.
func (e *Engine) Step(id int, in Input) (Result, error) {
	if err := in.validate(); err != nil {
		return Result{}, fmt.Errorf("agent %d: %w", id, err)
	}

	sl, err := e.store.acquire(id)
	if err != nil {
		return Result{}, err
	}

	res := Advance(e.limits, sl.state, in)
	sl.release(res.State)

	return res, nil
}
