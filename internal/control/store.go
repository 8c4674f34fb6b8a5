package control

import (
	"fmt"
	"sort"
	"sync/atomic"
)

// slot owns one agent's state. Distinct slots never share memory, so steps
// on different agents can run in parallel without locks.
type slot struct {
	state State
	busy  atomic.Bool // busy is set while a step holds the slot
}

// Store holds the state of every agent for the whole run.
// Agents are created with the store and never removed; only the Engine writes.
type Store struct {
	slots map[int]*slot // slots is built once and never mutated afterwards
	ids   []int         // ids is sorted ascending
}

// NewStore creates a store from initial states. Ids must be unique.
func NewStore(states []State) (*Store, error) {
	s := &Store{
		slots: make(map[int]*slot, len(states)),
		ids:   make([]int, 0, len(states)),
	}

	for _, st := range states {
		if err := st.Validate(); err != nil {
			return nil, err
		}

		if _, dup := s.slots[st.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate agent id %d", ErrInvalidState, st.ID)
		}

		s.slots[st.ID] = &slot{state: st}
		s.ids = append(s.ids, st.ID)
	}

	sort.Ints(s.ids)

	return s, nil
}

// Len returns the number of agents.
func (s *Store) Len() int {
	return len(s.ids)
}

// IDs returns all agent ids in ascending order.
func (s *Store) IDs() []int {
	out := make([]int, len(s.ids))
	copy(out, s.ids)

	return out
}

// Get returns the current state of an agent.
func (s *Store) Get(id int) (State, error) {
	sl, ok := s.slots[id]
	if !ok {
		return State{}, fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}

	return sl.state, nil
}

// Snapshot returns every agent state ordered by id.
func (s *Store) Snapshot() []State {
	out := make([]State, len(s.ids))
	for i, id := range s.ids {
		out[i] = s.slots[id].state
	}

	return out
}

// acquire claims an agent's slot for one step.
func (s *Store) acquire(id int) (*slot, error) {
	sl, ok := s.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAgent, id)
	}

	if !sl.busy.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: %d", ErrAgentBusy, id)
	}

	return sl, nil
}

// release writes the new state and frees the slot.
func (sl *slot) release(next State) {
	sl.state = next
	sl.busy.Store(false)
}
