package saga

import (
	"fmt"
	"time"
)

// State is the lifecycle of a saga instance.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateCompensating
	StateCompensated
	StateCompensationFailed
)

var stateNames = map[State]string{
	StatePending:            "pending",
	StateRunning:            "running",
	StateCompleted:          "completed",
	StateCompensating:       "compensating",
	StateCompensated:        "compensated",
	StateCompensationFailed: "compensation_failed",
}

var transitions = map[State][]State{
	StatePending:      {StateRunning},
	StateRunning:      {StateCompleted, StateCompensating},
	StateCompensating: {StateCompensated, StateCompensationFailed},
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	state, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = state
	return nil
}

// ParseState returns the state with the given name.
func ParseState(name string) (State, error) {
	for state, n := range stateNames {
		if n == name {
			return state, nil
		}
	}
	return 0, fmt.Errorf("saga: unknown state %q", name)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCompensated || s == StateCompensationFailed
}

// CanTransitionTo reports whether next is a legal successor.
func (s State) CanTransitionTo(next State) bool {
	for _, candidate := range transitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// Instance is the persisted record of one saga run.
type Instance struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	State          State          `json:"state"`
	CompletedSteps []string       `json:"completed_steps"`
	Compensated    []string       `json:"compensated"`
	Attempts       map[string]int `json:"attempts,omitempty"`
	FailedStep     string         `json:"failed_step,omitempty"`
	Failure        string         `json:"failure,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`

	results map[string]any
}

func newInstance(id, name string, now time.Time) *Instance {
	return &Instance{
		ID:             id,
		Name:           name,
		State:          StatePending,
		CompletedSteps: []string{},
		Compensated:    []string{},
		Attempts:       map[string]int{},
		CreatedAt:      now,
		UpdatedAt:      now,
		results:        map[string]any{},
	}
}

// Result returns the output of a completed step in this process.
func (i *Instance) Result(stepID string) (any, bool) {
	v, ok := i.results[stepID]
	return v, ok
}

func (i *Instance) transition(next State, now time.Time) error {
	if !i.State.CanTransitionTo(next) {
		return fmt.Errorf("saga: invalid transition %s -> %s", i.State, next)
	}
	i.State = next
	i.UpdatedAt = now
	if next.Terminal() {
		done := now
		i.FinishedAt = &done
	}
	return nil
}

func (i *Instance) completeStep(id string, result any, now time.Time) {
	i.CompletedSteps = append(i.CompletedSteps, id)
	i.results[id] = result
	i.UpdatedAt = now
}

func (i *Instance) compensated(id string) bool {
	for _, s := range i.Compensated {
		if s == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy without in-process step results.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.CompletedSteps = append([]string{}, i.CompletedSteps...)
	c.Compensated = append([]string{}, i.Compensated...)
	c.Attempts = make(map[string]int, len(i.Attempts))
	for k, v := range i.Attempts {
		c.Attempts[k] = v
	}
	if i.FinishedAt != nil {
		t := *i.FinishedAt
		c.FinishedAt = &t
	}
	c.results = nil
	return &c
}
