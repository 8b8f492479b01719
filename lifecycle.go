package cacheworker

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when a worker cannot move to the requested state.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// State is the lifecycle state of a worker.
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	// A worker whose install failed or that was replaced by a newer version.
	StateRedundant
)

var stateNames = map[State]string{
	StateUninstalled: "uninstalled",
	StateInstalling:  "installing",
	StateInstalled:   "installed",
	StateActivating:  "activating",
	StateActivated:   "activated",
	StateRedundant:   "redundant",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for state, name := range stateNames {
		if name == string(b) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", b)
}

var transitions = map[State][]State{
	StateUninstalled: {StateInstalling},
	StateInstalling:  {StateInstalled, StateRedundant},
	StateInstalled:   {StateActivating, StateRedundant},
	StateActivating:  {StateActivated, StateRedundant},
	StateActivated:   {StateRedundant},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// setState moves the worker to the given state.
// Only forward transitions are allowed; a worker can become redundant
// once it has started installing.
func (w *Worker) setState(to State) error {
	w.mutex.Lock()
	from := w.state
	if !canTransition(from, to) {
		w.mutex.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	w.state = to
	w.mutex.Unlock()
	if to == StateRedundant {
		w.cancel()
	}

	w.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Worker state changed")
	w.metrics.transitions.WithLabelValues(to.String()).Inc()
	switch {
	case to == StateActivated:
		w.metrics.activeGauge.Inc()
	case from == StateActivated:
		w.metrics.activeGauge.Dec()
	}
	return nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.state
}
