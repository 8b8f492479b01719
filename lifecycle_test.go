package cacheworker

import (
	"errors"
	"net/http"
	"testing"

	"github.com/always-cache/cache-worker/cache"
)

func TestLifecycleHappyPath(t *testing.T) {
	worker := newTestWorker(t, cache.NewMemStorage(), http.NotFoundHandler())
	if worker.State() != StateUninstalled {
		t.Fatalf("Initial state is %s", worker.State())
	}
	for _, s := range []State{StateInstalling, StateInstalled, StateActivating, StateActivated, StateRedundant} {
		if err := worker.setState(s); err != nil {
			t.Fatalf("Transition to %s failed: %v", s, err)
		}
		if worker.State() != s {
			t.Fatalf("State is %s, expected %s", worker.State(), s)
		}
	}
}

func TestLifecycleInvalidTransitions(t *testing.T) {
	tests := []struct {
		path []State
		to   State
	}{
		{nil, StateActivated},
		{nil, StateRedundant},
		{[]State{StateInstalling}, StateActivating},
		{[]State{StateInstalling, StateInstalled}, StateInstalling},
		{[]State{StateInstalling, StateRedundant}, StateInstalling},
		{[]State{StateInstalling, StateRedundant}, StateRedundant},
	}
	for _, test := range tests {
		worker := newTestWorker(t, cache.NewMemStorage(), http.NotFoundHandler())
		for _, s := range test.path {
			if err := worker.setState(s); err != nil {
				t.Fatal(err)
			}
		}
		from := worker.State()
		if err := worker.setState(test.to); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s gave %v", from, test.to, err)
		}
		if worker.State() != from {
			t.Fatalf("Invalid transition changed state to %s", worker.State())
		}
	}
}

func TestStateText(t *testing.T) {
	b, _ := StateActivated.MarshalText()
	if string(b) != "activated" {
		t.Fatalf("Text is %s", b)
	}
	if State(42).String() != "State(42)" {
		t.Fatalf("Unknown state is %s", State(42))
	}
}
