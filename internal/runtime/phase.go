package runtime

import "sync"

// Phase is the lifecycle position of the runtime. Sessions may only be
// opened in PhaseRunning.
type Phase string

const (
	PhaseInitializing Phase = "Initializing"
	PhaseRunning      Phase = "Running"
	PhaseStopping     Phase = "Stopping"
	PhaseStopped      Phase = "Stopped"
)

func (p Phase) String() string { return string(p) }

// next reports whether the runtime may move from p to to. The lifecycle is
// strictly forward; a runtime that never started may still be stopped.
func (p Phase) next(to Phase) bool {
	switch p {
	case PhaseInitializing:
		return to == PhaseRunning || to == PhaseStopping
	case PhaseRunning:
		return to == PhaseStopping
	case PhaseStopping:
		return to == PhaseStopped
	default:
		return false
	}
}

type phaseMachine struct {
	mu      sync.RWMutex
	current Phase
}

func newPhaseMachine(initial Phase) *phaseMachine {
	return &phaseMachine{current: initial}
}

// Transition moves to next when allowed. Staying in the current phase is
// always allowed.
func (pm *phaseMachine) Transition(next Phase) bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.current == next {
		return true
	}
	if !pm.current.next(next) {
		return false
	}
	pm.current = next
	return true
}

func (pm *phaseMachine) Current() Phase {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.current
}
