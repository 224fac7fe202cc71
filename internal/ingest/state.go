// Package ingest consumes the upstream order and execution topics and
// publishes decoded events to the broadcast hub, committing offsets only
// after hand-off. A supervisor restarts the consumer with jittered
// exponential backoff on any fatal error.
package ingest

import (
	"sync/atomic"

	"github.com/tapewire/tapewire/internal/observability"
)

// State enumerates the consumer lifecycle.
type State int32

const (
	// StateStopped is the initial and final resting state.
	StateStopped State = iota
	// StateStarting covers client construction up to topic assignment.
	StateStarting
	// StateRunning means records are flowing.
	StateRunning
	// StateBackoff means the consumer failed and awaits its restart timer.
	StateBackoff
	// StateStopping covers the drain-and-commit window during shutdown.
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateBackoff:
		return "BACKOFF"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Machine tracks the consumer state with validated transitions. Reads are
// lock-free; the supervisor goroutine owns all writes.
type Machine struct {
	v atomic.Int32
}

// NewMachine starts in STOPPED.
func NewMachine() *Machine { return &Machine{} }

// State returns the current state.
func (m *Machine) State() State { return State(m.v.Load()) }

// legal transitions; everything else is rejected and logged.
func legal(from, to State) bool {
	switch from {
	case StateStopped:
		return to == StateStarting
	case StateStarting:
		return to == StateRunning || to == StateBackoff || to == StateStopping
	case StateRunning:
		return to == StateBackoff || to == StateStopping
	case StateBackoff:
		return to == StateStarting || to == StateStopping
	case StateStopping:
		return to == StateStopped
	default:
		return false
	}
}

// To attempts the transition and reports whether it was legal. Every
// transition is logged; illegal ones are rejected without mutating state.
func (m *Machine) To(to State) bool {
	from := m.State()
	if !legal(from, to) {
		observability.Log().Warn("ingest state transition rejected",
			observability.Field{Key: "from", Value: from.String()},
			observability.Field{Key: "to", Value: to.String()})
		return false
	}
	m.v.Store(int32(to))
	observability.Log().Info("ingest state transition",
		observability.Field{Key: "from", Value: from.String()},
		observability.Field{Key: "to", Value: to.String()})
	return true
}
