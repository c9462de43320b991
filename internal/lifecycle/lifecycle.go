// Package lifecycle defines the states a session moves through on its way from
// an issue to a merged pull request, and the table of legal transitions.
//
// The package is pure: it decides, it never stores. Callers apply the result
// and are expected to log and ignore illegal transitions rather than fail,
// since inbound webhooks arrive duplicated and out of order.
package lifecycle

import (
	"fmt"

	"mergeline/internal/events"
)

type State string

const (
	StateCreated          State = "created"
	StatePlanning         State = "planning"
	StateImplementing     State = "implementing"
	StateQualityCheck     State = "quality_check"
	StatePRCreated        State = "pr_created"
	StateCIRunning        State = "ci_running"
	StateCIFailed         State = "ci_failed"
	StateCIPassed         State = "ci_passed"
	StateReview           State = "review"
	StateChangesRequested State = "changes_requested"
	StateEscalated        State = "escalated"
	StateMerged           State = "merged"
	StateFailed           State = "failed"
	StateCancelled        State = "cancelled"
)

// Event types that drive transitions.
const (
	EventCreated          = "session.created"
	EventPlanning         = "session.planning"
	EventImplementing     = "session.implementing"
	EventQualityCheck     = "session.quality_check"
	EventPRCreated        = "pr.created"
	EventCIRunning        = "ci.running"
	EventCIFailed         = "ci.failed"
	EventCIPassed         = "ci.passed"
	EventReviewRequested  = "review.requested"
	EventChangesRequested = "review.changes_requested"
	EventMerged           = "pr.merged"
	EventEscalated        = "session.escalated"
	EventFailed           = "session.failed"
	EventCancelled        = "session.cancelled"
)

var allStates = []State{
	StateCreated, StatePlanning, StateImplementing, StateQualityCheck, StatePRCreated,
	StateCIRunning, StateCIFailed, StateCIPassed, StateReview, StateChangesRequested,
	StateEscalated, StateMerged, StateFailed, StateCancelled,
}

var terminalStates = map[State]bool{
	StateMerged:    true,
	StateFailed:    true,
	StateCancelled: true,
}

// Forward edges. Cancel, escalate and fail are reachable from every
// non-terminal state and are handled in CanTransition.
var validTransitions = map[State]map[State]bool{
	StateCreated: {
		StatePlanning: true,
	},
	StatePlanning: {
		StateImplementing: true,
	},
	StateImplementing: {
		StateQualityCheck: true,
		StatePRCreated:    true,
		StateCIRunning:    true, // follow-up pushes to an existing PR
		StateCIFailed:     true,
		StateCIPassed:     true,
	},
	StateQualityCheck: {
		StateImplementing: true,
		StatePRCreated:    true,
		StateCIRunning:    true,
	},
	StatePRCreated: {
		StateCIRunning: true,
		StateCIFailed:  true,
		StateCIPassed:  true,
	},
	StateCIRunning: {
		StateCIFailed: true,
		StateCIPassed: true,
	},
	StateCIFailed: {
		StateImplementing: true,
		StateCIRunning:    true,
	},
	StateCIPassed: {
		StateReview: true,
		StateMerged: true,
	},
	StateReview: {
		StateChangesRequested: true,
		StateMerged:           true,
	},
	StateChangesRequested: {
		StateImplementing: true,
	},
	StateEscalated: {
		StateImplementing: true,
		StateMerged:       true,
	},
}

var eventTargets = map[string]State{
	EventCreated:          StateCreated,
	EventPlanning:         StatePlanning,
	EventImplementing:     StateImplementing,
	EventQualityCheck:     StateQualityCheck,
	EventPRCreated:        StatePRCreated,
	EventCIRunning:        StateCIRunning,
	EventCIFailed:         StateCIFailed,
	EventCIPassed:         StateCIPassed,
	EventReviewRequested:  StateReview,
	EventChangesRequested: StateChangesRequested,
	EventMerged:           StateMerged,
	EventEscalated:        StateEscalated,
	EventFailed:           StateFailed,
	EventCancelled:        StateCancelled,
}

var stateEvents = func() map[State]string {
	m := make(map[State]string, len(eventTargets))
	for evt, st := range eventTargets {
		m[st] = evt
	}
	return m
}()

func (s State) Terminal() bool {
	return terminalStates[s]
}

func (s State) Valid() bool {
	for _, st := range allStates {
		if st == s {
			return true
		}
	}
	return false
}

// States returns every known state in lifecycle order.
func States() []State {
	out := make([]State, len(allStates))
	copy(out, allStates)
	return out
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to State) bool {
	if from.Terminal() || from == to {
		return false
	}
	switch to {
	case StateCancelled, StateFailed:
		return true
	case StateEscalated:
		return from != StateEscalated
	}
	return validTransitions[from][to]
}

// Validate is the error-returning form of CanTransition, for administrative
// paths that must report why a request was refused.
func Validate(from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("cannot transition from terminal state %q", from)
	}
	if !from.Valid() {
		return fmt.Errorf("unknown state %q", from)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid transition: %q -> %q", from, to)
	}
	return nil
}

// Target returns the state an event type drives towards. Types without a
// target are informational.
func Target(eventType string) (State, bool) {
	st, ok := eventTargets[eventType]
	return st, ok
}

// EventFor returns the canonical event type recorded when a session enters st.
func EventFor(st State) string {
	return stateEvents[st]
}

// Next decides the outcome of eventType arriving while the session is in
// from. ok is false for informational types and for illegal transitions.
func Next(from State, eventType string) (to State, ok bool) {
	to, mapped := eventTargets[eventType]
	if !mapped {
		return from, false
	}
	if !CanTransition(from, to) {
		return from, false
	}
	return to, true
}

// Replay folds a correlation's events into the state they imply. Facts that
// record an already-applied transition set the state directly; other events
// go through the table, so duplicates and stragglers are ignored exactly as
// they were live.
func Replay(evts []events.Event) State {
	var cur State
	for _, evt := range evts {
		if _, to, ok := evt.Transition(); ok {
			cur = State(to)
			continue
		}
		if evt.Type == EventCreated && cur == "" {
			cur = StateCreated
			continue
		}
		if cur == "" {
			continue
		}
		if next, ok := Next(cur, evt.Type); ok {
			cur = next
		}
	}
	return cur
}
