// Package statemachine validates job lifecycle transitions against
// the legal-transition graph from §4.5 and records each
// committed transition to a per-job event log.
package statemachine

import (
	"fmt"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// legal maps a from-state to the set of states it may transition
// into. Terminal states have no outgoing edges.
var legal = map[jobstore.State]map[jobstore.State]bool{
	jobstore.StateNone: {
		jobstore.StateAccepted: true,
	},
	jobstore.StateAccepted: {
		jobstore.StateSubmitted:    true, // remote family: staged, handed to backend
		jobstore.StateRunningLocal: true, // local queue: no staging step
		jobstore.StateCanceled:     true,
		jobstore.StateError:        true,
	},
	jobstore.StateSubmitted: {
		jobstore.StateRemoteQueued: true,
		jobstore.StateCanceled:     true,
		jobstore.StateError:        true,
	},
	jobstore.StateRemoteQueued: {
		jobstore.StateRunningRemote: true,
		jobstore.StateCanceled:      true,
		jobstore.StateError:         true,
	},
	jobstore.StateRunningRemote: {
		jobstore.StateFinished: true,
		jobstore.StateCanceled: true,
		jobstore.StateKilled:   true,
		jobstore.StateError:    true,
	},
	jobstore.StateRunningLocal: {
		jobstore.StateFinished: true,
		jobstore.StateCanceled: true,
		jobstore.StateKilled:   true,
		jobstore.StateError:    true,
	},
}

// ErrIllegalTransition is returned by Validate for any (from, to)
// pair not present in the legal-transition graph, including any
// transition out of a terminal state.
type ErrIllegalTransition struct {
	From, To jobstore.State
}

func (e *ErrIllegalTransition) Error() string {
	return fmt.Sprintf("statemachine: illegal transition %s -> %s", e.From, e.To)
}

// Validate reports whether to is a legal next state from from. A
// terminal from state and any to equal to from are always illegal
// (§3 invariant 3: a job in a terminal state never transitions
// again; self-transitions don't appear in the graph either).
func Validate(from, to jobstore.State) error {
	if from.Terminal() {
		return &ErrIllegalTransition{from, to}
	}
	if legal[from][to] {
		return nil
	}
	return &ErrIllegalTransition{from, to}
}

// Apply validates the transition and, if legal, runs fn (which should
// mutate the job's State field to `to`) returning any ErrIllegalTransition
// without calling fn at all. Callers typically pass this to
// jobstore.Store.Mutate's fn parameter after closing over `to`.
func Apply(from, to jobstore.State, fn func() error) error {
	if err := Validate(from, to); err != nil {
		return err
	}
	return fn()
}
