package statemachine

import (
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// EventAppender persists one transition event. internal/eventlog's
// Log satisfies this; tests can supply an in-memory stub.
type EventAppender interface {
	AppendTransition(jobID int64, from, to jobstore.State, at time.Time) error
}

// Transition validates moving job id from its current state to `to`,
// applies `extra` (additional field mutations beyond State, e.g.
// setting QueueID or ExitCode) atomically with the state change via
// the store, and appends an event-log entry once the commit
// succeeds. extra may be nil.
//
// jobstore.Store.Mutate already guarantees the notification fires
// only after the write is durable (§3 invariant 6); this adds
// the legality check and the event-log side effect on top.
func Transition(store *jobstore.Store, log EventAppender, id int64, to jobstore.State, extra func(j *jobstore.Job) error) error {
	var from jobstore.State

	// Validate and mutate under the same lock acquisition (Store.Mutate
	// holds its lock for the duration of fn) so a concurrent transition
	// on the same job can't race between reading `from` and committing.
	err := store.Mutate(id, func(j *jobstore.Job) error {
		from = j.State
		if verr := Validate(from, to); verr != nil {
			return verr
		}
		j.State = to
		if extra != nil {
			return extra(j)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if log != nil {
		return log.AppendTransition(id, from, to, time.Now())
	}
	return nil
}
