// Package jobindex maintains a queryable view of the job store,
// rebuilt from the authoritative per-file records at startup and kept
// current on every commit. It is never the source of truth: a lost or
// corrupted index file is always recoverable by replaying the job
// store's files.
package jobindex

import (
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// Filter narrows List to a subset of the index; zero values mean
// "don't filter on this field".
type Filter struct {
	Queue     string
	State     jobstore.State
	Since     time.Time
	Until     time.Time
	Limit     int
}

// Index is the dual-backend query surface jobstore.Store upserts
// into on every commit. Row shape mirrors Job's identity and runtime
// fields; full records still come from the job store's files.
type Index interface {
	Upsert(job *jobstore.Job) error
	Remove(id int64) error
	List(f Filter) ([]Row, error)
	Close() error
}

// Row is one indexed job's summary, enough to answer a list/filter
// query without reading its JSON file.
type Row struct {
	MoleQueueID int64
	Queue       string
	Program     string
	State       jobstore.State
	SubmitTime  time.Time
	QueueID     string
}
