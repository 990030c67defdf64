package jobindex

import (
	"testing"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

func newTestIndex(t *testing.T) *SQLiteIndex {
	t.Helper()
	idx, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestUpsertAndList(t *testing.T) {
	idx := newTestIndex(t)

	job := &jobstore.Job{
		MoleQueueID: 1,
		Queue:       "Puny local queue",
		Program:     "SpectroCrunch",
		State:       jobstore.StateRunningLocal,
		SubmitTime:  time.Now().Truncate(time.Second),
	}
	if err := idx.Upsert(job); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	rows, err := idx.List(Filter{})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0].MoleQueueID != 1 || rows[0].Queue != "Puny local queue" {
		t.Errorf("row = %+v", rows[0])
	}

	job.State = jobstore.StateFinished
	if err := idx.Upsert(job); err != nil {
		t.Fatalf("re-upsert failed: %v", err)
	}
	rows, _ = idx.List(Filter{})
	if len(rows) != 1 || rows[0].State != jobstore.StateFinished {
		t.Fatalf("upsert did not update in place: %+v", rows)
	}
}

func TestListFilterByQueueAndState(t *testing.T) {
	idx := newTestIndex(t)

	idx.Upsert(&jobstore.Job{MoleQueueID: 1, Queue: "A", State: jobstore.StateFinished, SubmitTime: time.Now()})
	idx.Upsert(&jobstore.Job{MoleQueueID: 2, Queue: "A", State: jobstore.StateRunningLocal, SubmitTime: time.Now()})
	idx.Upsert(&jobstore.Job{MoleQueueID: 3, Queue: "B", State: jobstore.StateFinished, SubmitTime: time.Now()})

	rows, err := idx.List(Filter{Queue: "A", State: jobstore.StateFinished})
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(rows) != 1 || rows[0].MoleQueueID != 1 {
		t.Fatalf("filtered rows = %+v, want just job 1", rows)
	}
}

func TestRemove(t *testing.T) {
	idx := newTestIndex(t)
	idx.Upsert(&jobstore.Job{MoleQueueID: 1, Queue: "A", SubmitTime: time.Now()})

	if err := idx.Remove(1); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	rows, _ := idx.List(Filter{})
	if len(rows) != 0 {
		t.Fatalf("rows after Remove = %+v, want empty", rows)
	}
}
