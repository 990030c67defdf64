package eventlog

import (
	"testing"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

func TestAppendTransitionAndForJob(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := log.AppendTransition(1, jobstore.StateNone, jobstore.StateAccepted, time.Now()); err != nil {
		t.Fatalf("AppendTransition failed: %v", err)
	}
	if err := log.AppendTransition(2, jobstore.StateNone, jobstore.StateAccepted, time.Now()); err != nil {
		t.Fatalf("AppendTransition failed: %v", err)
	}
	if err := log.AppendTransition(1, jobstore.StateAccepted, jobstore.StateRunningLocal, time.Now()); err != nil {
		t.Fatalf("AppendTransition failed: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries, err := ForJob(dir, 1)
	if err != nil {
		t.Fatalf("ForJob failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("ForJob(1) returned %d entries, want 2", len(entries))
	}
	if entries[0].To != jobstore.StateAccepted || entries[1].To != jobstore.StateRunningLocal {
		t.Errorf("entries = %+v", entries)
	}
}

func TestAppendErrorIsFilterable(t *testing.T) {
	dir := t.TempDir()
	log, _ := Open(dir)
	defer log.Close()

	if err := log.AppendError(5, "queueError", "ssh: connection refused"); err != nil {
		t.Fatalf("AppendError failed: %v", err)
	}

	entries, err := ForJob(dir, 5)
	if err != nil {
		t.Fatalf("ForJob failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != "queueError" {
		t.Fatalf("entries = %+v", entries)
	}
}
