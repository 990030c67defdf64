package statemachine

import (
	"errors"
	"testing"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

func TestValidateLegalTransitions(t *testing.T) {
	cases := []struct {
		from, to jobstore.State
	}{
		{jobstore.StateNone, jobstore.StateAccepted},
		{jobstore.StateAccepted, jobstore.StateRunningLocal},
		{jobstore.StateAccepted, jobstore.StateSubmitted},
		{jobstore.StateSubmitted, jobstore.StateRemoteQueued},
		{jobstore.StateRemoteQueued, jobstore.StateRunningRemote},
		{jobstore.StateRunningRemote, jobstore.StateFinished},
		{jobstore.StateRunningLocal, jobstore.StateError},
	}
	for _, c := range cases {
		if err := Validate(c.from, c.to); err != nil {
			t.Errorf("Validate(%s, %s) = %v, want nil", c.from, c.to, err)
		}
	}
}

func TestValidateIllegalTransitions(t *testing.T) {
	cases := []struct {
		from, to jobstore.State
	}{
		{jobstore.StateNone, jobstore.StateRunningLocal},
		{jobstore.StateFinished, jobstore.StateRunningLocal},
		{jobstore.StateCanceled, jobstore.StateAccepted},
		{jobstore.StateAccepted, jobstore.StateRemoteQueued},
	}
	for _, c := range cases {
		err := Validate(c.from, c.to)
		var illegal *ErrIllegalTransition
		if !errors.As(err, &illegal) {
			t.Errorf("Validate(%s, %s) = %v, want ErrIllegalTransition", c.from, c.to, err)
		}
	}
}

type fakeLog struct {
	events []jobstore.State
}

func (f *fakeLog) AppendTransition(jobID int64, from, to jobstore.State, at time.Time) error {
	f.events = append(f.events, to)
	return nil
}

func TestTransitionAppendsEventAndRejectsIllegalMove(t *testing.T) {
	store, err := jobstore.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("jobstore.New failed: %v", err)
	}
	job, err := store.CreateJob(&jobstore.Job{Queue: "local", Program: "echo"})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}

	log := &fakeLog{}
	if err := Transition(store, log, job.MoleQueueID, jobstore.StateAccepted, nil); err != nil {
		t.Fatalf("Transition to Accepted failed: %v", err)
	}
	if err := Transition(store, log, job.MoleQueueID, jobstore.StateRunningLocal, nil); err != nil {
		t.Fatalf("Transition to RunningLocal failed: %v", err)
	}
	if len(log.events) != 2 {
		t.Fatalf("logged events = %v, want 2", log.events)
	}

	if err := Transition(store, log, job.MoleQueueID, jobstore.StateRemoteQueued, nil); err == nil {
		t.Fatal("Transition RunningLocal->RemoteQueued succeeded, want illegal-transition error")
	}
	if len(log.events) != 2 {
		t.Fatalf("illegal transition still appended an event: %v", log.events)
	}

	got, _ := store.Get(job.MoleQueueID)
	if got.State != jobstore.StateRunningLocal {
		t.Errorf("job.State = %s after rejected transition, want unchanged RunningLocal", got.State)
	}
}

func TestTransitionNeverLeavesTerminalState(t *testing.T) {
	store, _ := jobstore.New(t.TempDir(), nil)
	job, _ := store.CreateJob(&jobstore.Job{Queue: "local", Program: "echo"})

	Transition(store, nil, job.MoleQueueID, jobstore.StateAccepted, nil)
	Transition(store, nil, job.MoleQueueID, jobstore.StateRunningLocal, nil)
	if err := Transition(store, nil, job.MoleQueueID, jobstore.StateFinished, nil); err != nil {
		t.Fatalf("Transition to Finished failed: %v", err)
	}

	if err := Transition(store, nil, job.MoleQueueID, jobstore.StateError, nil); err == nil {
		t.Fatal("Transition out of Finished succeeded, want error")
	}
}
