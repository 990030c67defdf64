package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
	"github.com/OpenChemistry/molequeue-sub002/internal/queue"
	"github.com/OpenChemistry/molequeue-sub002/internal/statemachine"
)

// Pool is the local queue backend: a FIFO of accepted jobs drained
// by up to Concurrency simultaneously running children.
type Pool struct {
	name        string
	programs    map[string]*queue.ProgramDef
	store       *jobstore.Store
	log         statemachine.EventAppender
	concurrency int
	workDirBase string

	mu      sync.Mutex
	running map[int64]context.CancelFunc
	fifo    []int64
	active  int
}

// New constructs a local Pool. concurrency <= 0 defaults to the
// host's core count (§4.7).
func New(name string, programs []queue.ProgramDef, store *jobstore.Store, log statemachine.EventAppender, workDirBase string, concurrency int) *Pool {
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	byName := make(map[string]*queue.ProgramDef, len(programs))
	for i := range programs {
		byName[programs[i].Name] = &programs[i]
	}
	return &Pool{
		name:        name,
		programs:    byName,
		store:       store,
		log:         log,
		concurrency: concurrency,
		workDirBase: workDirBase,
		running:     make(map[int64]context.CancelFunc),
	}
}

func (p *Pool) TypeName() string { return "local" }

func (p *Pool) SettingsSnapshot() map[string]string {
	return map[string]string{
		"type":        "local",
		"concurrency": fmt.Sprintf("%d", p.concurrency),
	}
}

// Update is a no-op for the local queue: transitions are driven by
// process exit inside the goroutine Submit starts, not by polling
// (§4.7 contrasts with the remote family's ticker-driven Update).
func (p *Pool) Update(ctx context.Context) error { return nil }

// Retrieve is a no-op: local jobs already write their output into
// the local working directory as they run.
func (p *Pool) Retrieve(ctx context.Context, jobID int64) error { return nil }

// Submit expands the program's run template, prepares the working
// directory, and either starts the job immediately (running count <
// concurrency) or places it on the FIFO.
func (p *Pool) Submit(ctx context.Context, jobID int64) error {
	job, err := p.store.Get(jobID)
	if err != nil {
		return err
	}
	prog, ok := p.programs[job.Program]
	if !ok {
		return fmt.Errorf("Unknown program: %s", job.Program)
	}

	workDir := job.LocalWorkingDirectory
	if workDir == "" {
		workDir = filepath.Join(p.workDirBase, fmt.Sprintf("%d", jobID))
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return fmt.Errorf("local queue: create working directory: %w", err)
	}
	if err := jobstore.WriteInputFiles(workDir, job.InputFiles); err != nil {
		return fmt.Errorf("local queue: %w", err)
	}

	command := prog.ExpandedRunTemplate(map[string]string{
		"moleQueueId": fmt.Sprintf("%d", jobID),
	})

	if err := statemachine.Transition(p.store, p.log, jobID, jobstore.StateAccepted, func(j *jobstore.Job) error {
		j.LocalWorkingDirectory = workDir
		return nil
	}); err != nil {
		return err
	}

	p.mu.Lock()
	if p.active < p.concurrency {
		p.active++
		p.mu.Unlock()
		go p.runJob(jobID, workDir, command)
		return nil
	}
	p.fifo = append(p.fifo, jobID)
	p.mu.Unlock()
	return nil
}

func (p *Pool) runJob(jobID int64, workDir, command string) {
	defer p.completeSlot()

	ctx, cancel := context.WithCancel(context.Background())
	p.mu.Lock()
	p.running[jobID] = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.running, jobID)
		p.mu.Unlock()
	}()

	stdout, err := os.Create(filepath.Join(workDir, "stdout"))
	if err != nil {
		p.fail(jobID, err)
		return
	}
	defer stdout.Close()
	stderr, err := os.Create(filepath.Join(workDir, "stderr"))
	if err != nil {
		p.fail(jobID, err)
		return
	}
	defer stderr.Close()

	if err := statemachine.Transition(p.store, p.log, jobID, jobstore.StateRunningLocal, nil); err != nil {
		p.fail(jobID, err)
		return
	}

	ex := &executor{WorkDir: workDir, Stdout: stdout, Stderr: stderr}
	code, err := ex.run(ctx, command)
	if err != nil {
		p.fail(jobID, err)
		return
	}

	to := jobstore.StateFinished
	if ctx.Err() != nil {
		to = jobstore.StateKilled
	} else if code != 0 {
		to = jobstore.StateError
	}

	statemachine.Transition(p.store, p.log, jobID, to, func(j *jobstore.Job) error {
		ec := code
		j.ExitCode = &ec
		if to == jobstore.StateError {
			j.ErrorMessage = fmt.Sprintf("exit code %d", code)
		}
		return nil
	})
}

func (p *Pool) fail(jobID int64, err error) {
	statemachine.Transition(p.store, p.log, jobID, jobstore.StateError, func(j *jobstore.Job) error {
		j.ErrorMessage = err.Error()
		return nil
	})
}

func (p *Pool) completeSlot() {
	p.mu.Lock()
	var next int64
	var ok bool
	if len(p.fifo) > 0 {
		next, p.fifo = p.fifo[0], p.fifo[1:]
		ok = true
	} else {
		p.active--
	}
	p.mu.Unlock()

	if ok {
		// active stays at the same count: this slot is immediately
		// reused by the FIFO head rather than decremented and
		// re-incremented, avoiding a window where Submit could
		// start one job over the concurrency cap.
		job, err := p.store.Get(next)
		if err != nil {
			p.completeSlot()
			return
		}
		prog := p.programs[job.Program]
		command := prog.ExpandedRunTemplate(map[string]string{"moleQueueId": fmt.Sprintf("%d", next)})
		go p.runJob(next, job.LocalWorkingDirectory, command)
	}
}

// Cancel best-effort terminates a running job, or — if it's still on
// the FIFO and never started — removes it and marks it Canceled
// directly.
func (p *Pool) Cancel(ctx context.Context, jobID int64) error {
	p.mu.Lock()
	if cancel, ok := p.running[jobID]; ok {
		p.mu.Unlock()
		cancel()
		return nil
	}
	for i, id := range p.fifo {
		if id == jobID {
			p.fifo = append(p.fifo[:i], p.fifo[i+1:]...)
			p.mu.Unlock()
			return statemachine.Transition(p.store, p.log, jobID, jobstore.StateCanceled, nil)
		}
	}
	p.mu.Unlock()
	return nil
}

