package remote

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
	"github.com/OpenChemistry/molequeue-sub002/internal/queue"
	"github.com/OpenChemistry/molequeue-sub002/internal/statemachine"
)

// Config is the per-queue configuration the shared orchestration
// needs beyond the backend Spec (§3 Queue definition's
// remote-family fields).
type Config struct {
	Host                 string
	User                 string
	SSHPort              int
	IdentityFile         string
	IdentityPassphrase   string // decrypted; empty for an unencrypted key
	WorkingDirectoryBase string
	PollInterval         time.Duration
	CleanRemoteFiles     bool
}

// Queue is the shared SSH orchestration composed by each concrete
// backend via its Spec; differences between SGE/PBS/SLURM/OAR live
// entirely in Spec's commands and parsers (§9: "a backend
// interface plus a small shared helper value... composed by each
// concrete backend").
type Queue struct {
	name     string
	spec     *Spec
	cfg      Config
	programs map[string]*queue.ProgramDef
	store    *jobstore.Store
	log      statemachine.EventAppender

	dial sshClientFactory

	mu      sync.Mutex
	owned   map[int64]string // moleQueueId -> backend queueId
	backoff map[int64]time.Duration
}

// New constructs a remote Queue for the given backend Spec.
func New(name string, spec *Spec, cfg Config, programs []queue.ProgramDef, store *jobstore.Store, log statemachine.EventAppender) *Queue {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 60 * time.Second
	}
	byName := make(map[string]*queue.ProgramDef, len(programs))
	for i := range programs {
		byName[programs[i].Name] = &programs[i]
	}
	return &Queue{
		name:     name,
		spec:     spec,
		cfg:      cfg,
		programs: byName,
		store:    store,
		log:      log,
		dial:     dialSSH,
		owned:    make(map[int64]string),
		backoff:  make(map[int64]time.Duration),
	}
}

func (q *Queue) TypeName() string { return q.spec.Name }

func (q *Queue) SettingsSnapshot() map[string]string {
	return map[string]string{
		"type": q.spec.Name,
		"host": q.cfg.Host,
		"user": q.cfg.User,
	}
}

// remoteDir joins with "/" rather than filepath.Join: the remote host
// is assumed POSIX regardless of the controller's own OS separator.
func (q *Queue) remoteDir(jobID int64) string {
	return strings.TrimRight(q.cfg.WorkingDirectoryBase, "/") + "/" + fmt.Sprintf("%d", jobID)
}

// Submit stages the local working directory to the remote host, then
// issues the backend's submission command and parses the resulting
// queue id (§4.8 steps 1-2).
func (q *Queue) Submit(ctx context.Context, jobID int64) error {
	job, err := q.store.Get(jobID)
	if err != nil {
		return err
	}
	prog, ok := q.programs[job.Program]
	if !ok {
		return fmt.Errorf("Unknown program: %s", job.Program)
	}

	if err := statemachine.Transition(q.store, q.log, jobID, jobstore.StateAccepted, nil); err != nil {
		return err
	}

	client, err := q.dial(ctx, q.cfg.Host, q.cfg.SSHPort, q.cfg.User, q.cfg.IdentityFile, q.cfg.IdentityPassphrase)
	if err != nil {
		return q.connectionError(jobID, err)
	}
	defer client.Close()

	remoteDir := q.remoteDir(jobID)
	if _, err := runCommand(ctx, client, fmt.Sprintf("mkdir -p %s", shellQuote(remoteDir))); err != nil {
		return q.connectionError(jobID, err)
	}

	if err := stageIn(ctx, client, job.LocalWorkingDirectory, remoteDir); err != nil {
		return q.connectionError(jobID, err)
	}

	command := prog.ExpandedRunTemplate(map[string]string{
		"moleQueueId": fmt.Sprintf("%d", jobID),
	})
	scriptName := "launch.sh"
	launchScript := "#!/bin/sh\n" + command + "\n"
	if err := writeRemoteFile(ctx, client, remoteDir+"/"+scriptName, launchScript); err != nil {
		return q.connectionError(jobID, err)
	}

	submitCmd := fmt.Sprintf("cd %s && %s %s", shellQuote(remoteDir), q.spec.SubmitCommand, scriptName)
	output, err := runCommand(ctx, client, submitCmd)
	if err != nil {
		return q.connectionError(jobID, err)
	}

	queueID, ok := q.spec.ParseQueueID(output)
	if !ok {
		return q.connectionError(jobID, fmt.Errorf("could not parse queue id from submit output: %q", output))
	}

	if err := statemachine.Transition(q.store, q.log, jobID, jobstore.StateSubmitted, func(j *jobstore.Job) error {
		j.QueueID = queueID
		return nil
	}); err != nil {
		return err
	}

	q.mu.Lock()
	q.owned[jobID] = queueID
	delete(q.backoff, jobID)
	q.mu.Unlock()
	return nil
}

// Update polls the backend for every job this queue owns and
// reconciles state (§4.8 step 3).
func (q *Queue) Update(ctx context.Context) error {
	q.mu.Lock()
	ids := make([]string, 0, len(q.owned))
	byQueueID := make(map[string]int64, len(q.owned))
	for jobID, qid := range q.owned {
		ids = append(ids, qid)
		byQueueID[qid] = jobID
	}
	q.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}

	client, err := q.dial(ctx, q.cfg.Host, q.cfg.SSHPort, q.cfg.User, q.cfg.IdentityFile, q.cfg.IdentityPassphrase)
	if err != nil {
		return q.connectionErrorAll(ids, byQueueID, err)
	}
	defer client.Close()

	cmd := fmt.Sprintf("%s %s", q.cfg.pollCommand(q.spec), strings.Join(ids, " "))
	output, err := runCommand(ctx, client, cmd)
	if err != nil {
		return q.connectionErrorAll(ids, byQueueID, err)
	}

	seen := make(map[string]bool, len(ids))
	for _, line := range strings.Split(output, "\n") {
		qid, state, ok := q.spec.ParseLine(line)
		if !ok {
			continue
		}
		jobID, isOurs := byQueueID[qid]
		if !isOurs {
			continue
		}
		seen[qid] = true
		if state == "" {
			continue // unrecognized status letter: state unchanged, nothing logged
		}
		statemachine.Transition(q.store, q.log, jobID, state, nil)
	}

	// A queue id that no longer appears in the poll output has left
	// the scheduler's table; reconcile jobs still marked RunningRemote
	// to Finished (this is the "reconcile on disappearance" behavior
	// the SLURM spec entry documents).
	for _, qid := range ids {
		if seen[qid] {
			continue
		}
		jobID := byQueueID[qid]
		job, err := q.store.Get(jobID)
		if err != nil {
			continue
		}
		if job.State == jobstore.StateRunningRemote || job.State == jobstore.StateRemoteQueued {
			statemachine.Transition(q.store, q.log, jobID, jobstore.StateFinished, nil)
			q.mu.Lock()
			delete(q.owned, jobID)
			q.mu.Unlock()
		}
	}
	return nil
}

func (cfg Config) pollCommand(spec *Spec) string {
	if spec.RequestQueueCommand != "" {
		return spec.RequestQueueCommand
	}
	return spec.PollCommand
}

// Retrieve fetches the remote working directory back into the job's
// local working directory (§4.8 step 4).
func (q *Queue) Retrieve(ctx context.Context, jobID int64) error {
	job, err := q.store.Get(jobID)
	if err != nil {
		return err
	}

	client, err := q.dial(ctx, q.cfg.Host, q.cfg.SSHPort, q.cfg.User, q.cfg.IdentityFile, q.cfg.IdentityPassphrase)
	if err != nil {
		return q.connectionError(jobID, err)
	}
	defer client.Close()

	if err := retrieveOut(ctx, client, q.remoteDir(jobID), job.LocalWorkingDirectory); err != nil {
		return q.connectionError(jobID, err)
	}

	if job.Flags.CleanRemoteFiles {
		runCommand(ctx, client, fmt.Sprintf("rm -rf %s", shellQuote(q.remoteDir(jobID))))
	}
	return nil
}

// Cancel issues the backend's kill command for jobID's queue id
// (§4.8 step 5). Best-effort and idempotent: a job this queue
// no longer owns is not an error.
func (q *Queue) Cancel(ctx context.Context, jobID int64) error {
	q.mu.Lock()
	qid, ok := q.owned[jobID]
	q.mu.Unlock()
	if !ok {
		return nil
	}

	client, err := q.dial(ctx, q.cfg.Host, q.cfg.SSHPort, q.cfg.User, q.cfg.IdentityFile, q.cfg.IdentityPassphrase)
	if err != nil {
		return q.connectionError(jobID, err)
	}
	defer client.Close()

	if _, err := runCommand(ctx, client, fmt.Sprintf("%s %s", q.spec.KillCommand, qid)); err != nil {
		return q.connectionError(jobID, err)
	}
	return statemachine.Transition(q.store, q.log, jobID, jobstore.StateCanceled, nil)
}

// connectionError records a failed SSH step for a job: its backoff
// doubles from 1s up to maxBackoff and is reported in the returned
// error. Nothing here schedules a retry: a failed Update is repeated on
// the next poll tick, while a failed Submit, Retrieve or Cancel is not
// re-attempted. Once the backoff reaches maxBackoff (the tenth
// consecutive failure) the job transitions to Error with the cause as
// its ErrorMessage.
const maxBackoff = 5 * time.Minute

func (q *Queue) connectionError(jobID int64, cause error) error {
	q.mu.Lock()
	next := q.backoff[jobID]
	if next == 0 {
		next = time.Second
	} else {
		next = time.Duration(math.Min(float64(next*2), float64(maxBackoff)))
	}
	q.backoff[jobID] = next
	exceeded := next >= maxBackoff
	q.mu.Unlock()

	if exceeded {
		statemachine.Transition(q.store, q.log, jobID, jobstore.StateError, func(j *jobstore.Job) error {
			j.ErrorMessage = cause.Error()
			return nil
		})
	}
	return fmt.Errorf("remote queue: %w (retry in %s)", cause, next)
}

func (q *Queue) connectionErrorAll(ids []string, byQueueID map[string]int64, cause error) error {
	for _, qid := range ids {
		q.connectionError(byQueueID[qid], cause)
	}
	return cause
}
