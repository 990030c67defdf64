// Package server wires the dispatcher to the broker's RPC handlers
// (submitJob, cancelJob, lookupJob, listQueues, removeJob) and emits
// jobStateChanged notifications as jobs advance.
package server

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/dispatch"
	"github.com/OpenChemistry/molequeue-sub002/internal/eventlog"
	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
	"github.com/OpenChemistry/molequeue-sub002/internal/queue"
)

// Archiver uploads a terminal job's working directory to long-term
// storage. The default implementation does nothing; internal/archive
// provides an S3-backed one wired in by cmd/molequeue.
type Archiver interface {
	Archive(ctx context.Context, job *jobstore.Job) error
}

type noopArchiver struct{}

func (noopArchiver) Archive(ctx context.Context, job *jobstore.Job) error { return nil }

// Server is the facade between the dispatcher and the broker's core
// (job store, state machine, queue registry).
type Server struct {
	Store    *jobstore.Store
	Queues   *queue.Registry
	Dispatch *dispatch.Dispatcher
	Events   *eventlog.Log
	Archiver Archiver
	JobsDir  string // root of every job's local working directory
	log      *slog.Logger

	// RPCKillEnabled exposes the test-only rpcKill method (§6:
	// "--rpc-kill enables an rpcKill method used only in tests").
	RPCKillEnabled bool
	onKill         func()
}

// New constructs a Server and registers its handlers on d. rpcKillEnabled
// controls whether the test-only rpcKill method is registered at all.
func New(store *jobstore.Store, queues *queue.Registry, d *dispatch.Dispatcher, events *eventlog.Log, jobsDir string, log *slog.Logger, rpcKillEnabled bool) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		Store:          store,
		Queues:         queues,
		Dispatch:       d,
		Events:         events,
		Archiver:       noopArchiver{},
		JobsDir:        jobsDir,
		log:            log,
		RPCKillEnabled: rpcKillEnabled,
	}
	s.registerHandlers()
	return s
}

// EventAppender returns a statemachine.EventAppender that persists the
// transition to the event log and notifies connections, satisfying
// §4.5: "every transition appends an event log entry and emits
// jobStateChanged".
func (s *Server) EventAppender() *notifyingAppender {
	return &notifyingAppender{events: s.Events, dispatch: s.Dispatch, archiver: s.Archiver, store: s.Store, log: s.log}
}

// SetKillHook registers the function rpcKill starts in a goroutine,
// wired by cmd/molequeue to its own shutdown sequence. Has no effect
// unless RPCKillEnabled.
func (s *Server) SetKillHook(fn func()) { s.onKill = fn }

func (s *Server) registerHandlers() {
	s.Dispatch.Handle("listQueues", s.handleListQueues)
	s.Dispatch.Handle("submitJob", s.handleSubmitJob)
	s.Dispatch.Handle("cancelJob", s.handleCancelJob)
	s.Dispatch.Handle("lookupJob", s.handleLookupJob)
	s.Dispatch.Handle("removeJob", s.handleRemoveJob)
	if s.RPCKillEnabled {
		s.Dispatch.Handle("rpcKill", s.handleRPCKill)
	}
}

func (s *Server) jobWorkDir(jobID int64) string {
	return filepath.Join(s.JobsDir, strconv.FormatInt(jobID, 10))
}

// notifyingAppender bridges statemachine.Transition to the durable
// event log, the dispatcher's notification fan-out, and (for terminal
// states) the optional archiver.
type notifyingAppender struct {
	events   *eventlog.Log
	dispatch *dispatch.Dispatcher
	archiver Archiver
	store    *jobstore.Store
	log      *slog.Logger
}

func (n *notifyingAppender) AppendTransition(jobID int64, from, to jobstore.State, at time.Time) error {
	if n.events != nil {
		if err := n.events.AppendTransition(jobID, from, to, at); err != nil {
			n.log.Error("append transition to event log", "jobId", jobID, "error", err)
		}
	}

	n.dispatch.Notify(jobID, "jobStateChanged", jobStateChangedParams{
		MoleQueueID: jobID,
		OldState:    from,
		NewState:    to,
	})

	if to.Terminal() && n.archiver != nil {
		if job, err := n.store.Get(jobID); err == nil {
			go func() {
				if err := n.archiver.Archive(context.Background(), job); err != nil {
					n.log.Error("archive job output", "jobId", jobID, "error", err)
				}
			}()
		}
	}
	return nil
}

type jobStateChangedParams struct {
	MoleQueueID int64          `json:"moleQueueId"`
	OldState    jobstore.State `json:"oldState"`
	NewState    jobstore.State `json:"newState"`
}
