package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
	"github.com/OpenChemistry/molequeue-sub002/internal/rpc"
	"github.com/OpenChemistry/molequeue-sub002/internal/transport"
)

// Application error codes in the server-reserved range (§4.9).
const (
	codeUnknownQueue   = -32000
	codeUnknownProgram = -32001
	codeUnknownJob     = -32002
)

func (s *Server) handleListQueues(ctx context.Context, conn transport.Connection, params json.RawMessage) (any, *rpc.ErrorObject) {
	// Encoded by hand so the result object's members follow
	// registration order; marshaling the map would sort them by name.
	queues := s.Queues.ListQueues()
	out := []byte{'{'}
	for i, name := range s.Queues.Names() {
		if i > 0 {
			out = append(out, ',')
		}
		k, _ := json.Marshal(name)
		v, _ := json.Marshal(queues[name])
		out = append(append(append(out, k...), ':'), v...)
	}
	return json.RawMessage(append(out, '}')), nil
}

type submitJobParams struct {
	Queue                      string             `json:"queue"`
	Program                    string             `json:"program"`
	Description                string             `json:"description,omitempty"`
	InputFile                  *jobstore.InputFile `json:"inputFile,omitempty"`
	InputAsString              string             `json:"inputAsString,omitempty"`
	OutputDirectory            string             `json:"outputDirectory,omitempty"`
	NumberOfProcessors         int                `json:"numberOfProcessors,omitempty"`
	MaxWallTimeMinutes         int                `json:"maxWallTimeMinutes,omitempty"`
	CleanRemoteFiles           bool               `json:"cleanRemoteFiles,omitempty"`
	RetrieveOutput             bool               `json:"retrieveOutput,omitempty"`
	CleanLocalWorkingDirectory bool               `json:"cleanLocalWorkingDirectory,omitempty"`
	HideFromGui                bool               `json:"hideFromGui,omitempty"`
	PopupOnStateChange         bool               `json:"popupOnStateChange,omitempty"`
}

type submitJobResult struct {
	MoleQueueID           int64  `json:"moleQueueId"`
	LocalWorkingDirectory string `json:"localWorkingDirectory"`
}

func (s *Server) handleSubmitJob(ctx context.Context, conn transport.Connection, params json.RawMessage) (any, *rpc.ErrorObject) {
	var p submitJobParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "Invalid params: "+err.Error(), nil)
	}
	if p.Queue == "" || p.Program == "" {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "Invalid params: queue and program are required", nil)
	}

	concreteQueue, err := s.Queues.Get(p.Queue)
	if err != nil {
		return nil, rpc.NewError(codeUnknownQueue, err.Error(), nil)
	}
	if _, err := s.Queues.Program(p.Queue, p.Program); err != nil {
		return nil, rpc.NewError(codeUnknownProgram, err.Error(), nil)
	}

	var inputFiles []jobstore.InputFile
	if p.InputFile != nil {
		inputFiles = append(inputFiles, *p.InputFile)
	}
	if p.InputAsString != "" {
		inputFiles = append(inputFiles, jobstore.InputFile{Filename: "job.inp", Contents: p.InputAsString})
	}

	job := &jobstore.Job{
		Queue:              p.Queue,
		Program:            p.Program,
		Description:        p.Description,
		InputFiles:         inputFiles,
		OutputDirectory:    p.OutputDirectory,
		NumberOfProcessors: p.NumberOfProcessors,
		MaxWallTimeMinutes: p.MaxWallTimeMinutes,
		Flags: jobstore.Flags{
			CleanRemoteFiles:           p.CleanRemoteFiles,
			RetrieveOutput:             p.RetrieveOutput,
			CleanLocalWorkingDirectory: p.CleanLocalWorkingDirectory,
			HideFromGui:                p.HideFromGui,
			PopupOnStateChange:         p.PopupOnStateChange,
		},
		OwningEndpoint: jobstore.EndpointRef{ConnectionID: conn.ID()},
	}
	created, err := s.Store.CreateJob(job)
	if err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "Internal error: "+err.Error(), nil)
	}

	// The working directory is created synchronously so the response
	// can report it immediately (spec invariant 5: it must exist
	// before any transition into Submitted). Actual backend dispatch
	// — which may block on SSH for seconds — runs in the background
	// (§5: "the dispatcher handler for submitJob returns as soon
	// as the job is persisted and enqueued").
	workDir := s.jobWorkDir(created.MoleQueueID)
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "Internal error: create working directory: "+err.Error(), nil)
	}
	if err := jobstore.WriteInputFiles(workDir, created.InputFiles); err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "Internal error: "+err.Error(), nil)
	}
	if err := s.Store.Mutate(created.MoleQueueID, func(j *jobstore.Job) error {
		j.LocalWorkingDirectory = workDir
		return nil
	}); err != nil {
		return nil, rpc.NewError(rpc.CodeInternalError, "Internal error: "+err.Error(), nil)
	}

	jobID := created.MoleQueueID
	go func() {
		if err := concreteQueue.Submit(context.Background(), jobID); err != nil {
			s.log.Error("queue submit failed", "jobId", jobID, "queue", p.Queue, "error", err)
		}
	}()

	return submitJobResult{MoleQueueID: jobID, LocalWorkingDirectory: workDir}, nil
}

type jobIDParams struct {
	MoleQueueID int64 `json:"moleQueueId"`
}

func (s *Server) handleCancelJob(ctx context.Context, conn transport.Connection, params json.RawMessage) (any, *rpc.ErrorObject) {
	var p jobIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "Invalid params: "+err.Error(), nil)
	}

	job, err := s.Store.Get(p.MoleQueueID)
	if err != nil {
		return nil, rpc.NewError(codeUnknownJob, fmt.Sprintf("Unknown job: %d", p.MoleQueueID), nil)
	}
	if job.State.Terminal() {
		return jobIDParams{MoleQueueID: p.MoleQueueID}, nil
	}

	concreteQueue, qerr := s.Queues.Get(job.Queue)
	if qerr == nil {
		go func() {
			if err := concreteQueue.Cancel(context.Background(), p.MoleQueueID); err != nil {
				s.log.Error("queue cancel failed", "jobId", p.MoleQueueID, "error", err)
			}
		}()
	}
	return jobIDParams{MoleQueueID: p.MoleQueueID}, nil
}

func (s *Server) handleLookupJob(ctx context.Context, conn transport.Connection, params json.RawMessage) (any, *rpc.ErrorObject) {
	var p jobIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "Invalid params: "+err.Error(), nil)
	}

	job, err := s.Store.Get(p.MoleQueueID)
	if err != nil {
		return nil, rpc.NewError(codeUnknownJob, fmt.Sprintf("Unknown job: %d", p.MoleQueueID), nil)
	}
	return job, nil
}

func (s *Server) handleRemoveJob(ctx context.Context, conn transport.Connection, params json.RawMessage) (any, *rpc.ErrorObject) {
	var p jobIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpc.NewError(rpc.CodeInvalidParams, "Invalid params: "+err.Error(), nil)
	}

	if err := s.Store.Remove(p.MoleQueueID); err != nil {
		if err == jobstore.ErrNotFound {
			return nil, rpc.NewError(codeUnknownJob, fmt.Sprintf("Unknown job: %d", p.MoleQueueID), nil)
		}
		return nil, rpc.NewError(rpc.CodeInvalidRequest, err.Error(), nil)
	}
	return jobIDParams{MoleQueueID: p.MoleQueueID}, nil
}

// handleRPCKill is a test-only method (§6) that starts the server's
// shutdown hook in its own goroutine and returns "ok"; the hook runs
// concurrently with the reply being sent.
func (s *Server) handleRPCKill(ctx context.Context, conn transport.Connection, params json.RawMessage) (any, *rpc.ErrorObject) {
	if s.onKill != nil {
		go s.onKill()
	}
	return "ok", nil
}
