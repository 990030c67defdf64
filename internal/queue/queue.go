// Package queue defines the backend contract every concrete job
// queue (local process pool, SSH-driven SGE/PBS/SLURM/OAR) satisfies,
// and the registry that routes a job to its named queue by config.
package queue

import (
	"context"
	"fmt"
	"strings"
)

// Queue is the uniform contract between the core and a concrete
// backend (§4.6). Submit may block on the backend (the remote family
// runs its SSH steps inline); the submitJob handler calls it from a
// background goroutine, so the RPC reply does not wait on it.
type Queue interface {
	// Submit prepares the job's working directory and hands it to
	// the backend. Sets state to Submitted (remote)
	// or RunningLocal (local) once genuinely dispatched.
	Submit(ctx context.Context, jobID int64) error

	// Cancel requests termination of jobID. Best-effort and
	// idempotent: canceling an already-terminal or unknown-to-this-queue
	// job is not an error.
	Cancel(ctx context.Context, jobID int64) error

	// Update polls the backend for status of every job this queue
	// currently owns, driving state transitions. Called periodically
	// by the owning poller task; local queues may no-op here since
	// their transitions are driven by process exit instead.
	Update(ctx context.Context) error

	// Retrieve fetches output files into the job's local working
	// directory. No-op for queues whose jobs already run locally.
	Retrieve(ctx context.Context, jobID int64) error

	// TypeName identifies the backend kind ("local", "remote-sge", ...).
	TypeName() string

	// SettingsSnapshot returns a representation of this queue's
	// configuration suitable for introspection/debugging; never
	// includes secrets (identity file contents, passphrases).
	SettingsSnapshot() map[string]string
}

// ProgramDef is one program a queue can run (§3).
type ProgramDef struct {
	Name        string            `yaml:"name" toml:"name"`
	RunTemplate string            `yaml:"runTemplate" toml:"runTemplate"`
	Delimiter   string            `yaml:"delimiter,omitempty" toml:"delimiter,omitempty"` // default "$$"
	Variables   map[string]string `yaml:"variables,omitempty" toml:"variables,omitempty"`
}

// ExpandedRunTemplate substitutes every delimiter+key+delimiter
// occurrence in RunTemplate with the matching value from variables
// (falling back to p.Variables for keys the caller didn't override).
// Undefined keys are left literal, per §3.
func (p *ProgramDef) ExpandedRunTemplate(variables map[string]string) string {
	delim := p.Delimiter
	if delim == "" {
		delim = "$$"
	}

	merged := make(map[string]string, len(p.Variables)+len(variables))
	for k, v := range p.Variables {
		merged[k] = v
	}
	for k, v := range variables {
		merged[k] = v
	}

	return expandTemplate(p.RunTemplate, delim, merged)
}

func expandTemplate(tmpl, delim string, vars map[string]string) string {
	out := tmpl
	for k, v := range vars {
		out = strings.ReplaceAll(out, delim+k+delim, v)
	}
	return out
}

// Registry holds every configured queue by name and routes jobs to
// them (§4.6).
type Registry struct {
	queues   map[string]Queue
	programs map[string][]ProgramDef
	order    []string
}

// NewRegistry builds an empty registry; queues are added with
// Register in configuration order (listQueues must preserve
// insertion order per §8 scenario 2).
func NewRegistry() *Registry {
	return &Registry{
		queues:   make(map[string]Queue),
		programs: make(map[string][]ProgramDef),
	}
}

// Register adds a named queue and its available programs.
func (r *Registry) Register(name string, q Queue, programs []ProgramDef) {
	if _, exists := r.queues[name]; !exists {
		r.order = append(r.order, name)
	}
	r.queues[name] = q
	r.programs[name] = programs
}

// Get returns the named queue, or an error if no queue by that name
// was registered (§8 scenario 3: "Unknown queue: <name>").
func (r *Registry) Get(name string) (Queue, error) {
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("Unknown queue: %s", name)
	}
	return q, nil
}

// Program returns the named program's definition within queue name,
// or an error if either the queue or program is unknown.
func (r *Registry) Program(queueName, programName string) (*ProgramDef, error) {
	if _, ok := r.queues[queueName]; !ok {
		return nil, fmt.Errorf("Unknown queue: %s", queueName)
	}
	for i := range r.programs[queueName] {
		if r.programs[queueName][i].Name == programName {
			return &r.programs[queueName][i], nil
		}
	}
	return nil, fmt.Errorf("Unknown program: %s", programName)
}

// ListQueues returns every queue name mapped to its program names
// (§4.9 listQueues). The map carries no order; Names gives the
// registration order, which the listQueues handler uses for its reply.
func (r *Registry) ListQueues() map[string][]string {
	out := make(map[string][]string, len(r.order))
	for _, name := range r.order {
		names := make([]string, len(r.programs[name]))
		for i, p := range r.programs[name] {
			names[i] = p.Name
		}
		out[name] = names
	}
	return out
}

// Names returns the registered queue names in insertion order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}
