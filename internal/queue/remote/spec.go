package remote

import (
	"regexp"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// Spec holds one scheduler family's literal commands and parsers
// (§4.8 table). The shared Queue orchestrates staging,
// submission, polling, and retrieval identically across families;
// only these fields differ.
type Spec struct {
	Name string // "remote-sge", "remote-pbs", "remote-slurm", "remote-oar"

	SubmitCommand       string // e.g. "qsub"
	PollCommand         string // e.g. "qstat"
	KillCommand         string // e.g. "qdel"
	RequestQueueCommand string // the full `requestQueueCommand` template, ids appended

	submitOutputRE *regexp.Regexp

	// ParseLine extracts a backend queue id and the JobState it maps
	// to from one line of poll output. ok is false for lines that
	// carry no job status (headers, blank lines) — those are not
	// warnings, just skipped. When the line names a job but its
	// status letter is unrecognized, ParseLine returns ok=true with
	// state=""; Queue.Update then leaves the job's state unchanged and
	// logs nothing.
	ParseLine func(line string) (queueID string, state jobstore.State, ok bool)
}

// ParseQueueID extracts the backend-assigned id from one backend's
// submission output using its submitOutputRE.
func (s *Spec) ParseQueueID(output string) (string, bool) {
	m := s.submitOutputRE.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}
	return m[1], true
}
