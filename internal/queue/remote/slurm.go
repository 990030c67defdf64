package remote

import (
	"regexp"
	"strings"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// SLURMSpec describes Slurm's sbatch/squeue/scancel family.
//
// Per the open question in §9: SLURM's terminal-looking state
// codes (CG, F, NF, CA, CD, TO) are mapped here to RunningRemote, not
// to Finished/Canceled/Error — matching the documented-ambiguous
// source behavior rather than guessing intent. A job actually leaves
// RunningRemote only when it disappears from squeue's output
// entirely; Update (in queue.go) reconciles that disappearance by
// transitioning to Finished. This keeps the observed behavior
// testable either way the ambiguity eventually resolves.
var SLURMSpec = &Spec{
	Name:                "remote-slurm",
	SubmitCommand:       "sbatch",
	PollCommand:         "squeue",
	KillCommand:         "scancel",
	RequestQueueCommand: "squeue -j",
	submitOutputRE:      regexp.MustCompile(`Submitted batch job (\d+)`),
	ParseLine:           parseSLURMLine,
}

// parseSLURMLine reads one squeue row: "JOBID PARTITION NAME USER ST
// TIME NODES NODELIST(REASON)". The ST column (5th field) carries the
// codes below.
func parseSLURMLine(line string) (string, jobstore.State, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return "", "", false
	}
	id, code := fields[0], fields[4]
	if !isNumeric(id) {
		return "", "", false
	}

	switch code {
	case "PD", "CF":
		return id, jobstore.StateRemoteQueued, true
	case "R", "S", "CG", "F", "NF", "CA", "CD", "TO":
		return id, jobstore.StateRunningRemote, true
	default:
		return id, "", true
	}
}
