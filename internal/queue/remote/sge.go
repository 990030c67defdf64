package remote

import (
	"regexp"
	"strings"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// SGESpec describes Sun/Oracle Grid Engine's qsub/qstat/qdel family.
var SGESpec = &Spec{
	Name:                "remote-sge",
	SubmitCommand:       "qsub",
	PollCommand:         "qstat",
	KillCommand:         "qdel",
	RequestQueueCommand: "qstat",
	submitOutputRE:      regexp.MustCompile(`Your job (\d+)`),
	ParseLine:           parseSGELine,
}

// parseSGELine reads one qstat row. The state column (5th
// whitespace-delimited field in qstat's default layout: job-ID,
// prior, name, user, state, ...) carries the multi-letter codes
// qw/r/Eqw/dr.
func parseSGELine(line string) (string, jobstore.State, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return "", "", false
	}
	id, code := fields[0], fields[4]
	if !isNumeric(id) {
		return "", "", false
	}

	switch code {
	case "qw":
		return id, jobstore.StateRemoteQueued, true
	case "r":
		return id, jobstore.StateRunningRemote, true
	case "Eqw":
		return id, jobstore.StateError, true
	case "dr":
		return id, jobstore.StateCanceled, true
	default:
		return id, "", true
	}
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
