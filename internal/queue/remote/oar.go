package remote

import (
	"regexp"
	"strings"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// OARSpec describes OAR's oarsub/oarstat/oardel family. Submission
// output is a multi-line SSH transcript; the job id is reported on
// its own "OAR_JOB_ID=<n>" line rather than inline with a status
// word, so the regex is applied to the whole transcript.
var OARSpec = &Spec{
	Name:                "remote-oar",
	SubmitCommand:       "oarsub -S",
	PollCommand:         "oarstat",
	KillCommand:         "oardel",
	RequestQueueCommand: "oarstat",
	submitOutputRE:      regexp.MustCompile(`OAR_JOB_ID=(\d+)`),
	ParseLine:           parseOARLine,
}

// parseOARLine reads one oarstat row: "<id>   <state> <user> ...".
// The state is the 2nd whitespace-delimited field.
func parseOARLine(line string) (string, jobstore.State, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	id, code := fields[0], fields[1]
	if !isNumeric(id) {
		return "", "", false
	}

	switch code {
	case "L":
		return id, jobstore.StateAccepted, true
	case "W":
		return id, jobstore.StateSubmitted, true
	case "R":
		return id, jobstore.StateRunningRemote, true
	case "E":
		return id, jobstore.StateError, true
	case "T", "F":
		return id, jobstore.StateFinished, true
	default:
		return id, "", true
	}
}
