package remote

import (
	"regexp"
	"strings"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// PBSSpec describes PBS/Torque's qsub/qstat/qdel family. Its job ids
// are of the form "<number>.<server>", so the submit-output regex
// only captures the leading digits.
var PBSSpec = &Spec{
	Name:                "remote-pbs",
	SubmitCommand:       "qsub",
	PollCommand:         "qstat",
	KillCommand:         "qdel",
	RequestQueueCommand: "qstat",
	submitOutputRE:      regexp.MustCompile(`(\d+)\..*`),
	ParseLine:           parsePBSLine,
}

// parsePBSLine reads one qstat row: "Job id  Name  User  Time Use  S
// Queue". The S column (5th field) carries the single-letter codes
// Q/R/C/E.
func parsePBSLine(line string) (string, jobstore.State, bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return "", "", false
	}
	idField, code := fields[0], fields[4]
	id := idField
	if i := strings.IndexByte(idField, '.'); i >= 0 {
		id = idField[:i]
	}
	if !isNumeric(id) {
		return "", "", false
	}

	switch code {
	case "Q":
		return id, jobstore.StateRemoteQueued, true
	case "R":
		return id, jobstore.StateRunningRemote, true
	case "C":
		return id, jobstore.StateFinished, true
	case "E":
		return id, jobstore.StateError, true
	default:
		return id, "", true
	}
}
