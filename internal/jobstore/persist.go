package jobstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNotFound is returned by lookups for an id the store has never
// assigned (or no longer holds, after Remove).
var ErrNotFound = errors.New("jobstore: job not found")

func jobPath(dir string, id int64) string {
	return filepath.Join(dir, fmt.Sprintf("job-%d.json", id))
}

// saveJob writes job's record atomically: serialize to a temp file in
// the same directory, fsync, then rename over the final path. The
// same-directory temp file keeps the rename on one filesystem so it's
// atomic on every OS this runs on.
func saveJob(dir string, job *Job) error {
	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("jobstore: marshal job %d: %w", job.MoleQueueID, err)
	}

	final := jobPath(dir, job.MoleQueueID)
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".job-%d-*.tmp", job.MoleQueueID))
	if err != nil {
		return fmt.Errorf("jobstore: create temp for job %d: %w", job.MoleQueueID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("jobstore: write job %d: %w", job.MoleQueueID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("jobstore: sync job %d: %w", job.MoleQueueID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("jobstore: close temp for job %d: %w", job.MoleQueueID, err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("jobstore: commit job %d: %w", job.MoleQueueID, err)
	}
	return nil
}

func deleteJob(dir string, id int64) error {
	if err := os.Remove(jobPath(dir, id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("jobstore: remove job %d: %w", id, err)
	}
	return nil
}

// loadAll reloads every job-<id>.json in dir. A record with a newer
// schemaVersion than this build understands fails the whole reload
// with an error rather than being silently misread; older versions
// are accepted as-is, with no warning (the shape has so far only
// grown additively).
func loadAll(dir string) ([]*Job, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		if mkErr := os.MkdirAll(dir, 0700); mkErr != nil {
			return nil, mkErr
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, "job-") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var jobs []*Job
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("jobstore: read %s: %w", name, err)
		}
		var j Job
		if err := json.Unmarshal(data, &j); err != nil {
			return nil, fmt.Errorf("jobstore: parse %s: %w", name, err)
		}
		if j.SchemaVersion > currentSchemaVersion {
			return nil, fmt.Errorf("jobstore: %s has schemaVersion %d, newer than this build's %d", name, j.SchemaVersion, currentSchemaVersion)
		}
		jobs = append(jobs, &j)
	}
	return jobs, nil
}
