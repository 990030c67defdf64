// Package eventlog is the structured, append-only record of every
// job state transition and process-wide error, written as daily
// NDJSON files under <workdir>/log/ so a job's history survives
// independent of the process's live slog output.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
)

// Entry is one line of the event log.
type Entry struct {
	Time    time.Time      `json:"time"`
	JobID   int64          `json:"jobId,omitempty"`
	From    jobstore.State `json:"from,omitempty"`
	To      jobstore.State `json:"to,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Log appends Entry records to <dir>/log-YYYYMMDD.jsonl, rotating to
// a new file when the calendar day changes.
type Log struct {
	dir string

	mu     sync.Mutex
	day    string
	file   *os.File
	writer *bufio.Writer
}

// Open prepares a Log rooted at dir, creating it if absent.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir %s: %w", dir, err)
	}
	return &Log{dir: dir}, nil
}

func (l *Log) fileFor(now time.Time) (*bufio.Writer, error) {
	day := now.Format("20060102")
	if l.file != nil && l.day == day {
		return l.writer, nil
	}
	if l.file != nil {
		l.writer.Flush()
		l.file.Close()
	}

	path := filepath.Join(l.dir, fmt.Sprintf("log-%s.jsonl", day))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
	}
	l.file = f
	l.day = day
	l.writer = bufio.NewWriter(f)
	return l.writer, nil
}

func (l *Log) append(e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, err := l.fileFor(e.Time)
	if err != nil {
		return err
	}
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventlog: marshal entry: %w", err)
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// AppendTransition satisfies statemachine.EventAppender.
func (l *Log) AppendTransition(jobID int64, from, to jobstore.State, at time.Time) error {
	return l.append(Entry{Time: at, JobID: jobID, From: from, To: to, Kind: "stateChanged"})
}

// AppendError records a process-wide or job-scoped error per the
// taxonomy in §7 (kind, moleQueueId if job-scoped, message).
func (l *Log) AppendError(jobID int64, kind, message string) error {
	return l.append(Entry{Time: time.Now(), JobID: jobID, Kind: kind, Message: message})
}

// Close flushes and closes the currently open day's file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.writer.Flush()
	err := l.file.Close()
	l.file = nil
	return err
}

// ForJob scans every log-*.jsonl file in dir and returns entries for
// jobID in file order. Intended for on-demand lookups (e.g. a future
// `jobLog` RPC method), not for the hot path.
func ForJob(dir string, jobID int64) ([]Entry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("eventlog: read dir %s: %w", dir, err)
	}

	var out []Entry
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		f, err := os.Open(filepath.Join(dir, de.Name()))
		if err != nil {
			return nil, err
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			var e Entry
			if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
				continue
			}
			if e.JobID == jobID {
				out = append(out, e)
			}
		}
		f.Close()
		if err := scanner.Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}
