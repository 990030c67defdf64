package jobindex

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/OpenChemistry/molequeue-sub002/internal/jobstore"
	_ "modernc.org/sqlite"
)

// SQLiteIndex is the default, embedded query index backend.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLite opens (creating if absent) a SQLite-backed index at dsn.
// Use ":memory:" for tests.
func NewSQLite(dsn string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobindex: open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobindex: set busy timeout: %w", err)
	}
	if dsn != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("jobindex: enable WAL: %w", err)
		}
	}

	idx := &SQLiteIndex{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobindex: migrate: %w", err)
	}
	return idx, nil
}

func (idx *SQLiteIndex) migrate() error {
	_, err := idx.db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
		mole_queue_id INTEGER PRIMARY KEY,
		queue TEXT NOT NULL,
		program TEXT NOT NULL,
		state TEXT NOT NULL,
		submit_time DATETIME NOT NULL,
		queue_id TEXT NOT NULL DEFAULT ''
	)`)
	return err
}

func (idx *SQLiteIndex) Upsert(job *jobstore.Job) error {
	_, err := idx.db.Exec(`INSERT INTO jobs (mole_queue_id, queue, program, state, submit_time, queue_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mole_queue_id) DO UPDATE SET
			queue = excluded.queue,
			program = excluded.program,
			state = excluded.state,
			submit_time = excluded.submit_time,
			queue_id = excluded.queue_id`,
		job.MoleQueueID, job.Queue, job.Program, string(job.State), job.SubmitTime, job.QueueID)
	if err != nil {
		return fmt.Errorf("jobindex: upsert job %d: %w", job.MoleQueueID, err)
	}
	return nil
}

func (idx *SQLiteIndex) Remove(id int64) error {
	if _, err := idx.db.Exec(`DELETE FROM jobs WHERE mole_queue_id = ?`, id); err != nil {
		return fmt.Errorf("jobindex: remove job %d: %w", id, err)
	}
	return nil
}

func (idx *SQLiteIndex) List(f Filter) ([]Row, error) {
	var where []string
	var args []any

	if f.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, f.Queue)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if !f.Since.IsZero() {
		where = append(where, "submit_time >= ?")
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		where = append(where, "submit_time <= ?")
		args = append(args, f.Until)
	}

	query := "SELECT mole_queue_id, queue, program, state, submit_time, queue_id FROM jobs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY mole_queue_id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("jobindex: list: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var state string
		var submitTime time.Time
		if err := rows.Scan(&r.MoleQueueID, &r.Queue, &r.Program, &state, &submitTime, &r.QueueID); err != nil {
			return nil, fmt.Errorf("jobindex: scan row: %w", err)
		}
		r.State = jobstore.State(state)
		r.SubmitTime = submitTime
		out = append(out, r)
	}
	return out, rows.Err()
}

func (idx *SQLiteIndex) Close() error {
	return idx.db.Close()
}
