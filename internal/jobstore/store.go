package jobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Index is the query-index side effect of every commit (see
// internal/jobindex). Store treats it as optional: a nil Index still
// gives correct single-process behavior, just without the fast
// queryable view docs mention.
type Index interface {
	Upsert(job *Job) error
	Remove(id int64) error
}

// Store is the authoritative in-memory map of MoleQueue id to job
// record, backed by the per-file persistence in persist.go. All
// mutation goes through its methods; backends and handlers never
// reach into a *Job they didn't get from here.
type Store struct {
	mu     sync.Mutex
	dir    string
	jobs   map[int64]*Job
	nextID int64

	index Index
}

// New opens (or creates) a job store rooted at dir, reloading any
// previously persisted records. dir is expected to already exist;
// callers create it as part of workdir setup.
func New(dir string, index Index) (*Store, error) {
	s := &Store{
		dir:   dir,
		jobs:  make(map[int64]*Job),
		index: index,
	}

	loaded, err := loadAll(dir)
	if err != nil {
		return nil, fmt.Errorf("jobstore: reload %s: %w", dir, err)
	}
	for _, j := range loaded {
		s.jobs[j.MoleQueueID] = j
		if j.MoleQueueID > s.nextID {
			s.nextID = j.MoleQueueID
		}
		if index != nil {
			if err := index.Upsert(j); err != nil {
				return nil, fmt.Errorf("jobstore: rebuild index for job %d: %w", j.MoleQueueID, err)
			}
		}
	}

	return s, nil
}

// CreateJob assigns the next MoleQueueID (§4.4:
// max(existing)+1, handed out under the store's lock) and persists
// the new record in StateNone before the caller transitions it to
// Accepted.
func (s *Store) CreateJob(j *Job) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	j.MoleQueueID = s.nextID
	j.SchemaVersion = currentSchemaVersion
	if j.State == "" {
		j.State = StateNone
	}
	if j.NumberOfProcessors < 1 {
		j.NumberOfProcessors = 1
	}
	if j.SubmitTime.IsZero() {
		j.SubmitTime = time.Now()
	}
	j.LastStateChange = j.SubmitTime

	if err := saveJob(s.dir, j); err != nil {
		s.nextID--
		return nil, err
	}
	s.jobs[j.MoleQueueID] = j
	if s.index != nil {
		if err := s.index.Upsert(j); err != nil {
			return nil, fmt.Errorf("jobstore: index upsert job %d: %w", j.MoleQueueID, err)
		}
	}
	return j.Clone(), nil
}

// Get returns a copy of the job record, or ErrNotFound.
func (s *Store) Get(id int64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// List returns a copy of every job, ordered by MoleQueueID ascending.
func (s *Store) List() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].MoleQueueID < out[k].MoleQueueID })
	return out
}

// Mutate applies fn to the live record for id under the store's
// lock, persists the result, and updates the index, all before
// returning (§3 invariant 6: write-through before any caller can
// observe the new state). fn must not block and must not call back
// into the store.
func (s *Store) Mutate(id int64, fn func(j *Job) error) error {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}

	before := j.State
	if err := fn(j); err != nil {
		s.mu.Unlock()
		return err
	}
	if j.State != before {
		j.LastStateChange = time.Now()
	}

	if err := saveJob(s.dir, j); err != nil {
		s.mu.Unlock()
		return err
	}
	if s.index != nil {
		if err := s.index.Upsert(j); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("jobstore: index upsert job %d: %w", id, err)
		}
	}
	s.mu.Unlock()
	return nil
}

// Remove deletes a job's persisted record and in-memory entry. Spec
// §3: only legal when the job is in a terminal state.
func (s *Store) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if !j.State.Terminal() {
		return fmt.Errorf("jobstore: job %d is not in a terminal state (%s)", id, j.State)
	}

	if err := deleteJob(s.dir, id); err != nil {
		return err
	}
	delete(s.jobs, id)
	if s.index != nil {
		return s.index.Remove(id)
	}
	return nil
}
