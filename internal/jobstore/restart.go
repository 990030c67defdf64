package jobstore

// ReconcileAfterRestart applies §7's restart policy: a job left
// in Accepted, Submitted, or RunningLocal when the process exited has
// no live child to resume, since local processes don't survive the
// broker restarting — it transitions to Error. Remote-family states
// (RemoteQueued, RunningRemote) are left untouched; the remote queue
// backend resumes polling them by queueId once it starts.
//
// Called once at startup after New, before the server starts
// accepting connections.
func (s *Store) ReconcileAfterRestart() error {
	for _, j := range s.List() {
		switch j.State {
		case StateAccepted, StateSubmitted, StateRunningLocal:
			if err := s.Mutate(j.MoleQueueID, func(job *Job) error {
				job.State = StateError
				job.ErrorMessage = "interrupted by restart"
				return nil
			}); err != nil {
				return err
			}
		}
	}
	return nil
}
