// Package store defines the Job Store contract: the durable record of
// each submitted job, worker, and queue statistics sample. The core never
// assumes a particular backend; BoltStore is the bundled implementation.
package store

import (
	"time"

	"github.com/cuemby/jobfabric/pkg/types"
)

// Store is the durable state interface the job execution fabric depends
// on. Implementations must be transactional at the single-row level.
type Store interface {
	InsertJob(job *types.Job) error
	UpdateJob(job *types.Job) error
	GetJob(jobID string) (*types.Job, error)
	// TouchHeartbeat refreshes a running job's last_heartbeat without the
	// caller needing a full in-memory Job to round-trip through UpdateJob.
	TouchHeartbeat(jobID string, at time.Time) error
	ListRecoverable(threshold time.Time) ([]*types.Job, error)
	ListByState(state types.JobState) ([]*types.Job, error)

	UpsertWorker(worker *types.Worker) error
	GetWorker(workerID string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	DeleteWorker(workerID string) error

	AppendWorkerMetric(worker *types.Worker) error
	AppendQueueStat(stat *types.QueueStats) error
	RecentQueueStats(lane types.Lane, since time.Time) ([]*types.QueueStats, error)

	Close() error
}

// ErrNotFound is returned by Get* methods when the row does not exist.
type ErrNotFound struct {
	Kind string
	ID   string
}

func (e *ErrNotFound) Error() string {
	return e.Kind + " not found: " + e.ID
}
