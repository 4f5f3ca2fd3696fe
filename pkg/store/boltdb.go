package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/jobfabric/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs       = []byte("jobs")
	bucketWorkers    = []byte("workers")
	bucketQueueStats = []byte("queue_stats")
)

// BoltStore implements Store using BoltDB, one bucket per entity and
// JSON-encoded records keyed by ID, exactly as the reference control
// plane's state store does.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed Job Store.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "jobfabric.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketWorkers, bucketQueueStats} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// InsertJob writes a new job record (upsert; the job_id is assumed unique
// at the caller).
func (s *BoltStore) InsertJob(job *types.Job) error {
	return s.putJob(job)
}

// UpdateJob persists a job's mutated fields. Same underlying write as
// InsertJob: BoltDB buckets are naturally upserting.
func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.putJob(job)
}

func (s *BoltStore) putJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return b.Put([]byte(job.JobID), data)
	})
}

// GetJob retrieves a job by ID.
func (s *BoltStore) GetJob(jobID string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return &ErrNotFound{Kind: "job", ID: jobID}
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// TouchHeartbeat refreshes a job's last_heartbeat in place, a single
// read-modify-write transaction rather than requiring the caller to
// round-trip a full types.Job through UpdateJob.
func (s *BoltStore) TouchHeartbeat(jobID string, at time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(jobID))
		if data == nil {
			return &ErrNotFound{Kind: "job", ID: jobID}
		}
		var job types.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return err
		}
		job.LastHeartbeat = at
		out, err := json.Marshal(&job)
		if err != nil {
			return err
		}
		return b.Put([]byte(jobID), out)
	})
}

// ListRecoverable returns jobs in Running or LostWorker whose last
// heartbeat is older than threshold, the scan that feeds recovery (§4.5).
func (s *BoltStore) ListRecoverable(threshold time.Time) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State != types.JobRunning && job.State != types.JobLostWorker {
				return nil
			}
			if job.LastHeartbeat.After(threshold) {
				return nil
			}
			cp := job
			jobs = append(jobs, &cp)
			return nil
		})
	})
	return jobs, err
}

// ListByState returns all jobs currently in the given state.
func (s *BoltStore) ListByState(state types.JobState) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.State == state {
				cp := job
				jobs = append(jobs, &cp)
			}
			return nil
		})
	})
	return jobs, err
}

// UpsertWorker writes a worker record.
func (s *BoltStore) UpsertWorker(worker *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.WorkerID), data)
	})
}

// GetWorker retrieves a worker by ID.
func (s *BoltStore) GetWorker(workerID string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(workerID))
		if data == nil {
			return &ErrNotFound{Kind: "worker", ID: workerID}
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

// ListWorkers returns every worker record.
func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

// DeleteWorker removes a worker record (on termination).
func (s *BoltStore) DeleteWorker(workerID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(workerID))
	})
}

// AppendWorkerMetric is an alias of UpsertWorker: the worker row already
// carries its own live metrics (avg processing time, mem used, counts).
func (s *BoltStore) AppendWorkerMetric(worker *types.Worker) error {
	return s.UpsertWorker(worker)
}

// AppendQueueStat appends one queue_stats sample, keyed by lane+timestamp
// so history accumulates rather than being overwritten.
func (s *BoltStore) AppendQueueStat(stat *types.QueueStats) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueStats)
		data, err := json.Marshal(stat)
		if err != nil {
			return err
		}
		key := fmt.Sprintf("%s/%d", stat.Lane, stat.Timestamp.UnixNano())
		return b.Put([]byte(key), data)
	})
}

// RecentQueueStats returns samples for a lane since a given time, ordered
// oldest first.
func (s *BoltStore) RecentQueueStats(lane types.Lane, since time.Time) ([]*types.QueueStats, error) {
	var stats []*types.QueueStats
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueueStats)
		return b.ForEach(func(k, v []byte) error {
			var stat types.QueueStats
			if err := json.Unmarshal(v, &stat); err != nil {
				return err
			}
			if stat.Lane == lane && !stat.Timestamp.Before(since) {
				stats = append(stats, &stat)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Timestamp.Before(stats[j].Timestamp) })
	return stats, nil
}
