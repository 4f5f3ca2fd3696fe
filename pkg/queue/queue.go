// Package queue implements the Priority Queue Manager: lane selection,
// intra-lane priority ordering, and durable persistence of the waiting
// set through the Job Store.
package queue

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/jobfabric/pkg/clock"
	"github.com/cuemby/jobfabric/pkg/events"
	"github.com/cuemby/jobfabric/pkg/store"
	"github.com/cuemby/jobfabric/pkg/types"
	"github.com/google/uuid"
)

// ErrQueueFull is returned by Submit when a lane's optional cap is
// exceeded. The cap is not enforced by default.
var ErrQueueFull = errors.New("queue: lane is full")

// ErrUnknownLane is returned for operations against a lane name that is
// not one of the three fixed lanes.
var ErrUnknownLane = errors.New("queue: unknown lane")

// Config bounds the optional per-lane cap and the large-file threshold
// used by lane selection.
type Config struct {
	LargeThresholdBytes int64
	LaneCaps            map[types.Lane]int // 0 or absent means uncapped
}

// Manager is the Priority Queue Manager (PQM). Each lane is a priority
// heap guarded by the manager's own mutex — a single lock discipline,
// matching the shared-resource policy every other control-plane
// component in this fabric uses.
type Manager struct {
	mu     sync.Mutex
	cfg    Config
	lanes  map[types.Lane]*laneQueue
	store  store.Store
	clock  clock.Clock
	sink   events.Sink
}

type laneQueue struct {
	heap            jobHeap
	completedRecent int
	failedRecent    int
}

// NewManager constructs a PQM bound to a durable Store for waiting-set
// persistence and an Event Sink for JobRequeued/JobLostWorker notices.
func NewManager(cfg Config, st store.Store, clk clock.Clock, sink events.Sink) *Manager {
	m := &Manager{
		cfg:   cfg,
		lanes: make(map[types.Lane]*laneQueue),
		store: st,
		clock: clk,
		sink:  sink,
	}
	for _, lane := range types.AllLanes {
		m.lanes[lane] = &laneQueue{}
	}
	return m
}

// SelectLane implements the lane-selection rule from §4.1: file size
// first, then tenant plan.
func SelectLane(plan types.TenantPlan, fileSizeBytes, largeThresholdBytes int64) types.Lane {
	if fileSizeBytes >= largeThresholdBytes {
		return types.LaneLarge
	}
	switch plan {
	case types.PlanPro, types.PlanEnterprise, types.PlanUnlimited:
		return types.LanePremium
	default:
		return types.LaneNormal
	}
}

// Submit inserts a new job into the correct lane. It is a pure insert:
// the only failure is QueueFull when an optional per-lane cap is set.
func (m *Manager) Submit(tenantID string, fileRef string, fileSizeBytes int64, plan types.TenantPlan, maxAttempts int) (*types.Job, error) {
	lane := SelectLane(plan, fileSizeBytes, m.cfg.LargeThresholdBytes)
	priorityKey := types.PriorityKeyForPlan(plan, lane)

	if maxAttempts <= 0 {
		maxAttempts = types.DefaultMaxAttempts
	}

	job := &types.Job{
		JobID:         uuid.NewString(),
		TenantID:      tenantID,
		SubmittedAt:   m.clock.Now(),
		FileRef:       fileRef,
		FileSizeBytes: fileSizeBytes,
		TenantPlan:    plan,
		Attempts:      0,
		MaxAttempts:   maxAttempts,
		PriorityKey:   priorityKey,
		Lane:          lane,
		State:         types.JobQueued,
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	lq := m.lanes[lane]
	if cap, ok := m.cfg.LaneCaps[lane]; ok && cap > 0 && lq.heap.Len() >= cap {
		return nil, ErrQueueFull
	}

	if err := m.store.InsertJob(job); err != nil {
		return nil, fmt.Errorf("queue: persist submitted job: %w", err)
	}

	heap.Push(&lq.heap, job)

	if m.sink != nil {
		m.sink.Emit(&events.Event{
			Type:     events.EventJobSubmitted,
			Message:  fmt.Sprintf("job %s submitted to lane %s", job.JobID, lane),
			Metadata: map[string]string{"job_id": job.JobID, "lane": string(lane), "tenant_id": tenantID},
		})
	}

	return job, nil
}

// Claim returns the next job for a lane in (priority_key, submitted_at,
// job_id) order and atomically marks it Running, or nil if the lane's
// waiting set is empty.
func (m *Manager) Claim(lane types.Lane, workerID string) (*types.Job, error) {
	lq, ok := m.lanes[lane]
	if !ok {
		return nil, ErrUnknownLane
	}

	m.mu.Lock()
	if lq.heap.Len() == 0 {
		m.mu.Unlock()
		return nil, nil
	}
	job := heap.Pop(&lq.heap).(*types.Job)
	m.mu.Unlock()

	now := m.clock.Now()
	job.State = types.JobRunning
	job.WorkerID = workerID
	job.StartedAt = now
	job.LastHeartbeat = now

	if err := m.store.UpdateJob(job); err != nil {
		// Put it back: the claim did not durably commit.
		m.mu.Lock()
		job.State = types.JobQueued
		job.WorkerID = ""
		job.StartedAt = time.Time{}
		heap.Push(&lq.heap, job)
		m.mu.Unlock()
		return nil, fmt.Errorf("queue: persist claim: %w", err)
	}

	return job, nil
}

// Requeue is called after a transient failure. It increments attempts
// (unless the failure was backpressure) and returns the job to the head
// of its lane if attempts remain, else marks it Failed.
func (m *Manager) Requeue(job *types.Job, reason string) error {
	isBackpressure := reason == "backpressure"

	m.mu.Lock()
	defer m.mu.Unlock()

	if !isBackpressure {
		job.Attempts++
	}

	if job.Attempts >= job.MaxAttempts {
		job.State = types.JobFailed
		job.LastError = "max attempts exceeded"
		job.FinishedAt = m.clock.Now()
		lq := m.lanes[job.Lane]
		lq.failedRecent++
		if err := m.store.UpdateJob(job); err != nil {
			return fmt.Errorf("queue: persist failed job: %w", err)
		}
		if m.sink != nil {
			m.sink.Emit(&events.Event{
				Type:     events.EventJobFailed,
				Message:  fmt.Sprintf("job %s failed: %s", job.JobID, job.LastError),
				Metadata: map[string]string{"job_id": job.JobID},
			})
		}
		return nil
	}

	job.State = types.JobQueued
	job.WorkerID = ""
	job.StartedAt = time.Time{}
	job.LastError = reason

	if err := m.store.UpdateJob(job); err != nil {
		return fmt.Errorf("queue: persist requeue: %w", err)
	}

	lq := m.lanes[job.Lane]
	heap.Push(&lq.heap, job)

	if m.sink != nil {
		m.sink.Emit(&events.Event{
			Type:     events.EventJobRequeued,
			Message:  fmt.Sprintf("job %s requeued: %s", job.JobID, reason),
			Metadata: map[string]string{"job_id": job.JobID, "reason": reason},
		})
	}
	return nil
}

// RecoverAtHead reinserts a recovered job into its lane with a fresh
// submitted_at, so it keeps its priority_key and is ordered as a new
// arrival within that tier, per the Open Question resolution in SPEC_FULL.md
// §9 (DESIGN.md records the rationale).
func (m *Manager) RecoverAtHead(job *types.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job.SubmittedAt = m.clock.Now()
	job.State = types.JobQueued
	job.WorkerID = ""
	job.StartedAt = time.Time{}

	if err := m.store.UpdateJob(job); err != nil {
		return fmt.Errorf("queue: persist recovery: %w", err)
	}

	lq := m.lanes[job.Lane]
	heap.Push(&lq.heap, job)
	return nil
}

// MarkCompleted records a completion against the lane's recent counters
// (used by Stats) and emits JobCompleted.
func (m *Manager) MarkCompleted(job *types.Job) {
	m.mu.Lock()
	lq := m.lanes[job.Lane]
	lq.completedRecent++
	m.mu.Unlock()

	if m.sink != nil {
		m.sink.Emit(&events.Event{
			Type:     events.EventJobCompleted,
			Message:  fmt.Sprintf("job %s completed", job.JobID),
			Metadata: map[string]string{"job_id": job.JobID},
		})
	}
}

// Stats returns a point-in-time snapshot of a lane.
func (m *Manager) Stats(lane types.Lane) (types.QueueStats, error) {
	lq, ok := m.lanes[lane]
	if !ok {
		return types.QueueStats{}, ErrUnknownLane
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return types.QueueStats{
		Lane:            lane,
		Timestamp:       m.clock.Now(),
		Waiting:         lq.heap.Len(),
		CompletedRecent: lq.completedRecent,
		FailedRecent:    lq.failedRecent,
	}, nil
}

// Rehydrate rebuilds the in-memory lanes from the Job Store's Queued
// records, so a control-plane restart recovers its waiting set.
func (m *Manager) Rehydrate() error {
	jobs, err := m.store.ListByState(types.JobQueued)
	if err != nil {
		return fmt.Errorf("queue: rehydrate: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, job := range jobs {
		lq, ok := m.lanes[job.Lane]
		if !ok {
			continue
		}
		heap.Push(&lq.heap, job)
	}
	return nil
}
