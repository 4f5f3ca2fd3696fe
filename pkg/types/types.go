// Package types holds the shared data model for the job execution fabric:
// jobs, workers, lanes, the resource ledger, and tenant quota contracts.
package types

import "time"

// Lane is one of the three fixed queues a job is routed into.
type Lane string

const (
	LanePremium Lane = "premium"
	LaneNormal  Lane = "normal"
	LaneLarge   Lane = "large"
)

// AllLanes enumerates the fixed lane set in a stable order.
var AllLanes = []Lane{LanePremium, LaneNormal, LaneLarge}

// TenantPlan is the subscription tier a job's tenant is on.
type TenantPlan string

const (
	PlanFree       TenantPlan = "free"
	PlanBasic      TenantPlan = "basic"
	PlanPro        TenantPlan = "pro"
	PlanEnterprise TenantPlan = "enterprise"
	PlanUnlimited  TenantPlan = "unlimited"
)

// JobState is the lifecycle state of a Job.
type JobState string

const (
	JobQueued     JobState = "queued"
	JobRunning    JobState = "running"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobLostWorker JobState = "lost_worker"
	JobCancelled  JobState = "cancelled"
)

// Terminal reports whether a state is a terminal state a job never leaves.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Job is a single unit of document-processing work.
type Job struct {
	JobID         string
	TenantID      string
	SubmittedAt   time.Time
	FileRef       string
	FileSizeBytes int64
	TenantPlan    TenantPlan
	Attempts      int
	MaxAttempts   int
	PriorityKey   int
	Lane          Lane
	State         JobState
	WorkerID      string
	StartedAt     time.Time
	FinishedAt    time.Time
	LastHeartbeat time.Time
	LastError     string
	ResultRef     string
}

// DefaultMaxAttempts is applied to jobs that do not specify one.
const DefaultMaxAttempts = 3

// PriorityKeyForPlan returns the intra-lane ordering key for a tenant plan,
// per the lane-selection table: lower sorts earlier.
func PriorityKeyForPlan(plan TenantPlan, lane Lane) int {
	if lane == LaneLarge {
		return 4
	}
	switch plan {
	case PlanUnlimited:
		return 1
	case PlanEnterprise:
		return 2
	case PlanPro:
		return 3
	case PlanBasic:
		return 4
	default:
		return 5
	}
}

// WorkerStatus is the lifecycle state of a Worker.
type WorkerStatus string

const (
	WorkerIdle        WorkerStatus = "idle"
	WorkerProcessing  WorkerStatus = "processing"
	WorkerStalled     WorkerStatus = "stalled"
	WorkerError       WorkerStatus = "error"
	WorkerTerminating WorkerStatus = "terminating"
)

// Worker is a long-lived executor bound to one lane.
type Worker struct {
	WorkerID        string
	Lane            Lane
	Concurrency     int
	Status          WorkerStatus
	CreatedAt       time.Time
	LastHeartbeat   time.Time
	CurrentJobs     map[string]struct{}
	JobsCompleted   int64
	JobsFailed      int64
	AvgProcessingMs float64
	MemUsedBytes    int64
	ConsecutiveErrs int
	LastError       string
}

// ConcurrencyForLane returns the fixed per-worker concurrency for a lane.
func ConcurrencyForLane(lane Lane) int {
	if lane == LanePremium {
		return 2
	}
	return 1
}

// ResourceLedger is the singleton admission bookkeeping record.
type ResourceLedger struct {
	ActiveJobs          int
	MemEstimateBytes    int64
	LargeInFlight       int
	Paused              bool
	MaxConcurrent       int
	MemCeilingBytes     int64
	LargeThresholdBytes int64
	MaxLargeConcurrent  int
}

// TenantQuotaView is the read side of the Tenant Quota contract.
type TenantQuotaView struct {
	Remaining int
	Unlimited bool
}

// QueueStats is a point-in-time snapshot of one lane, as reported by
// PQM.Stats; it is also the row shape of the Job Store's queue_stats table.
type QueueStats struct {
	Lane            Lane
	Timestamp       time.Time
	Waiting         int
	Running         int
	CompletedRecent int
	FailedRecent    int
}
