// Package worker implements the Worker (C6): a long-lived executor bound
// to one lane that pulls jobs through the Priority Queue Manager, gates
// admission through the Resource Admission Gate, invokes the pluggable
// Process function, and reports outcomes back to the Job Store and
// Event Sink.
package worker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/cuemby/jobfabric/pkg/admission"
	"github.com/cuemby/jobfabric/pkg/clock"
	"github.com/cuemby/jobfabric/pkg/events"
	"github.com/cuemby/jobfabric/pkg/log"
	"github.com/cuemby/jobfabric/pkg/metrics"
	"github.com/cuemby/jobfabric/pkg/quota"
	"github.com/cuemby/jobfabric/pkg/queue"
	"github.com/cuemby/jobfabric/pkg/store"
	"github.com/cuemby/jobfabric/pkg/types"
	"github.com/rs/zerolog"
)

// Result is the opaque outcome of a successful Process call.
type Result struct {
	ResultRef string
}

// ProcessFunc is the pluggable document-processing step. ctx carries
// cancellation; error is classified by Classify (spec §7).
type ProcessFunc func(ctx context.Context, job *types.Job) (Result, error)

// ErrorKind is the classification a ProcessFunc error reduces to.
type ErrorKind string

const (
	KindTransient   ErrorKind = "transient"
	KindFatal       ErrorKind = "fatal"
	KindWorkerLocal ErrorKind = "worker_local"
)

// ClassifiedError lets a ProcessFunc tell the worker how to handle a
// failure without the worker needing to inspect error internals.
type ClassifiedError struct {
	Kind ErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify extracts the ErrorKind from a Process error, defaulting to
// Transient for plain errors (the conservative choice: retry rather than
// silently drop a job).
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if ce, ok := err.(*ClassifiedError); ok {
		return ce.Kind
	}
	return KindTransient
}

// Config configures a single worker instance.
type Config struct {
	Lane              types.Lane
	Concurrency       int
	PollIntervalMin   time.Duration
	PollIntervalMax   time.Duration
	StallHeartbeatSec time.Duration // default stall_threshold/3
	GraceShutdown     time.Duration
}

// Worker pulls jobs for one lane and drives them through Process.
type Worker struct {
	id    string
	cfg   Config
	queue *queue.Manager
	gate  *admission.Gate
	store store.Store
	quota quota.Quota
	sink  events.Sink
	clock clock.Clock
	proc  ProcessFunc

	mu          sync.Mutex
	status      types.WorkerStatus
	currentJobs map[string]context.CancelFunc
	jobsDone    int64
	jobsFailed  int64
	consecutive int
	lastError   string
	createdAt   time.Time

	terminating chan struct{}
	wg          sync.WaitGroup
}

// New constructs a Worker. workerID is assigned by the caller (the
// Cluster Controller's Worker Registry owns identity).
func New(workerID string, cfg Config, q *queue.Manager, gate *admission.Gate, st store.Store, qt quota.Quota, sink events.Sink, clk clock.Clock, proc ProcessFunc) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = types.ConcurrencyForLane(cfg.Lane)
	}
	if cfg.PollIntervalMin == 0 {
		cfg.PollIntervalMin = 250 * time.Millisecond
	}
	if cfg.PollIntervalMax == 0 {
		cfg.PollIntervalMax = time.Second
	}
	if cfg.StallHeartbeatSec == 0 {
		cfg.StallHeartbeatSec = 20 * time.Second // H/3 with default H=60s
	}
	if cfg.GraceShutdown == 0 {
		cfg.GraceShutdown = 30 * time.Second
	}
	return &Worker{
		id:          workerID,
		cfg:         cfg,
		queue:       q,
		gate:        gate,
		store:       st,
		quota:       qt,
		sink:        sink,
		clock:       clk,
		proc:        proc,
		status:      types.WorkerIdle,
		currentJobs: make(map[string]context.CancelFunc),
		createdAt:   clk.Now(),
		terminating: make(chan struct{}),
	}
}

// ID returns the worker's identity.
func (w *Worker) ID() string { return w.id }

// Start launches cfg.Concurrency independent slot loops, each of which
// polls, acquires, and processes one job at a time.
func (w *Worker) Start(ctx context.Context) {
	logger := log.WithWorkerID(w.id)
	logger.Info().Str("lane", string(w.cfg.Lane)).Int("concurrency", w.cfg.Concurrency).Msg("worker starting")

	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.runSlot(ctx)
	}
	w.emitHeartbeat()
}

// Stop signals all slots to finish their current job (if any) and exit;
// it does not cancel in-flight jobs itself (Wait does, past its deadline).
func (w *Worker) Stop() {
	w.mu.Lock()
	w.status = types.WorkerTerminating
	w.mu.Unlock()
	close(w.terminating)
}

// Wait blocks until every slot has exited or deadline elapses, whichever
// comes first; jobs still in flight past the deadline are force-
// cancelled and requeued with an incremented attempt count by the
// in-flight ProcessFunc reacting to ctx.Done.
func (w *Worker) Wait(deadline time.Duration) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-w.clock.After(deadline):
		w.mu.Lock()
		for _, cancel := range w.currentJobs {
			cancel()
		}
		w.mu.Unlock()
		<-done
	}
}

func (w *Worker) runSlot(ctx context.Context) {
	defer w.wg.Done()
	logger := log.WithWorkerID(w.id)

	for {
		select {
		case <-w.terminating:
			return
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Claim(w.cfg.Lane, w.id)
		if err != nil {
			logger.Error().Err(err).Msg("claim failed")
			w.sleepPoll()
			continue
		}
		if job == nil {
			w.sleepPoll()
			continue
		}

		ticket, err := w.gate.Acquire(job)
		if err != nil {
			if rerr := w.queue.Requeue(job, "backpressure"); rerr != nil {
				logger.Error().Err(rerr).Str("job_id", job.JobID).Msg("requeue after backpressure failed")
			}
			metrics.JobsRequeuedTotal.WithLabelValues("backpressure").Inc()
			w.sleepPoll()
			continue
		}

		w.process(ctx, job, ticket)
	}
}

func (w *Worker) process(ctx context.Context, job *types.Job, ticket *admission.Ticket) {
	logger := log.WithWorkerID(w.id)
	jobCtx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.status = types.WorkerProcessing
	w.currentJobs[job.JobID] = cancel
	w.mu.Unlock()
	w.emitHeartbeat()

	job.State = types.JobRunning
	job.StartedAt = w.clock.Now()

	stopHeartbeat := make(chan struct{})
	heartbeatDone := make(chan struct{})
	go w.heartbeatWhileProcessing(job, stopHeartbeat, heartbeatDone)

	timer := metrics.NewTimer()
	result, err := w.proc(jobCtx, job)
	timer.ObserveDurationVec(metrics.JobProcessingDuration, string(job.Lane))

	close(stopHeartbeat)
	<-heartbeatDone

	cancel()
	w.mu.Lock()
	delete(w.currentJobs, job.JobID)
	w.mu.Unlock()

	w.gate.Release(ticket)

	if err == nil {
		w.onSuccess(job, result)
		return
	}
	w.onFailure(jobCtx, job, err, logger)
}

// heartbeatWhileProcessing keeps both the worker's own registry record and
// the held job's last_heartbeat fresh for the duration of a Process call,
// at cfg.StallHeartbeatSec (H/3). Without this, any Process call that
// legitimately runs longer than stall_threshold would look stalled to the
// Health Monitor, and the held job would look abandoned to recovery even
// though this worker is still actively working it.
func (w *Worker) heartbeatWhileProcessing(job *types.Job, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	logger := log.WithWorkerID(w.id)

	ticker := w.clock.NewTicker(w.cfg.StallHeartbeatSec)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
			w.emitHeartbeat()
			now := w.clock.Now()
			job.LastHeartbeat = now
			if err := w.store.TouchHeartbeat(job.JobID, now); err != nil {
				logger.Debug().Err(err).Str("job_id", job.JobID).Msg("job heartbeat persist failed")
			}
		case <-stop:
			return
		}
	}
}

func (w *Worker) onSuccess(job *types.Job, result Result) {
	job.State = types.JobCompleted
	job.FinishedAt = w.clock.Now()
	job.ResultRef = result.ResultRef

	if err := w.store.UpdateJob(job); err != nil {
		log.WithWorkerID(w.id).Error().Err(err).Str("job_id", job.JobID).Msg("persist completion failed")
	}

	if job.TenantPlan != types.PlanUnlimited && w.quota != nil {
		if _, derr := w.quota.Deduct(job.TenantID, 1); derr != nil {
			log.WithWorkerID(w.id).Warn().Err(derr).Str("job_id", job.JobID).Msg("quota deduct failed")
		}
	}

	w.mu.Lock()
	w.status = types.WorkerIdle
	w.jobsDone++
	w.consecutive = 0
	w.mu.Unlock()

	w.queue.MarkCompleted(job)
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Lane)).Inc()
	w.emitHeartbeat()
}

func (w *Worker) onFailure(ctx context.Context, job *types.Job, procErr error, logger zerolog.Logger) {
	w.mu.Lock()
	w.lastError = procErr.Error()
	w.mu.Unlock()

	kind := Classify(procErr)

	switch kind {
	case KindFatal:
		job.State = types.JobFailed
		job.LastError = procErr.Error()
		job.FinishedAt = w.clock.Now()
		if err := w.store.UpdateJob(job); err != nil {
			logger.Error().Err(err).Str("job_id", job.JobID).Msg("persist fatal failure failed")
		}
		metrics.JobsFailedTotal.WithLabelValues(string(job.Lane)).Inc()
		if w.sink != nil {
			w.sink.Emit(&events.Event{Type: events.EventJobFailed, Message: fmt.Sprintf("job %s failed: %s", job.JobID, procErr)})
		}
		w.markOutcome(false)
	case KindWorkerLocal:
		job.State = types.JobLostWorker
		job.LastError = procErr.Error()
		if err := w.store.UpdateJob(job); err != nil {
			logger.Error().Err(err).Str("job_id", job.JobID).Msg("persist lost-worker failed")
		}
		if w.sink != nil {
			w.sink.Emit(&events.Event{Type: events.EventJobLostWorker, Message: fmt.Sprintf("job %s lost worker %s", job.JobID, w.id)})
		}
		w.markError(procErr.Error())
	default: // Transient
		reason := "timeout"
		if ctx.Err() != nil {
			reason = "cancelled"
		}
		if err := w.queue.Requeue(job, reason); err != nil {
			logger.Error().Err(err).Str("job_id", job.JobID).Msg("requeue after transient failure failed")
		}
		metrics.JobsRequeuedTotal.WithLabelValues(reason).Inc()
		w.markOutcome(false)
	}
}

func (w *Worker) markOutcome(success bool) {
	w.mu.Lock()
	w.status = types.WorkerIdle
	if !success {
		w.jobsFailed++
	}
	w.mu.Unlock()
	w.emitHeartbeat()
}

func (w *Worker) markError(msg string) {
	w.mu.Lock()
	w.status = types.WorkerError
	w.consecutive++
	w.lastError = msg
	w.mu.Unlock()
	w.emitHeartbeat()
}

func (w *Worker) sleepPoll() {
	spread := w.cfg.PollIntervalMax - w.cfg.PollIntervalMin
	jitter := time.Duration(0)
	if spread > 0 {
		jitter = time.Duration(rand.Int63n(int64(spread)))
	}
	w.clock.Sleep(w.cfg.PollIntervalMin + jitter)
}

func (w *Worker) emitHeartbeat() {
	snap := w.Snapshot()
	if err := w.store.AppendWorkerMetric(&snap); err != nil {
		log.WithWorkerID(w.id).Debug().Err(err).Msg("heartbeat persist failed")
	}
}

// Snapshot returns a point-in-time view of the worker's registry record.
func (w *Worker) Snapshot() types.Worker {
	w.mu.Lock()
	defer w.mu.Unlock()

	jobs := make(map[string]struct{}, len(w.currentJobs))
	for jobID := range w.currentJobs {
		jobs[jobID] = struct{}{}
	}

	return types.Worker{
		WorkerID:        w.id,
		Lane:            w.cfg.Lane,
		Concurrency:     w.cfg.Concurrency,
		Status:          w.status,
		CreatedAt:       w.createdAt,
		LastHeartbeat:   w.clock.Now(),
		CurrentJobs:     jobs,
		JobsCompleted:   w.jobsDone,
		JobsFailed:      w.jobsFailed,
		ConsecutiveErrs: w.consecutive,
		LastError:       w.lastError,
	}
}

// IsIdle reports whether the worker currently holds no jobs, the
// condition the autoscaler requires before removing it.
func (w *Worker) IsIdle() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.currentJobs) == 0
}
