// Package cluster implements the Cluster Controller (C10): the public
// entrypoint that owns the lifecycle of the queue, admission gate,
// worker pool, health monitor, and autoscaler, and exposes Submit,
// Status, Scale, UpdateConfig, and Shutdown.
package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/jobfabric/pkg/admission"
	"github.com/cuemby/jobfabric/pkg/autoscaler"
	"github.com/cuemby/jobfabric/pkg/clock"
	"github.com/cuemby/jobfabric/pkg/events"
	"github.com/cuemby/jobfabric/pkg/health"
	"github.com/cuemby/jobfabric/pkg/log"
	"github.com/cuemby/jobfabric/pkg/metrics"
	"github.com/cuemby/jobfabric/pkg/quota"
	"github.com/cuemby/jobfabric/pkg/queue"
	"github.com/cuemby/jobfabric/pkg/store"
	"github.com/cuemby/jobfabric/pkg/types"
	"github.com/cuemby/jobfabric/pkg/worker"
	"github.com/google/uuid"
)

// Config is the Cluster Controller's full configuration surface, named
// directly after the options enumerated in spec §4.8.
type Config struct {
	MinWorkers         int           `json:"min_workers" yaml:"minWorkers"`
	MaxWorkers         int           `json:"max_workers" yaml:"maxWorkers"`
	ScaleUpThreshold   int           `json:"scale_up_threshold" yaml:"scaleUpThreshold"`
	ScaleDownThreshold int           `json:"scale_down_threshold" yaml:"scaleDownThreshold"`
	ScaleDebounce      time.Duration `json:"scale_debounce" yaml:"scaleDebounce"`
	ScaleCheckInterval time.Duration `json:"scale_check_interval" yaml:"scaleCheckInterval"`

	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"healthCheckInterval"`
	StallThreshold      time.Duration `json:"stall_threshold" yaml:"stallThreshold"`

	MaxConcurrent       int     `json:"max_concurrent" yaml:"maxConcurrent"`
	MemCeilingBytes     int64   `json:"mem_ceiling_bytes" yaml:"memCeilingBytes"`
	MemPausePct         float64 `json:"mem_pause_pct" yaml:"memPausePct"`
	MemResumePct        float64 `json:"mem_resume_pct" yaml:"memResumePct"`
	LargeThresholdBytes int64   `json:"large_threshold_bytes" yaml:"largeThresholdBytes"`
	MaxLargeConcurrent  int     `json:"max_large_concurrent" yaml:"maxLargeConcurrent"`

	MaxAttempts       int           `json:"max_attempts" yaml:"maxAttempts"`
	GraceShutdown     time.Duration `json:"grace_shutdown" yaml:"graceShutdown"`
	RecoveryThreshold time.Duration `json:"recovery_threshold" yaml:"recoveryThreshold"`
	MinNormalWorkers  int           `json:"min_normal_workers" yaml:"minNormalWorkers"`

	// DegradedModeFailureThreshold is the number of consecutive Store
	// failures that flip the cluster into degraded mode (System error
	// policy, spec §7).
	DegradedModeFailureThreshold int `json:"degraded_mode_failure_threshold" yaml:"degradedModeFailureThreshold"`
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:                   5,
		MaxWorkers:                   15,
		ScaleUpThreshold:             10,
		ScaleDownThreshold:           3,
		ScaleDebounce:                10 * time.Second,
		ScaleCheckInterval:           15 * time.Second,
		HealthCheckInterval:          30 * time.Second,
		StallThreshold:               60 * time.Second,
		MaxConcurrent:                10,
		MemCeilingBytes:              2 * 1024 * 1024 * 1024,
		MemPausePct:                  0.85,
		MemResumePct:                 0.70,
		LargeThresholdBytes:          50 * 1024 * 1024,
		MaxLargeConcurrent:           1,
		MaxAttempts:                  3,
		GraceShutdown:                30 * time.Second,
		RecoveryThreshold:            90 * time.Second,
		MinNormalWorkers:             1,
		DegradedModeFailureThreshold: 5,
	}
}

// Controller is the Cluster Controller.
type Controller struct {
	cfg   Config
	store store.Store
	queue *queue.Manager
	gate  *admission.Gate
	quota quota.Quota
	sink  events.Sink
	clock clock.Clock
	proc  worker.ProcessFunc

	health     *health.Monitor
	autoscaler *autoscaler.Autoscaler

	mu             sync.Mutex
	workers        map[string]*worker.Worker
	degraded       bool
	consecutiveErr int
	accepting      bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Controller wired to the given Store, Quota
// collaborator, Event Sink, Clock, and document-processing function.
func New(cfg Config, st store.Store, qt quota.Quota, sink events.Sink, clk clock.Clock, proc worker.ProcessFunc) *Controller {
	c := &Controller{
		cfg:     cfg,
		store:   st,
		quota:   qt,
		sink:    sink,
		clock:   clk,
		proc:    proc,
		workers: make(map[string]*worker.Worker),
	}

	c.queue = queue.NewManager(queue.Config{LargeThresholdBytes: cfg.LargeThresholdBytes}, st, clk, sink)
	c.gate = admission.NewGate(admission.Config{
		MaxConcurrent:       cfg.MaxConcurrent,
		MemCeilingBytes:     cfg.MemCeilingBytes,
		LargeThresholdBytes: cfg.LargeThresholdBytes,
		MaxLargeConcurrent:  cfg.MaxLargeConcurrent,
		PauseAtPct:          cfg.MemPausePct,
		ResumeAtPct:         cfg.MemResumePct,
	}, nil, sink)

	c.health = health.NewMonitor(health.Config{
		CheckInterval:     cfg.HealthCheckInterval,
		StallThreshold:    cfg.StallThreshold,
		ErrorThreshold:    3,
		RecoveryThreshold: cfg.RecoveryThreshold,
	}, st, c.queue, c, sink, clk)

	c.autoscaler = autoscaler.New(autoscaler.Config{
		MinWorkers:         cfg.MinWorkers,
		MaxWorkers:         cfg.MaxWorkers,
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		Debounce:           cfg.ScaleDebounce,
		CheckInterval:      cfg.ScaleCheckInterval,
		MinNormalWorkers:   cfg.MinNormalWorkers,
	}, c.queue, c, sink, clk)

	return c
}

// Start rehydrates the queue from durable state, brings the worker pool
// up to min_workers, and starts the health monitor and autoscaler loops.
func (c *Controller) Start(ctx context.Context) error {
	logger := log.WithComponent("cluster")

	if err := c.queue.Rehydrate(); err != nil {
		return fmt.Errorf("cluster: rehydrate queue: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Lock()
	c.accepting = true
	c.mu.Unlock()

	initial := distributeInitial(c.cfg.MinWorkers, c.cfg.MinNormalWorkers)
	for _, lane := range types.AllLanes {
		for i := 0; i < initial[lane]; i++ {
			if _, err := c.spawnWorker(lane); err != nil {
				return fmt.Errorf("cluster: spawn initial worker: %w", err)
			}
		}
	}

	c.health.Start(c.ctx)
	c.autoscaler.Start(c.ctx)

	logger.Info().Int("workers", c.cfg.MinWorkers).Msg("cluster controller started")
	return nil
}

// Submit validates tenant quota, inserts the job through the PQM, and
// emits JobSubmitted. Rejects while the cluster is degraded or draining.
func (c *Controller) Submit(tenantID, fileRef string, fileSizeBytes int64, plan types.TenantPlan) (*types.Job, error) {
	c.mu.Lock()
	if !c.accepting {
		c.mu.Unlock()
		return nil, fmt.Errorf("cluster: not accepting submissions")
	}
	if c.degraded {
		c.mu.Unlock()
		return nil, fmt.Errorf("cluster: degraded mode, admission paused")
	}
	c.mu.Unlock()

	if plan != types.PlanUnlimited && c.quota != nil {
		view, err := c.quota.Check(tenantID)
		if err != nil {
			c.noteStoreResult(err)
			return nil, fmt.Errorf("cluster: quota check: %w", err)
		}
		if !view.Unlimited && view.Remaining <= 0 {
			return nil, quota.ErrInsufficientPages
		}
	}

	job, err := c.queue.Submit(tenantID, fileRef, fileSizeBytes, plan, c.cfg.MaxAttempts)
	c.noteStoreResult(err)
	if err != nil {
		return nil, fmt.Errorf("cluster: submit: %w", err)
	}

	metrics.JobsSubmittedTotal.WithLabelValues(string(job.Lane)).Inc()
	return job, nil
}

// Status reads a job's current view from the Store.
func (c *Controller) Status(jobID string) (*types.Job, error) {
	job, err := c.store.GetJob(jobID)
	c.noteStoreResult(err)
	return job, err
}

// Scale applies a manual worker-count override, bounded by [min,max].
func (c *Controller) Scale(ctx context.Context, target int) error {
	return c.autoscaler.ManualScale(ctx, target)
}

// UpdateConfig atomically replaces scaling and admission bounds,
// rejecting min_workers > max_workers.
func (c *Controller) UpdateConfig(cfg Config) error {
	if cfg.MinWorkers > cfg.MaxWorkers {
		return fmt.Errorf("cluster: min_workers (%d) > max_workers (%d)", cfg.MinWorkers, cfg.MaxWorkers)
	}

	if err := c.autoscaler.UpdateConfig(autoscaler.Config{
		MinWorkers:         cfg.MinWorkers,
		MaxWorkers:         cfg.MaxWorkers,
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		Debounce:           cfg.ScaleDebounce,
		CheckInterval:      cfg.ScaleCheckInterval,
		MinNormalWorkers:   cfg.MinNormalWorkers,
	}); err != nil {
		return err
	}

	if err := c.gate.UpdateBounds(admission.Config{
		MaxConcurrent:       cfg.MaxConcurrent,
		MemCeilingBytes:     cfg.MemCeilingBytes,
		LargeThresholdBytes: cfg.LargeThresholdBytes,
		MaxLargeConcurrent:  cfg.MaxLargeConcurrent,
		PauseAtPct:          cfg.MemPausePct,
		ResumeAtPct:         cfg.MemResumePct,
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
	return nil
}

// Shutdown stops accepting Submit, signals every worker to terminate,
// waits up to deadline for drainage, force-terminates survivors, and
// reports the residual in-flight count.
func (c *Controller) Shutdown(deadline time.Duration) int {
	logger := log.WithComponent("cluster")

	c.mu.Lock()
	c.accepting = false
	workers := make([]*worker.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		workers = append(workers, w)
	}
	c.mu.Unlock()

	c.health.Stop()
	c.autoscaler.Stop()
	if c.cancel != nil {
		c.cancel()
	}

	if c.sink != nil {
		c.sink.Emit(&events.Event{Type: events.EventShutdown, Message: "cluster shutdown initiated"})
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Stop()
			w.Wait(deadline)
		}(w)
	}
	wg.Wait()

	inFlight := 0
	for _, w := range workers {
		if !w.IsIdle() {
			inFlight++
		}
	}

	logger.Info().Int("residual_in_flight", inFlight).Msg("cluster shutdown complete")
	return inFlight
}

// ReplaceWorker implements health.Replacer: it tears down the named
// worker and spawns a fresh one in the same lane.
func (c *Controller) ReplaceWorker(ctx context.Context, workerID string, lane types.Lane, reason string) error {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	c.mu.Unlock()
	if ok {
		w.Stop()
		w.Wait(c.cfg.GraceShutdown)
		c.mu.Lock()
		delete(c.workers, workerID)
		c.mu.Unlock()
		_ = c.store.DeleteWorker(workerID)
		metrics.WorkersTotal.WithLabelValues(string(lane), string(types.WorkerIdle)).Dec()
	}

	_, err := c.spawnWorker(lane)
	return err
}

// WorkerCounts implements autoscaler.Scaler.
func (c *Controller) WorkerCounts() map[types.Lane]autoscaler.LaneCounts {
	c.mu.Lock()
	defer c.mu.Unlock()

	counts := make(map[types.Lane]autoscaler.LaneCounts, len(types.AllLanes))
	for _, lane := range types.AllLanes {
		counts[lane] = autoscaler.LaneCounts{}
	}
	for _, w := range c.workers {
		snap := w.Snapshot()
		lc := counts[snap.Lane]
		lc.Total++
		if snap.Status == types.WorkerIdle {
			lc.Idle++
		}
		counts[snap.Lane] = lc
	}
	return counts
}

// ScaleTo implements autoscaler.Scaler: it creates or removes workers
// per lane to reach targets, never removing a worker that is not idle.
func (c *Controller) ScaleTo(ctx context.Context, targets map[types.Lane]int) error {
	for lane, target := range targets {
		current := c.laneWorkers(lane)
		if len(current) < target {
			for i := len(current); i < target; i++ {
				if _, err := c.spawnWorker(lane); err != nil {
					return err
				}
			}
			continue
		}
		toRemove := len(current) - target
		for _, w := range current {
			if toRemove <= 0 {
				break
			}
			if !w.IsIdle() {
				continue
			}
			w.Stop()
			w.Wait(c.cfg.GraceShutdown)
			c.mu.Lock()
			delete(c.workers, w.ID())
			c.mu.Unlock()
			_ = c.store.DeleteWorker(w.ID())
			metrics.WorkersTotal.WithLabelValues(string(lane), string(types.WorkerIdle)).Dec()
			toRemove--
		}
	}
	return nil
}

func (c *Controller) laneWorkers(lane types.Lane) []*worker.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*worker.Worker
	for _, w := range c.workers {
		if w.Snapshot().Lane == lane {
			out = append(out, w)
		}
	}
	return out
}

func (c *Controller) spawnWorker(lane types.Lane) (*worker.Worker, error) {
	id := fmt.Sprintf("w-%s-%s", lane, uuid.NewString()[:8])
	w := worker.New(id, worker.Config{
		Lane:              lane,
		GraceShutdown:     c.cfg.GraceShutdown,
		StallHeartbeatSec: c.cfg.StallThreshold / 3,
	}, c.queue, c.gate, c.store, c.quota, c.sink, c.clock, c.proc)

	c.mu.Lock()
	c.workers[id] = w
	c.mu.Unlock()

	ctx := c.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	w.Start(ctx)

	if c.sink != nil {
		c.sink.Emit(&events.Event{Type: events.EventWorkerCreated, Message: fmt.Sprintf("worker %s started in lane %s", id, lane)})
	}
	metrics.WorkersTotal.WithLabelValues(string(lane), string(types.WorkerIdle)).Inc()
	return w, nil
}

// noteStoreResult tracks consecutive Store/PQM failures and flips
// degraded mode past the configured bound, per the System error policy
// in spec §7: pause admission, keep existing workers draining, recover
// automatically once the Store responds again.
func (c *Controller) noteStoreResult(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		if c.consecutiveErr > 0 {
			c.consecutiveErr = 0
		}
		if c.degraded {
			c.degraded = false
			if c.sink != nil {
				c.sink.Emit(&events.Event{Type: events.EventClusterRecovered, Message: "cluster recovered from degraded mode"})
			}
		}
		return
	}

	c.consecutiveErr++
	if !c.degraded && c.consecutiveErr >= c.cfg.DegradedModeFailureThreshold {
		c.degraded = true
		if c.sink != nil {
			c.sink.Emit(&events.Event{Type: events.EventClusterDegraded, Message: "cluster entered degraded mode: repeated store failures"})
		}
	}
}

// IsDegraded reports the cluster's current degraded-mode flag.
func (c *Controller) IsDegraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

// ClusterView is a point-in-time snapshot for the control surface's
// GET /cluster endpoint.
type ClusterView struct {
	WorkersPerLane map[types.Lane]int
	WaitingPerLane map[types.Lane]int
	Paused         bool
	MemPct         float64
}

// View reports worker counts, queue backlog, and admission pressure
// across every lane.
func (c *Controller) View() (ClusterView, error) {
	counts := c.WorkerCounts()
	workersPerLane := make(map[types.Lane]int, len(counts))
	for lane, lc := range counts {
		workersPerLane[lane] = lc.Total
	}

	waitingPerLane := make(map[types.Lane]int, len(types.AllLanes))
	for _, lane := range types.AllLanes {
		stats, err := c.queue.Stats(lane)
		if err != nil {
			return ClusterView{}, fmt.Errorf("cluster: stats for lane %s: %w", lane, err)
		}
		waitingPerLane[lane] = stats.Waiting
	}

	ledger := c.gate.Snapshot()
	var memPct float64
	if ledger.MemCeilingBytes > 0 {
		memPct = float64(ledger.MemEstimateBytes) / float64(ledger.MemCeilingBytes)
	}

	return ClusterView{
		WorkersPerLane: workersPerLane,
		WaitingPerLane: waitingPerLane,
		Paused:         ledger.Paused,
		MemPct:         memPct,
	}, nil
}

// distributeInitial splits n initial workers across the three lanes: the
// Normal floor first, then one Large worker, then half of the rest
// (rounded up) to Premium and the remainder to Normal.
func distributeInitial(n, minNormal int) map[types.Lane]int {
	out := map[types.Lane]int{types.LanePremium: 0, types.LaneNormal: 0, types.LaneLarge: 0}
	if n <= 0 {
		return out
	}

	out[types.LaneNormal] = minNormal
	remaining := n - minNormal
	if remaining <= 0 {
		out[types.LaneNormal] = n
		return out
	}

	out[types.LaneLarge] = 1
	remaining--
	if remaining <= 0 {
		return out
	}

	half := (remaining + 1) / 2
	out[types.LanePremium] += half
	remaining -= half
	out[types.LaneNormal] += remaining
	return out
}
