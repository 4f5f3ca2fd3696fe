// Package health implements the Health Monitor (C7): a periodic cycle
// that detects stalled, erroring, or memory-runaway workers and triggers
// their replacement, and recovers jobs left behind by a worker that
// disappeared mid-processing.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/jobfabric/pkg/clock"
	"github.com/cuemby/jobfabric/pkg/events"
	"github.com/cuemby/jobfabric/pkg/log"
	"github.com/cuemby/jobfabric/pkg/metrics"
	"github.com/cuemby/jobfabric/pkg/queue"
	"github.com/cuemby/jobfabric/pkg/store"
	"github.com/cuemby/jobfabric/pkg/types"
)

// Config bounds the Health Monitor's detection thresholds.
type Config struct {
	CheckInterval     time.Duration // default 30s
	StallThreshold    time.Duration // no heartbeat within this window -> stalled
	ErrorThreshold    int           // consecutive errors before replacement
	MemRunawayBytes   int64         // reported usage above this -> replacement
	RecoveryThreshold time.Duration // job heartbeat older than this -> recoverable
}

// DefaultConfig returns the spec's default thresholds (H=60s).
func DefaultConfig() Config {
	const h = 60 * time.Second
	return Config{
		CheckInterval:     30 * time.Second,
		StallThreshold:    h,
		ErrorThreshold:    3,
		MemRunawayBytes:   900 * 1024 * 1024,
		RecoveryThreshold: 90 * time.Second,
	}
}

// Replacer is the Cluster Controller's Worker Registry contract: the
// Health Monitor only ever asks it to replace a worker, never mutates
// the registry directly.
type Replacer interface {
	ReplaceWorker(ctx context.Context, workerID string, lane types.Lane, reason string) error
}

// Monitor is the Health Monitor control loop.
type Monitor struct {
	cfg      Config
	store    store.Store
	queue    *queue.Manager
	replacer Replacer
	sink     events.Sink
	clock    clock.Clock

	stopCh chan struct{}
}

// NewMonitor constructs a Health Monitor bound to the Job Store for
// worker/job state, the PQM for recovery re-insertion, and a Replacer for
// acting on unhealthy workers.
func NewMonitor(cfg Config, st store.Store, q *queue.Manager, replacer Replacer, sink events.Sink, clk clock.Clock) *Monitor {
	if cfg.CheckInterval == 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		cfg:      cfg,
		store:    st,
		queue:    q,
		replacer: replacer,
		sink:     sink,
		clock:    clk,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the health monitor's periodic cycle.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

// Stop halts the health monitor.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run(ctx context.Context) {
	logger := log.WithComponent("health")
	ticker := m.clock.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	logger.Info().Dur("interval", m.cfg.CheckInterval).Msg("health monitor started")

	for {
		select {
		case <-ticker.C():
			if err := m.cycle(ctx); err != nil {
				logger.Error().Err(err).Msg("health cycle failed")
			}
		case <-m.stopCh:
			logger.Info().Msg("health monitor stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// cycle runs one detection-and-recovery pass. It never returns an error
// for a single worker's failure to replace — those are logged and the
// cycle continues, matching the log-but-continue discipline every other
// control loop in this fabric follows.
func (m *Monitor) cycle(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.HealthCycleDuration)

	logger := log.WithComponent("health")

	workers, err := m.store.ListWorkers()
	if err != nil {
		return fmt.Errorf("health: list workers: %w", err)
	}

	now := m.clock.Now()
	for _, w := range workers {
		reason := m.detect(w, now)
		if reason == "" {
			continue
		}
		logger.Warn().Str("worker_id", w.WorkerID).Str("reason", reason).Msg("worker unhealthy, replacing")
		if m.sink != nil {
			m.sink.Emit(&events.Event{
				Type:     events.EventWorkerReplaced,
				Message:  fmt.Sprintf("worker %s replaced: %s", w.WorkerID, reason),
				Metadata: map[string]string{"worker_id": w.WorkerID, "reason": reason},
			})
		}
		if m.replacer != nil {
			if err := m.replacer.ReplaceWorker(ctx, w.WorkerID, w.Lane, reason); err != nil {
				logger.Error().Err(err).Str("worker_id", w.WorkerID).Msg("worker replacement failed")
				continue
			}
		}
		metrics.WorkersReplacedTotal.WithLabelValues(reason).Inc()
	}

	return m.recoverLostJobs(now)
}

// detect classifies a worker as unhealthy, or returns "" if it's fine.
func (m *Monitor) detect(w *types.Worker, now time.Time) string {
	if w.Status == types.WorkerTerminating {
		return ""
	}
	if now.Sub(w.LastHeartbeat) > m.cfg.StallThreshold {
		return "stalled"
	}
	if w.ConsecutiveErrs >= m.cfg.ErrorThreshold {
		return "error_threshold"
	}
	if m.cfg.MemRunawayBytes > 0 && w.MemUsedBytes > m.cfg.MemRunawayBytes {
		return "memory_runaway"
	}
	return ""
}

// recoverLostJobs requeues jobs whose owning worker has gone silent past
// recovery_threshold, with a fresh submitted_at, so each is ordered as a
// new arrival within its priority tier (the Open Question resolution
// recorded in DESIGN.md).
func (m *Monitor) recoverLostJobs(now time.Time) error {
	logger := log.WithComponent("health")
	threshold := now.Add(-m.cfg.RecoveryThreshold)

	jobs, err := m.store.ListRecoverable(threshold)
	if err != nil {
		return fmt.Errorf("health: list recoverable: %w", err)
	}

	for _, job := range jobs {
		if err := m.queue.RecoverAtHead(job); err != nil {
			logger.Error().Err(err).Str("job_id", job.JobID).Msg("job recovery failed")
			continue
		}
		metrics.RecoveredJobsTotal.Inc()
		logger.Info().Str("job_id", job.JobID).Str("lane", string(job.Lane)).Msg("recovered lost job")
		if m.sink != nil {
			m.sink.Emit(&events.Event{
				Type:     events.EventJobLostWorker,
				Message:  fmt.Sprintf("job %s recovered and requeued", job.JobID),
				Metadata: map[string]string{"job_id": job.JobID},
			})
		}
	}
	return nil
}
