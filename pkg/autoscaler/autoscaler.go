// Package autoscaler implements the Autoscaler (C9): a debounced,
// fixed-interval reconciliation of per-lane worker counts against
// backlog, bounded by configured min/max, with a Premium-bias on
// scale-up and a protected Normal-lane floor to bound starvation risk.
package autoscaler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/jobfabric/pkg/balancer"
	"github.com/cuemby/jobfabric/pkg/clock"
	"github.com/cuemby/jobfabric/pkg/events"
	"github.com/cuemby/jobfabric/pkg/log"
	"github.com/cuemby/jobfabric/pkg/metrics"
	"github.com/cuemby/jobfabric/pkg/queue"
	"github.com/cuemby/jobfabric/pkg/types"
)

// Config bounds and tunes the Autoscaler's reconciliation rules, named
// directly after the Cluster Controller's configuration surface.
type Config struct {
	MinWorkers        int
	MaxWorkers        int
	ScaleUpThreshold  int
	ScaleDownThreshold int
	Debounce          time.Duration
	CheckInterval     time.Duration
	MinNormalWorkers  int
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:         5,
		MaxWorkers:         15,
		ScaleUpThreshold:   10,
		ScaleDownThreshold: 3,
		Debounce:           10 * time.Second,
		CheckInterval:      15 * time.Second,
		MinNormalWorkers:   1,
	}
}

// LaneCounts reports a lane's current worker population.
type LaneCounts struct {
	Total int
	Idle  int
}

// Scaler is the Cluster Controller's worker-pool contract: the
// Autoscaler only ever asks it to reach a target per-lane count.
type Scaler interface {
	WorkerCounts() map[types.Lane]LaneCounts
	ScaleTo(ctx context.Context, targets map[types.Lane]int) error
}

// Autoscaler is the periodic reconciliation loop.
type Autoscaler struct {
	cfg    Config
	queue  *queue.Manager
	scaler Scaler
	sink   events.Sink
	clock  clock.Clock

	mu         sync.Mutex
	lastAction time.Time

	stopCh chan struct{}
}

// New constructs an Autoscaler bound to the PQM for backlog stats and a
// Scaler for applying target worker counts.
func New(cfg Config, q *queue.Manager, scaler Scaler, sink events.Sink, clk clock.Clock) *Autoscaler {
	if cfg.CheckInterval == 0 {
		cfg = DefaultConfig()
	}
	return &Autoscaler{
		cfg:    cfg,
		queue:  q,
		scaler: scaler,
		sink:   sink,
		clock:  clk,
		stopCh: make(chan struct{}),
	}
}

// Start begins the autoscaler's periodic cycle.
func (a *Autoscaler) Start(ctx context.Context) {
	go a.run(ctx)
}

// Stop halts the autoscaler.
func (a *Autoscaler) Stop() {
	close(a.stopCh)
}

func (a *Autoscaler) run(ctx context.Context) {
	logger := log.WithComponent("autoscaler")
	ticker := a.clock.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	logger.Info().Dur("interval", a.cfg.CheckInterval).Msg("autoscaler started")

	for {
		select {
		case <-ticker.C():
			if err := a.Cycle(ctx); err != nil {
				logger.Error().Err(err).Msg("autoscale cycle failed")
			}
		case <-a.stopCh:
			logger.Info().Msg("autoscaler stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Cycle runs one reconciliation pass: debounce, gather stats, decide,
// apply. Exported so the Cluster Controller's manual Scale can trigger
// an immediate, out-of-band pass if desired, and so tests can drive it
// without waiting on the ticker.
func (a *Autoscaler) Cycle(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AutoscaleCycleDuration)

	a.mu.Lock()
	since := a.clock.Now().Sub(a.lastAction)
	if a.lastAction.IsZero() {
		since = a.cfg.Debounce
	}
	a.mu.Unlock()
	if since < a.cfg.Debounce {
		return nil
	}

	waiting := make(map[types.Lane]int, len(types.AllLanes))
	totalWaiting := 0
	for _, lane := range types.AllLanes {
		stats, err := a.queue.Stats(lane)
		if err != nil {
			return fmt.Errorf("autoscaler: stats for lane %s: %w", lane, err)
		}
		waiting[lane] = stats.Waiting
		totalWaiting += stats.Waiting
	}

	counts := a.scaler.WorkerCounts()
	currentTotal := 0
	for _, c := range counts {
		currentTotal += c.Total
	}

	lbInput := balancer.Input{}
	for _, lane := range types.AllLanes {
		c := counts[lane]
		lbInput.Lanes = append(lbInput.Lanes, balancer.LaneSnapshot{
			Lane:       lane,
			Waiting:    waiting[lane],
			Idle:       c.Idle,
			Processing: c.Total - c.Idle,
		})
	}
	rec := balancer.Advise(lbInput)
	log.WithComponent("autoscaler").Debug().Str("lb_action", string(rec.Action)).Str("lb_reason", rec.Reason).Msg("load balancer recommendation")

	var targets map[types.Lane]int

	switch {
	case totalWaiting > a.cfg.ScaleUpThreshold:
		newTotal := min(a.cfg.MaxWorkers, currentTotal+ceilDiv(totalWaiting, 5))
		targets = distributeScaleUp(counts, waiting, newTotal, a.cfg.MinNormalWorkers)
		a.emit(events.EventScaleUp, fmt.Sprintf("scaling up to %d workers: %d waiting across lanes", newTotal, totalWaiting))
		metrics.AutoscaleActionsTotal.WithLabelValues("scale_up").Inc()
	case totalWaiting < a.cfg.ScaleDownThreshold:
		newTotal := max(a.cfg.MinWorkers, currentTotal-ceilDiv(max(0, currentTotal-totalWaiting), 3))
		targets = distributeScaleDown(counts, newTotal, a.cfg.MinNormalWorkers)
		a.emit(events.EventScaleDown, fmt.Sprintf("scaling down to %d workers: %d waiting across lanes", newTotal, totalWaiting))
		metrics.AutoscaleActionsTotal.WithLabelValues("scale_down").Inc()
	default:
		return nil
	}

	if err := a.scaler.ScaleTo(ctx, targets); err != nil {
		return fmt.Errorf("autoscaler: scale to targets: %w", err)
	}

	a.mu.Lock()
	a.lastAction = a.clock.Now()
	a.mu.Unlock()
	return nil
}

// ManualScale applies an explicit operator-requested total worker count,
// bounded by [min,max]. Added capacity is spread round-robin across lanes
// as on scale-up; a reduction removes only idle workers, Normal lane
// first, keeping the Normal floor, as on scale-down. It resets the
// debounce clock like any other scaling action.
func (a *Autoscaler) ManualScale(ctx context.Context, target int) error {
	if target < a.cfg.MinWorkers {
		target = a.cfg.MinWorkers
	}
	if target > a.cfg.MaxWorkers {
		target = a.cfg.MaxWorkers
	}

	counts := a.scaler.WorkerCounts()
	currentTotal := 0
	for _, c := range counts {
		currentTotal += c.Total
	}
	var targets map[types.Lane]int
	if target < currentTotal {
		targets = distributeScaleDown(counts, target, a.cfg.MinNormalWorkers)
	} else {
		targets = distributeScaleUp(counts, map[types.Lane]int{}, target, a.cfg.MinNormalWorkers)
	}

	if err := a.scaler.ScaleTo(ctx, targets); err != nil {
		return fmt.Errorf("autoscaler: manual scale: %w", err)
	}

	a.mu.Lock()
	a.lastAction = a.clock.Now()
	a.mu.Unlock()
	a.emit(events.EventScaleUp, fmt.Sprintf("manual scale to %d workers", target))
	return nil
}

// UpdateConfig atomically replaces the autoscaler's bounds and
// thresholds, effective at the next cycle. Rejects min > max, per spec.
func (a *Autoscaler) UpdateConfig(cfg Config) error {
	if cfg.MinWorkers > cfg.MaxWorkers {
		return fmt.Errorf("autoscaler: min_workers (%d) > max_workers (%d)", cfg.MinWorkers, cfg.MaxWorkers)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg = cfg
	return nil
}

func (a *Autoscaler) emit(t events.EventType, msg string) {
	if a.sink == nil {
		return
	}
	a.sink.Emit(&events.Event{Type: t, Message: msg})
}

// distributeScaleUp computes a per-lane target such that the lanes sum
// to newTotal. Under backlog, Premium gets at least max(2,
// ceil(premium_waiting/3)) of the new capacity before other lanes;
// absent a clear Premium backlog it spreads round-robin. The Normal lane
// never drops below minNormal.
func distributeScaleUp(counts map[types.Lane]LaneCounts, waiting map[types.Lane]int, newTotal, minNormal int) map[types.Lane]int {
	targets := make(map[types.Lane]int, len(types.AllLanes))
	for _, lane := range types.AllLanes {
		targets[lane] = counts[lane].Total
	}

	currentTotal := 0
	for _, lane := range types.AllLanes {
		currentTotal += targets[lane]
	}
	delta := newTotal - currentTotal
	if delta <= 0 {
		enforceNormalFloor(targets, minNormal)
		return targets
	}

	premiumWaiting := waiting[types.LanePremium]
	if premiumWaiting > 0 {
		premiumShare := max(2, ceilDiv(premiumWaiting, 3))
		if premiumShare > delta {
			premiumShare = delta
		}
		targets[types.LanePremium] += premiumShare
		delta -= premiumShare
	}

	lanes := types.AllLanes
	for i := 0; delta > 0; i = (i + 1) % len(lanes) {
		targets[lanes[i]]++
		delta--
	}

	enforceNormalFloor(targets, minNormal)
	return targets
}

// distributeScaleDown removes capacity, preferring Normal-lane idle
// workers over Premium, and never below the Normal-lane floor. It only
// ever reduces counts toward newTotal; the Cluster Controller's worker
// pool is responsible for never tearing down a worker mid-job.
func distributeScaleDown(counts map[types.Lane]LaneCounts, newTotal, minNormal int) map[types.Lane]int {
	targets := make(map[types.Lane]int, len(types.AllLanes))
	currentTotal := 0
	for _, lane := range types.AllLanes {
		targets[lane] = counts[lane].Total
		currentTotal += counts[lane].Total
	}

	toRemove := currentTotal - newTotal
	if toRemove <= 0 {
		return targets
	}

	removalOrder := []types.Lane{types.LaneNormal, types.LaneLarge, types.LanePremium}
	for _, lane := range removalOrder {
		if toRemove <= 0 {
			break
		}
		c := counts[lane]
		headroom := targets[lane]
		if lane == types.LaneNormal {
			headroom -= minNormal
		}
		removable := min(c.Idle, headroom)
		removable = min(removable, toRemove)
		if removable <= 0 {
			continue
		}
		targets[lane] -= removable
		toRemove -= removable
	}

	enforceNormalFloor(targets, minNormal)
	return targets
}

func enforceNormalFloor(targets map[types.Lane]int, minNormal int) {
	if targets[types.LaneNormal] < minNormal {
		targets[types.LaneNormal] = minNormal
	}
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
