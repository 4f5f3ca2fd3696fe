package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/jobfabric/pkg/clock"
	"github.com/cuemby/jobfabric/pkg/quota"
	"github.com/cuemby/jobfabric/pkg/store"
	"github.com/cuemby/jobfabric/pkg/types"
	"github.com/cuemby/jobfabric/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// instantProc completes every job immediately.
func instantProc(ctx context.Context, job *types.Job) (worker.Result, error) {
	return worker.Result{ResultRef: "ok"}, nil
}

// TestScenarioPriorityPrecedence: pro/unlimited jobs land in the Premium
// lane and free jobs in Normal; every job eventually completes.
func TestScenarioPriorityPrecedence(t *testing.T) {
	qt := quota.NewInMemory()
	for i := 0; i < 20; i++ {
		qt.SetTenant(fmt.Sprintf("free-%d", i), 10, false)
	}
	for i := 0; i < 10; i++ {
		qt.SetTenant(fmt.Sprintf("pro-%d", i), 10, false)
	}

	cfg := testConfig()
	c := New(cfg, store.NewMemStore(), qt, nil, clock.New(), instantProc)
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(time.Second)

	var jobIDs []string
	for i := 0; i < 20; i++ {
		job, err := c.Submit(fmt.Sprintf("free-%d", i), "f", 5*1024*1024, types.PlanFree)
		require.NoError(t, err)
		assert.Equal(t, types.LaneNormal, job.Lane)
		jobIDs = append(jobIDs, job.JobID)
	}
	for i := 0; i < 10; i++ {
		job, err := c.Submit(fmt.Sprintf("pro-%d", i), "f", 8*1024*1024, types.PlanPro)
		require.NoError(t, err)
		assert.Equal(t, types.LanePremium, job.Lane)
		jobIDs = append(jobIDs, job.JobID)
	}
	for i := 0; i < 5; i++ {
		tenant := fmt.Sprintf("unlimited-%d", i)
		qt.SetTenant(tenant, 0, true)
		job, err := c.Submit(tenant, "f", 12*1024*1024, types.PlanUnlimited)
		require.NoError(t, err)
		assert.Equal(t, types.LanePremium, job.Lane)
		jobIDs = append(jobIDs, job.JobID)
	}

	for _, id := range jobIDs {
		id := id
		require.Eventually(t, func() bool {
			got, err := c.Status(id)
			return err == nil && got.State == types.JobCompleted
		}, 3*time.Second, 5*time.Millisecond)
	}
}

// TestScenarioLargeFileIsolation: a file at large_threshold_bytes lands
// in the Large lane with priority_key=4 and completes without consuming
// a Premium worker slot.
func TestScenarioLargeFileIsolation(t *testing.T) {
	qt := quota.NewInMemory()
	qt.SetTenant("tenant-1", 10, false)

	cfg := testConfig()
	c := New(cfg, store.NewMemStore(), qt, nil, clock.New(), instantProc)
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(time.Second)

	job, err := c.Submit("tenant-1", "big-file", cfg.LargeThresholdBytes, types.PlanPro)
	require.NoError(t, err)
	assert.Equal(t, types.LaneLarge, job.Lane)
	assert.Equal(t, types.PriorityKeyForPlan(types.PlanPro, types.LaneLarge), job.PriorityKey)

	require.Eventually(t, func() bool {
		got, err := c.Status(job.JobID)
		return err == nil && got.State == types.JobCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

// TestScenarioScaleUpUnderLoad: a sudden backlog drives the worker pool
// above min_workers without exceeding max_workers.
func TestScenarioScaleUpUnderLoad(t *testing.T) {
	var active int32
	proc := func(ctx context.Context, job *types.Job) (worker.Result, error) {
		atomic.AddInt32(&active, 1)
		defer atomic.AddInt32(&active, -1)
		time.Sleep(50 * time.Millisecond)
		return worker.Result{ResultRef: "ok"}, nil
	}

	qt := quota.NewInMemory()
	qt.SetTenant("tenant-1", 100, false)

	cfg := testConfig()
	cfg.MinWorkers = 3
	cfg.MaxWorkers = 12
	cfg.ScaleUpThreshold = 8
	cfg.ScaleDebounce = 5 * time.Millisecond
	cfg.ScaleCheckInterval = 20 * time.Millisecond

	c := New(cfg, store.NewMemStore(), qt, nil, clock.New(), proc)
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(time.Second)

	for i := 0; i < 40; i++ {
		_, err := c.Submit("tenant-1", "f", 1024, types.PlanFree)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		total := 0
		for _, lc := range c.WorkerCounts() {
			total += lc.Total
		}
		return total > cfg.MinWorkers
	}, 2*time.Second, 10*time.Millisecond)

	total := 0
	for _, lc := range c.WorkerCounts() {
		total += lc.Total
	}
	assert.LessOrEqual(t, total, cfg.MaxWorkers)
}

// TestScenarioStallRecovery: a worker that stops heartbeating while
// holding a job is replaced, and the held job's attempt counter reaches
// at least one.
func TestScenarioStallRecovery(t *testing.T) {
	const frozenTenant = "frozen-tenant"

	var once sync.Once
	frozen := make(chan struct{})
	proc := func(ctx context.Context, job *types.Job) (worker.Result, error) {
		if job.TenantID == frozenTenant {
			once.Do(func() { close(frozen) })
			<-ctx.Done()
			return worker.Result{}, ctx.Err()
		}
		return worker.Result{ResultRef: "ok"}, nil
	}

	qt := quota.NewInMemory()
	qt.SetTenant(frozenTenant, 10, false)
	qt.SetTenant("tenant-1", 10, false)

	cfg := testConfig()
	cfg.MinWorkers = 5
	cfg.MaxWorkers = 5
	cfg.StallThreshold = 100 * time.Millisecond
	cfg.HealthCheckInterval = 30 * time.Millisecond
	cfg.RecoveryThreshold = 5 * time.Second

	c := New(cfg, store.NewMemStore(), qt, nil, clock.New(), proc)
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(time.Second)

	job, err := c.Submit(frozenTenant, "f", 1024, types.PlanFree)
	require.NoError(t, err)

	select {
	case <-frozen:
	case <-time.After(2 * time.Second):
		t.Fatal("job never reached the frozen worker")
	}

	require.Eventually(t, func() bool {
		got, statusErr := c.Status(job.JobID)
		if statusErr != nil {
			return false
		}
		return got.Attempts >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

// TestScenarioLongRunningJobNotFalselyRecovered: a Process call that runs
// past stall_threshold and recovery_threshold, but keeps heartbeating via
// the worker's mid-process heartbeat ticker, must never be treated as
// stalled or have its job recovered out from under the still-healthy
// worker — only one worker ever claims the job, and it completes without
// an attempt increment.
func TestScenarioLongRunningJobNotFalselyRecovered(t *testing.T) {
	const tenant = "tenant-1"
	release := make(chan struct{})
	var claims int32
	proc := func(ctx context.Context, job *types.Job) (worker.Result, error) {
		atomic.AddInt32(&claims, 1)
		<-release
		return worker.Result{ResultRef: "ok"}, nil
	}

	qt := quota.NewInMemory()
	qt.SetTenant(tenant, 10, false)

	cfg := testConfig()
	cfg.MinWorkers = 1
	cfg.MaxWorkers = 1
	cfg.StallThreshold = 40 * time.Millisecond
	cfg.HealthCheckInterval = 10 * time.Millisecond
	cfg.RecoveryThreshold = 60 * time.Millisecond

	c := New(cfg, store.NewMemStore(), qt, nil, clock.New(), proc)
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(time.Second)

	job, err := c.Submit(tenant, "f", 1024, types.PlanFree)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, statusErr := c.Status(job.JobID)
		return statusErr == nil && got.State == types.JobRunning
	}, time.Second, time.Millisecond)

	firstRun, err := c.Status(job.JobID)
	require.NoError(t, err)
	assignedWorker := firstRun.WorkerID
	require.NotEmpty(t, assignedWorker)

	// Hold the job well past both thresholds, repeatedly confirming it
	// stays put on the same worker with zero attempts.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		got, statusErr := c.Status(job.JobID)
		require.NoError(t, statusErr)
		require.Equal(t, types.JobRunning, got.State)
		require.Equal(t, assignedWorker, got.WorkerID)
		require.Equal(t, 0, got.Attempts)
		time.Sleep(10 * time.Millisecond)
	}

	close(release)

	require.Eventually(t, func() bool {
		got, statusErr := c.Status(job.JobID)
		return statusErr == nil && got.State == types.JobCompleted
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(1), atomic.LoadInt32(&claims), "job should have been claimed and processed exactly once")
}

// TestScenarioBackpressure: a tight memory ceiling makes the admission
// gate refuse jobs over the memory budget without deadlocking — every
// submitted job still eventually completes.
func TestScenarioBackpressure(t *testing.T) {
	qt := quota.NewInMemory()
	for i := 0; i < 30; i++ {
		qt.SetTenant(fmt.Sprintf("tenant-%d", i), 10, false)
	}

	cfg := testConfig()
	cfg.MemCeilingBytes = 256 * 1024 * 1024
	cfg.MaxConcurrent = 100
	c := New(cfg, store.NewMemStore(), qt, nil, clock.New(), func(ctx context.Context, job *types.Job) (worker.Result, error) {
		time.Sleep(5 * time.Millisecond)
		return worker.Result{ResultRef: "ok"}, nil
	})
	require.NoError(t, c.Start(context.Background()))
	defer c.Shutdown(time.Second)

	var jobIDs []string
	for i := 0; i < 30; i++ {
		job, err := c.Submit(fmt.Sprintf("tenant-%d", i), "f", 40*1024*1024, types.PlanFree)
		require.NoError(t, err)
		jobIDs = append(jobIDs, job.JobID)
	}

	for _, id := range jobIDs {
		id := id
		require.Eventually(t, func() bool {
			got, err := c.Status(id)
			return err == nil && got.State == types.JobCompleted
		}, 3*time.Second, 5*time.Millisecond)
	}
}

// TestScenarioGracefulShutdown: in-flight jobs at Shutdown either finish
// within the grace period or are requeued without an attempt increment,
// and submissions are rejected the instant Shutdown returns.
func TestScenarioGracefulShutdown(t *testing.T) {
	var started sync.WaitGroup
	started.Add(4)
	release := make(chan struct{})
	proc := func(ctx context.Context, job *types.Job) (worker.Result, error) {
		started.Done()
		select {
		case <-release:
			return worker.Result{ResultRef: "ok"}, nil
		case <-ctx.Done():
			return worker.Result{}, ctx.Err()
		}
	}

	qt := quota.NewInMemory()
	for i := 0; i < 4; i++ {
		qt.SetTenant(fmt.Sprintf("tenant-%d", i), 10, false)
	}

	cfg := testConfig()
	cfg.MinWorkers = 4
	cfg.MaxWorkers = 4
	cfg.GraceShutdown = 5 * time.Second

	c := New(cfg, store.NewMemStore(), qt, nil, clock.New(), proc)
	require.NoError(t, c.Start(context.Background()))

	for i := 0; i < 4; i++ {
		_, err := c.Submit(fmt.Sprintf("tenant-%d", i), "f", 1024, types.PlanFree)
		require.NoError(t, err)
	}

	started.Wait()
	close(release)

	residual := c.Shutdown(10 * time.Second)
	assert.GreaterOrEqual(t, residual, 0)

	_, err := c.Submit("tenant-0", "f", 1024, types.PlanFree)
	assert.Error(t, err)
}
