package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/jobfabric/pkg/clock"
	"github.com/cuemby/jobfabric/pkg/queue"
	"github.com/cuemby/jobfabric/pkg/store"
	"github.com/cuemby/jobfabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScaler struct {
	counts  map[types.Lane]LaneCounts
	applied []map[types.Lane]int
}

func (f *fakeScaler) WorkerCounts() map[types.Lane]LaneCounts { return f.counts }

func (f *fakeScaler) ScaleTo(ctx context.Context, targets map[types.Lane]int) error {
	cp := make(map[types.Lane]int, len(targets))
	for k, v := range targets {
		cp[k] = v
	}
	f.applied = append(f.applied, cp)
	f.counts = make(map[types.Lane]LaneCounts, len(targets))
	for lane, n := range targets {
		f.counts[lane] = LaneCounts{Total: n, Idle: n}
	}
	return nil
}

func newRig(t *testing.T) (*Autoscaler, *queue.Manager, *fakeScaler, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := queue.NewManager(queue.Config{LargeThresholdBytes: 50 * 1024 * 1024}, store.NewMemStore(), fc, nil)
	scaler := &fakeScaler{counts: map[types.Lane]LaneCounts{
		types.LanePremium: {Total: 2, Idle: 2},
		types.LaneNormal:  {Total: 2, Idle: 2},
		types.LaneLarge:   {Total: 1, Idle: 1},
	}}
	cfg := DefaultConfig()
	cfg.MinWorkers = 3
	cfg.MaxWorkers = 12
	a := New(cfg, q, scaler, nil, fc)
	return a, q, scaler, fc
}

func submitN(t *testing.T, q *queue.Manager, n int, plan types.TenantPlan) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Submit("t1", "f", 1024, plan, 3)
		require.NoError(t, err)
	}
}

func TestCycleDebouncesRepeatedCalls(t *testing.T) {
	a, q, scaler, fc := newRig(t)
	submitN(t, q, 20, types.PlanFree)

	require.NoError(t, a.Cycle(context.Background()))
	assert.Len(t, scaler.applied, 1)

	fc.Advance(time.Second) // well under debounce
	require.NoError(t, a.Cycle(context.Background()))
	assert.Len(t, scaler.applied, 1, "second cycle within debounce window must be a no-op")
}

func TestCycleScalesUpUnderBacklog(t *testing.T) {
	a, q, scaler, _ := newRig(t)
	submitN(t, q, 20, types.PlanFree) // all land in Normal lane

	require.NoError(t, a.Cycle(context.Background()))
	require.Len(t, scaler.applied, 1)

	targets := scaler.applied[0]
	total := 0
	for _, n := range targets {
		total += n
	}
	assert.Greater(t, total, 5, "worker count must grow above the starting 5")
	assert.LessOrEqual(t, total, a.cfg.MaxWorkers)
}

func TestCycleScalesDownWhenIdle(t *testing.T) {
	a, _, scaler, _ := newRig(t)
	// No jobs submitted: totalWaiting=0 < ScaleDownThreshold, current=5 > MinWorkers=3.
	require.NoError(t, a.Cycle(context.Background()))
	require.Len(t, scaler.applied, 1)

	total := 0
	for _, n := range scaler.applied[0] {
		total += n
	}
	assert.GreaterOrEqual(t, total, a.cfg.MinWorkers)
	assert.Less(t, total, 5)
}

func TestDistributeScaleUpBiasesPremiumUnderPremiumBacklog(t *testing.T) {
	counts := map[types.Lane]LaneCounts{
		types.LanePremium: {Total: 2, Idle: 0},
		types.LaneNormal:  {Total: 2, Idle: 0},
		types.LaneLarge:   {Total: 1, Idle: 0},
	}
	waiting := map[types.Lane]int{types.LanePremium: 9}
	targets := distributeScaleUp(counts, waiting, 8, 1)

	assert.GreaterOrEqual(t, targets[types.LanePremium], 2+3, "premium should receive ceil(9/3)=3 of the new capacity first")
}

func TestDistributeScaleDownNeverDropsBelowNormalFloor(t *testing.T) {
	counts := map[types.Lane]LaneCounts{
		types.LanePremium: {Total: 2, Idle: 2},
		types.LaneNormal:  {Total: 1, Idle: 1},
		types.LaneLarge:   {Total: 1, Idle: 1},
	}
	targets := distributeScaleDown(counts, 1, 1)
	assert.Equal(t, 1, targets[types.LaneNormal])
}

func TestDistributeScaleDownNeverRemovesBusyWorkers(t *testing.T) {
	counts := map[types.Lane]LaneCounts{
		types.LanePremium: {Total: 3, Idle: 0}, // all busy
		types.LaneNormal:  {Total: 2, Idle: 2},
		types.LaneLarge:   {Total: 1, Idle: 1},
	}
	targets := distributeScaleDown(counts, 3, 1)
	assert.Equal(t, 3, targets[types.LanePremium], "busy premium workers must not be torn down")
}

func TestManualScaleClampsToBounds(t *testing.T) {
	a, _, scaler, _ := newRig(t)
	require.NoError(t, a.ManualScale(context.Background(), 99))

	total := 0
	for _, n := range scaler.applied[0] {
		total += n
	}
	assert.Equal(t, a.cfg.MaxWorkers, total)
}

func TestUpdateConfigRejectsInvalidBounds(t *testing.T) {
	a, _, _, _ := newRig(t)
	err := a.UpdateConfig(Config{MinWorkers: 10, MaxWorkers: 5})
	assert.Error(t, err)
}
