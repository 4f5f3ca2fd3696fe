package queue

import (
	"testing"
	"time"

	"github.com/cuemby/jobfabric/pkg/clock"
	"github.com/cuemby/jobfabric/pkg/store"
	"github.com/cuemby/jobfabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := NewManager(Config{LargeThresholdBytes: 50 * 1024 * 1024}, store.NewMemStore(), fc, nil)
	return m, fc
}

func TestSelectLane(t *testing.T) {
	tests := []struct {
		name     string
		plan     types.TenantPlan
		size     int64
		expected types.Lane
	}{
		{"large file wins regardless of plan", types.PlanPro, 80 * 1024 * 1024, types.LaneLarge},
		{"exact threshold is large (inclusive)", types.PlanFree, 50 * 1024 * 1024, types.LaneLarge},
		{"pro small file is premium", types.PlanPro, 8 * 1024 * 1024, types.LanePremium},
		{"unlimited small file is premium", types.PlanUnlimited, 12 * 1024 * 1024, types.LanePremium},
		{"free small file is normal", types.PlanFree, 5 * 1024 * 1024, types.LaneNormal},
		{"basic small file is normal", types.PlanBasic, 5 * 1024 * 1024, types.LaneNormal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SelectLane(tt.plan, tt.size, 50*1024*1024)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestSubmitAssignsLaneAndPriority(t *testing.T) {
	m, _ := newTestManager(t)

	job, err := m.Submit("tenant-1", "file-1", 5*1024*1024, types.PlanFree, 3)
	require.NoError(t, err)
	assert.Equal(t, types.LaneNormal, job.Lane)
	assert.Equal(t, 5, job.PriorityKey)
	assert.Equal(t, types.JobQueued, job.State)
}

func TestClaimOrdersByPriorityThenSubmittedAt(t *testing.T) {
	m, fc := newTestManager(t)

	free1, _ := m.Submit("t", "f1", 1024, types.PlanFree, 3)
	fc.Advance(time.Millisecond)
	unlimited1, _ := m.Submit("t", "f2", 1024, types.PlanUnlimited, 3)
	fc.Advance(time.Millisecond)
	free2, _ := m.Submit("t", "f3", 1024, types.PlanFree, 3)

	// free1/free2 land in Normal; unlimited1 lands in Premium.
	claimed, err := m.Claim(types.LanePremium, "w-premium")
	require.NoError(t, err)
	assert.Equal(t, unlimited1.JobID, claimed.JobID)

	first, err := m.Claim(types.LaneNormal, "w-normal")
	require.NoError(t, err)
	assert.Equal(t, free1.JobID, first.JobID)

	second, err := m.Claim(types.LaneNormal, "w-normal")
	require.NoError(t, err)
	assert.Equal(t, free2.JobID, second.JobID)
}

func TestClaimOnEmptyLaneReturnsNil(t *testing.T) {
	m, _ := newTestManager(t)
	job, err := m.Claim(types.LaneLarge, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestRequeueIncrementsAttemptsUnlessBackpressure(t *testing.T) {
	m, _ := newTestManager(t)
	job, _ := m.Submit("t", "f", 1024, types.PlanFree, 3)
	claimed, _ := m.Claim(types.LaneNormal, "w1")
	require.Equal(t, job.JobID, claimed.JobID)

	require.NoError(t, m.Requeue(claimed, "backpressure"))
	assert.Equal(t, 0, claimed.Attempts)
	assert.Equal(t, types.JobQueued, claimed.State)

	reclaimed, _ := m.Claim(types.LaneNormal, "w2")
	require.NoError(t, m.Requeue(reclaimed, "timeout"))
	assert.Equal(t, 1, reclaimed.Attempts)
}

func TestRequeueFailsAfterMaxAttempts(t *testing.T) {
	m, _ := newTestManager(t)
	job, _ := m.Submit("t", "f", 1024, types.PlanFree, 1)
	claimed, _ := m.Claim(types.LaneNormal, "w1")

	require.NoError(t, m.Requeue(claimed, "timeout"))
	assert.Equal(t, types.JobFailed, claimed.State)
	assert.Equal(t, "max attempts exceeded", claimed.LastError)
	_ = job
}

func TestStatsReportsWaiting(t *testing.T) {
	m, _ := newTestManager(t)
	_, _ = m.Submit("t", "f1", 1024, types.PlanFree, 3)
	_, _ = m.Submit("t", "f2", 1024, types.PlanFree, 3)

	stats, err := m.Stats(types.LaneNormal)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Waiting)
}
