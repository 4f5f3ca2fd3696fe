package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cuemby/jobfabric/pkg/cluster"
	"github.com/cuemby/jobfabric/pkg/quota"
	"github.com/cuemby/jobfabric/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	submitJob   *types.Job
	submitErr   error
	statusJob   *types.Job
	statusErr   error
	scaleErr    error
	configErr   error
	view        cluster.ClusterView
	viewErr     error
	shutdownRes int
	gotDeadline time.Duration
	gotTarget   int
	gotConfig   cluster.Config
}

func (f *fakeController) Submit(tenantID, fileRef string, fileSizeBytes int64, plan types.TenantPlan) (*types.Job, error) {
	return f.submitJob, f.submitErr
}

func (f *fakeController) Status(jobID string) (*types.Job, error) {
	return f.statusJob, f.statusErr
}

func (f *fakeController) Scale(ctx context.Context, target int) error {
	f.gotTarget = target
	return f.scaleErr
}

func (f *fakeController) UpdateConfig(cfg cluster.Config) error {
	f.gotConfig = cfg
	return f.configErr
}

func (f *fakeController) Shutdown(deadline time.Duration) int {
	f.gotDeadline = deadline
	return f.shutdownRes
}

func (f *fakeController) View() (cluster.ClusterView, error) {
	return f.view, f.viewErr
}

func TestHandleSubmitReturns201WithJobID(t *testing.T) {
	ctrl := &fakeController{submitJob: &types.Job{JobID: "job-1"}}
	s := NewServer(ctrl, nil)

	body, _ := json.Marshal(submitRequest{TenantID: "t1", FileRef: "f1", FileSizeBytes: 1024, Plan: types.PlanFree})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "job-1", resp.JobID)
}

func TestHandleSubmitRejectsMissingFields(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(ctrl, nil)

	body, _ := json.Marshal(submitRequest{})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleSubmitMapsQuotaErrorTo422(t *testing.T) {
	ctrl := &fakeController{submitErr: quota.ErrInsufficientPages}
	s := NewServer(ctrl, nil)

	body, _ := json.Marshal(submitRequest{TenantID: "t1", FileRef: "f1"})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestHandleSubmitMapsOtherErrorsTo503(t *testing.T) {
	ctrl := &fakeController{submitErr: errors.New("degraded")}
	s := NewServer(ctrl, nil)

	body, _ := json.Marshal(submitRequest{TenantID: "t1", FileRef: "f1"})
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleStatusReturnsJobView(t *testing.T) {
	ctrl := &fakeController{statusJob: &types.Job{JobID: "job-1", State: types.JobCompleted, Lane: types.LaneNormal}}
	s := NewServer(ctrl, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view jobView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, types.JobCompleted, view.State)
}

func TestHandleStatusReturns404WhenNotFound(t *testing.T) {
	ctrl := &fakeController{statusErr: errors.New("not found")}
	s := NewServer(ctrl, nil)

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleClusterReturnsView(t *testing.T) {
	ctrl := &fakeController{view: cluster.ClusterView{
		WorkersPerLane: map[types.Lane]int{types.LaneNormal: 5},
		WaitingPerLane: map[types.Lane]int{types.LaneNormal: 2},
		Paused:         true,
		MemPct:         0.5,
	}}
	s := NewServer(ctrl, nil)

	req := httptest.NewRequest(http.MethodGet, "/cluster", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp clusterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Paused)
	assert.Equal(t, 5, resp.WorkersPerLane[types.LaneNormal])
}

func TestHandleScaleForwardsTarget(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(ctrl, nil)

	body, _ := json.Marshal(scaleRequest{Target: 7})
	req := httptest.NewRequest(http.MethodPost, "/scale", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 7, ctrl.gotTarget)
}

func TestHandleUpdateConfigReturns409OnInvalidBounds(t *testing.T) {
	ctrl := &fakeController{configErr: errors.New("min > max")}
	s := NewServer(ctrl, nil)

	body, _ := json.Marshal(cluster.Config{MinWorkers: 10, MaxWorkers: 5})
	req := httptest.NewRequest(http.MethodPatch, "/config", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleShutdownReturnsResidualCount(t *testing.T) {
	ctrl := &fakeController{shutdownRes: 2}
	s := NewServer(ctrl, nil)

	body, _ := json.Marshal(shutdownRequest{DeadlineMs: 5000})
	req := httptest.NewRequest(http.MethodPost, "/shutdown", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp shutdownResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ResidualInFlight)
	assert.Equal(t, 5*time.Second, ctrl.gotDeadline)
}

func TestHandleEventsReturns501WithoutSource(t *testing.T) {
	ctrl := &fakeController{}
	s := NewServer(ctrl, nil)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestLivenessRouteAlwaysOK(t *testing.T) {
	s := NewServer(&fakeController{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthAndReadyRoutesAreWired(t *testing.T) {
	s := NewServer(&fakeController{}, nil)

	for _, path := range []string{"/health", "/ready"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		s.router.ServeHTTP(rec, req)

		assert.NotEqual(t, http.StatusNotFound, rec.Code, "route %s should be registered", path)
	}
}
