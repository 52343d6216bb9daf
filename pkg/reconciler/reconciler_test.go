package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

type sweepStore struct {
	store.Store

	mu          sync.Mutex
	models      map[string]*types.Model
	deployments map[string]*types.Deployment
}

func newSweepStore() *sweepStore {
	return &sweepStore{
		models:      map[string]*types.Model{},
		deployments: map[string]*types.Deployment{},
	}
}

func (s *sweepStore) ListModels(context.Context) ([]*types.Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Model
	for _, m := range s.models {
		copied := *m
		out = append(out, &copied)
	}
	return out, nil
}

func (s *sweepStore) UpdateModel(_ context.Context, model *types.Model) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *model
	s.models[model.ID] = &copied
	return nil
}

func (s *sweepStore) ListActiveDeployments(context.Context) ([]*types.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Deployment
	for _, d := range s.deployments {
		if d.Status.Active() {
			copied := *d
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *sweepStore) UpdateDeploymentStatus(_ context.Context, id string, status types.DeployStatus, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return store.ErrNotFound
	}
	d.Status = status
	d.Msg = msg
	return nil
}

type existsFunc func(jobID string) (bool, error)

func (f existsFunc) Exists(_ context.Context, jobID string) (bool, error) { return f(jobID) }

func TestSweepMarksVanishedDeployment(t *testing.T) {
	st := newSweepStore()
	st.deployments["d-1"] = &types.Deployment{ID: "d-1", ModelID: "m-1", Status: types.DeployInProgress}

	r := New(st, existsFunc(func(string) (bool, error) { return false, nil }), nil)

	clock := time.Now()
	r.now = func() time.Time { return clock }

	// First sweep only records the absence.
	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, types.DeployInProgress, st.deployments["d-1"].Status)

	// Still inside the grace period.
	clock = clock.Add(30 * time.Second)
	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, types.DeployInProgress, st.deployments["d-1"].Status)

	// Past the grace period the deployment fails.
	clock = clock.Add(31 * time.Second)
	require.NoError(t, r.Sweep(context.Background()))
	assert.Equal(t, types.DeployFailed, st.deployments["d-1"].Status)
	assert.Equal(t, "job vanished", st.deployments["d-1"].Msg)
}

func TestSweepLeavesCompleteDeploymentAlone(t *testing.T) {
	st := newSweepStore()
	st.deployments["d-done"] = &types.Deployment{ID: "d-done", ModelID: "m-1", Status: types.DeployComplete}
	st.deployments["d-run"] = &types.Deployment{ID: "d-run", ModelID: "m-2", Status: types.DeployInProgress}

	// Every job has vanished.
	r := New(st, existsFunc(func(string) (bool, error) { return false, nil }), nil)
	clock := time.Now()
	r.now = func() time.Time { return clock }

	require.NoError(t, r.Sweep(context.Background()))
	clock = clock.Add(VanishGrace + time.Second)
	require.NoError(t, r.Sweep(context.Background()))

	// The in-flight deployment fails; the complete one is not the
	// sweeper's to repair.
	assert.Equal(t, types.DeployFailed, st.deployments["d-run"].Status)
	assert.Equal(t, types.DeployComplete, st.deployments["d-done"].Status)
}

func TestSweepMarksVanishedTraining(t *testing.T) {
	st := newSweepStore()
	st.models["m-1"] = &types.Model{ID: "m-1", Name: "docs", Type: types.ModelTypeNDB, TrainStatus: types.TrainInProgress}

	r := New(st, existsFunc(func(string) (bool, error) { return false, nil }), nil)
	clock := time.Now()
	r.now = func() time.Time { return clock }

	require.NoError(t, r.Sweep(context.Background()))
	clock = clock.Add(VanishGrace + time.Second)
	require.NoError(t, r.Sweep(context.Background()))

	assert.Equal(t, types.TrainFailed, st.models["m-1"].TrainStatus)
	assert.Equal(t, "job vanished", st.models["m-1"].Attributes["error"])
}

func TestSweepIgnoresLiveJobs(t *testing.T) {
	st := newSweepStore()
	st.deployments["d-1"] = &types.Deployment{ID: "d-1", ModelID: "m-1", Status: types.DeployComplete}

	r := New(st, existsFunc(func(string) (bool, error) { return true, nil }), nil)
	clock := time.Now()
	r.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Sweep(context.Background()))
		clock = clock.Add(VanishGrace)
	}
	assert.Equal(t, types.DeployComplete, st.deployments["d-1"].Status)
}

func TestSweepReappearingJobResetsClock(t *testing.T) {
	st := newSweepStore()
	st.deployments["d-1"] = &types.Deployment{ID: "d-1", ModelID: "m-1", Status: types.DeployComplete}

	missing := true
	r := New(st, existsFunc(func(string) (bool, error) { return !missing, nil }), nil)
	clock := time.Now()
	r.now = func() time.Time { return clock }

	require.NoError(t, r.Sweep(context.Background()))

	// The job comes back before the grace period elapses.
	missing = false
	clock = clock.Add(VanishGrace + time.Second)
	require.NoError(t, r.Sweep(context.Background()))

	// It goes missing again; the absence clock starts over.
	missing = true
	require.NoError(t, r.Sweep(context.Background()))
	clock = clock.Add(time.Second)
	require.NoError(t, r.Sweep(context.Background()))

	assert.Equal(t, types.DeployComplete, st.deployments["d-1"].Status)
}

func TestSweepSkipsUnreachableScheduler(t *testing.T) {
	st := newSweepStore()
	st.deployments["d-1"] = &types.Deployment{ID: "d-1", ModelID: "m-1", Status: types.DeployComplete}

	r := New(st, existsFunc(func(string) (bool, error) {
		return false, errors.New("scheduler unavailable")
	}), nil)
	clock := time.Now()
	r.now = func() time.Time { return clock }

	for i := 0; i < 3; i++ {
		require.NoError(t, r.Sweep(context.Background()))
		clock = clock.Add(VanishGrace)
	}

	// No evidence the job is gone, so nothing is failed.
	assert.Equal(t, types.DeployComplete, st.deployments["d-1"].Status)
}
