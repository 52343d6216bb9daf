package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/loomworks/bazaar/pkg/events"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

const (
	// SweepInterval is how often the reconciler compares entity state
	// against the scheduler.
	SweepInterval = 30 * time.Second

	// VanishGrace is how long a job may be absent from the scheduler
	// before its entity is marked failed. Covers the window between row
	// insert and scheduler registration.
	VanishGrace = 60 * time.Second
)

// Jobs is the slice of the cluster driver the reconciler needs.
type Jobs interface {
	Exists(ctx context.Context, jobID string) (bool, error)
}

// Reconciler sweeps for deployments and trainings whose scheduler job
// vanished, marking them failed so they do not sit in_progress forever.
type Reconciler struct {
	store  store.Store
	jobs   Jobs
	broker *events.Broker
	logger zerolog.Logger

	// firstMissing records when a job was first observed absent.
	firstMissing map[string]time.Time

	// now is injectable for tests.
	now func() time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a Reconciler. The broker may be nil.
func New(st store.Store, jobs Jobs, broker *events.Broker) *Reconciler {
	return &Reconciler{
		store:        st,
		jobs:         jobs,
		broker:       broker,
		logger:       log.WithComponent("reconciler"),
		firstMissing: map[string]time.Time{},
		now:          time.Now,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop halts the loop and waits for the in-flight sweep to finish.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Sweep(context.Background()); err != nil {
				r.logger.Error().Err(err).Msg("Reconcile sweep failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Sweep performs one reconciliation cycle.
func (r *Reconciler) Sweep(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	if err := r.sweepDeployments(ctx); err != nil {
		return err
	}
	return r.sweepTrainings(ctx)
}

func (r *Reconciler) sweepDeployments(ctx context.Context) error {
	deployments, err := r.store.ListActiveDeployments(ctx)
	if err != nil {
		return fmt.Errorf("failed to list active deployments: %w", err)
	}

	for _, d := range deployments {
		// Only in-flight deployments are repaired. A complete one whose
		// job disappears reports itself through the stopped callback.
		if d.Status != types.DeployStarting && d.Status != types.DeployInProgress {
			continue
		}
		jobID := types.DeployJobID(d.ModelID)
		vanished, err := r.checkJob(ctx, jobID)
		if err != nil {
			// Scheduler unreachable is not evidence the job is gone.
			r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Skipping job check")
			continue
		}
		if !vanished {
			continue
		}

		r.logger.Warn().
			Str("deployment_id", d.ID).
			Str("model_id", d.ModelID).
			Msg("Deployment job vanished, marking failed")
		if err := r.store.UpdateDeploymentStatus(ctx, d.ID, types.DeployFailed, "job vanished"); err != nil {
			return fmt.Errorf("failed to fail deployment %s: %w", d.ID, err)
		}
		metrics.JobsVanished.Inc()
		r.publish(events.EventJobVanished, d.ModelID, "deployment "+d.ID)
	}
	return nil
}

func (r *Reconciler) sweepTrainings(ctx context.Context) error {
	models, err := r.store.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	for _, model := range models {
		if model.TrainStatus != types.TrainInProgress || model.Type.Composite() {
			continue
		}
		jobID := types.TrainJobID(model.ID)
		vanished, err := r.checkJob(ctx, jobID)
		if err != nil {
			r.logger.Warn().Err(err).Str("job_id", jobID).Msg("Skipping job check")
			continue
		}
		if !vanished {
			continue
		}

		r.logger.Warn().
			Str("model_id", model.ID).
			Str("name", model.Name).
			Msg("Training job vanished, marking failed")
		model.TrainStatus = types.TrainFailed
		if model.Attributes == nil {
			model.Attributes = map[string]string{}
		}
		model.Attributes["error"] = "job vanished"
		if err := r.store.UpdateModel(ctx, model); err != nil {
			return fmt.Errorf("failed to fail model %s: %w", model.ID, err)
		}
		metrics.JobsVanished.Inc()
		r.publish(events.EventJobVanished, model.ID, "training "+jobID)
	}
	return nil
}

// checkJob reports whether jobID has been absent from the scheduler for
// longer than the grace period.
func (r *Reconciler) checkJob(ctx context.Context, jobID string) (bool, error) {
	exists, err := r.jobs.Exists(ctx, jobID)
	if err != nil {
		return false, err
	}
	if exists {
		delete(r.firstMissing, jobID)
		return false, nil
	}

	first, seen := r.firstMissing[jobID]
	if !seen {
		r.firstMissing[jobID] = r.now()
		return false, nil
	}
	if r.now().Sub(first) < VanishGrace {
		return false, nil
	}
	delete(r.firstMissing, jobID)
	return true, nil
}

func (r *Reconciler) publish(eventType events.EventType, modelID, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&events.Event{
		Type:      eventType,
		Timestamp: types.NowUTC(),
		ModelID:   modelID,
		Message:   message,
	})
}
