package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/loomworks/bazaar/pkg/events"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
	"github.com/loomworks/bazaar/pkg/updatelog"
)

// TrainRequest describes a new training submission.
type TrainRequest struct {
	OwnerID   string
	Username  string
	ModelName string
	Type      types.ModelType
	Subtype   string
	// BaseModelID, when set, makes this a retrain: starting weights are
	// copied from the base model and its accumulated feedback becomes
	// supervised input.
	BaseModelID string
	MemoryMB    int
	Attributes  map[string]string
}

// Train validates, registers a model row in in_progress, and submits the
// training job. Order matters: preconditions, entity mutation, cluster
// action. A cluster failure marks the row failed and surfaces the error.
func (m *Manager) Train(ctx context.Context, req TrainRequest) (*types.Model, error) {
	if !types.ValidName(req.ModelName) {
		return nil, ErrInvalidName
	}
	if !types.ValidModelType(req.Type) {
		return nil, fmt.Errorf("%w: unknown model type %q", ErrInvalidName, req.Type)
	}

	if _, err := m.store.GetModelByOwnerName(ctx, req.OwnerID, req.ModelName); err == nil {
		return nil, fmt.Errorf("%w: model with name %s already exists for user %s",
			ErrDuplicateModel, req.ModelName, req.Username)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check model name: %w", err)
	}

	if err := m.gateJob(ctx); err != nil {
		return nil, err
	}

	var base *types.Model
	if req.BaseModelID != "" {
		var err error
		base, err = m.store.GetModel(ctx, req.BaseModelID)
		if err != nil {
			return nil, fmt.Errorf("failed to load base model: %w", err)
		}
		if base.TrainStatus != types.TrainComplete {
			return nil, fmt.Errorf("%w: base model %s", ErrNotTrained, base.Name)
		}
	}

	model := &types.Model{
		ID:          uuid.New().String(),
		Name:        req.ModelName,
		Type:        req.Type,
		Subtype:     req.Subtype,
		OwnerID:     req.OwnerID,
		TrainStatus: types.TrainInProgress,
		AccessLevel: types.AccessPrivate,
		Attributes:  req.Attributes,
	}
	if base != nil {
		model.ParentID = base.ID
	}

	if err := m.store.CreateModel(ctx, model); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: model with name %s already exists for user %s",
				ErrDuplicateModel, req.ModelName, req.Username)
		}
		return nil, fmt.Errorf("failed to create model: %w", err)
	}

	if err := m.layout.EnsureModelDirs(model.ID); err != nil {
		m.failTraining(ctx, model.ID, err)
		return nil, fmt.Errorf("failed to prepare model directories: %w", err)
	}

	// Retrains take their artifact copy at submission time; an active
	// deployment of the base keeps serving from its own copied tree.
	if base != nil {
		if err := m.stageRetrain(ctx, base, model); err != nil {
			m.failTraining(ctx, model.ID, err)
			return nil, err
		}
	}

	vars := m.templateVars(types.TrainJobID(model.ID), model.ID, "", req.MemoryMB, 0, 0)
	if _, err := m.jobs.Submit(ctx, types.JobTrain, vars); err != nil {
		m.failTraining(ctx, model.ID, err)
		return nil, fmt.Errorf("failed to submit training job: %w", err)
	}

	m.publish(events.EventTrainSubmitted, model.ID, req.Username, "")
	m.audit(ctx, req.Username, "train", fmt.Sprintf("model %s (%s)", model.Name, model.ID))
	m.logger.Info().
		Str("model_id", model.ID).
		Str("name", model.Name).
		Str("type", string(model.Type)).
		Msg("Training job submitted")
	return model, nil
}

// stageRetrain copies the base artifact into the new model tree and
// amalgamates every feedback log the base's deployments ever wrote.
func (m *Manager) stageRetrain(ctx context.Context, base, model *types.Model) error {
	if err := m.layout.CopyArtifact(base.ID, model.ID); err != nil {
		return fmt.Errorf("failed to copy base artifact: %w", err)
	}

	deployments, err := m.store.ListDeploymentsForModel(ctx, base.ID)
	if err != nil {
		return fmt.Errorf("failed to list base deployments: %w", err)
	}

	dirs := make([]string, 0, len(deployments))
	for _, d := range deployments {
		dirs = append(dirs, m.layout.DataDir(d.ID))
	}

	outPath := filepath.Join(m.layout.UnsupervisedDir(model.ID), "feedback.jsonl")
	count, err := updatelog.AmalgamateFeedback(dirs, outPath)
	if err != nil {
		return fmt.Errorf("failed to amalgamate feedback: %w", err)
	}

	m.logger.Info().
		Str("base_model_id", base.ID).
		Str("model_id", model.ID).
		Int("feedback_events", count).
		Msg("Staged retrain inputs")
	return nil
}

// failTraining marks a model failed after a submission-path error. The
// row is kept for audit.
func (m *Manager) failTraining(ctx context.Context, modelID string, cause error) {
	model, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		m.logger.Error().Err(err).Str("model_id", modelID).Msg("Failed to load model for failure rollback")
		return
	}
	model.TrainStatus = types.TrainFailed
	if model.Attributes == nil {
		model.Attributes = map[string]string{}
	}
	model.Attributes["error"] = cause.Error()
	if err := m.store.UpdateModel(ctx, model); err != nil {
		m.logger.Error().Err(err).Str("model_id", modelID).Msg("Failed to mark model failed")
	}
	m.publish(events.EventTrainFailed, modelID, "", cause.Error())
}

// TrainCallback applies a status report from a training process. Applying
// the same status twice yields identical state.
func (m *Manager) TrainCallback(ctx context.Context, modelID string, status types.TrainStatus, message string) error {
	model, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if model.TrainStatus == status {
		return nil
	}

	model.TrainStatus = status
	if message != "" {
		if model.Attributes == nil {
			model.Attributes = map[string]string{}
		}
		model.Attributes["status_message"] = message
	}
	if err := m.store.UpdateModel(ctx, model); err != nil {
		return fmt.Errorf("failed to update train status: %w", err)
	}

	switch status {
	case types.TrainComplete:
		m.publish(events.EventTrainComplete, modelID, "", message)
	case types.TrainFailed:
		m.publish(events.EventTrainFailed, modelID, "", message)
	}
	m.logger.Info().
		Str("model_id", modelID).
		Str("status", string(status)).
		Msg("Training status updated")
	return nil
}

// TrainStatus returns the current training state of a model.
func (m *Manager) TrainStatus(ctx context.Context, modelID string) (types.TrainStatus, string, error) {
	model, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return "", "", fmt.Errorf("failed to load model: %w", err)
	}
	return model.TrainStatus, model.Attributes["status_message"], nil
}

// TrainLogs returns the training log contents for a model, empty when the
// job has not produced any yet.
func (m *Manager) TrainLogs(ctx context.Context, modelID string) (string, error) {
	if _, err := m.store.GetModel(ctx, modelID); err != nil {
		return "", fmt.Errorf("failed to load model: %w", err)
	}
	data, err := os.ReadFile(m.layout.TrainLogPath(modelID))
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to read training log: %w", err)
	}
	return string(data), nil
}
