package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/loomworks/bazaar/pkg/events"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

// DeleteModel removes a model, its artifact tree, and its dependency
// edges. Models with live dependents are refused; a deployed model is
// undeployed first and the delete is refused if that fails.
func (m *Manager) DeleteModel(ctx context.Context, modelID, username string) error {
	model, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	dependents, err := m.store.ListDependents(ctx, modelID)
	if err != nil {
		return fmt.Errorf("failed to list dependents: %w", err)
	}
	if len(dependents) > 0 {
		return fmt.Errorf("%w: %s is used by %d other model(s)", ErrHasDependents, model.Name, len(dependents))
	}

	if err := m.Undeploy(ctx, modelID, username); err != nil && !errors.Is(err, ErrNotDeployed) {
		return fmt.Errorf("failed to undeploy before delete: %w", err)
	}

	if err := m.store.DeleteModel(ctx, modelID); err != nil {
		return fmt.Errorf("failed to delete model: %w", err)
	}
	if err := m.layout.RemoveModel(modelID); err != nil {
		// The row is gone; a leftover tree is an operator cleanup, not a
		// failed delete.
		m.logger.Warn().Err(err).Str("model_id", modelID).Msg("Failed to remove model artifact tree")
	}

	m.publish(events.EventModelDeleted, modelID, username, model.Name)
	m.audit(ctx, username, "delete-model", fmt.Sprintf("model %s (%s)", model.Name, modelID))
	m.logger.Info().Str("model_id", modelID).Str("name", model.Name).Msg("Model deleted")
	return nil
}

// SaveDeployed snapshots a live deployment's artifact into a new model
// owned by the caller. The source deployment keeps serving; the snapshot
// is a plain tree copy.
func (m *Manager) SaveDeployed(ctx context.Context, modelID, newName, ownerID, username string) (*types.Model, error) {
	if !types.ValidName(newName) {
		return nil, ErrInvalidName
	}

	source, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	if _, err := m.store.GetActiveDeployment(ctx, modelID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotDeployed
		}
		return nil, fmt.Errorf("failed to find active deployment: %w", err)
	}

	if _, err := m.store.GetModelByOwnerName(ctx, ownerID, newName); err == nil {
		return nil, fmt.Errorf("%w: model with name %s already exists for user %s",
			ErrDuplicateModel, newName, username)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check model name: %w", err)
	}

	snapshot := &types.Model{
		ID:          uuid.New().String(),
		Name:        newName,
		Type:        source.Type,
		Subtype:     source.Subtype,
		OwnerID:     ownerID,
		TrainStatus: types.TrainComplete,
		AccessLevel: types.AccessPrivate,
		ParentID:    source.ID,
		Attributes:  source.Attributes,
	}
	if err := m.store.CreateModel(ctx, snapshot); err != nil {
		return nil, fmt.Errorf("failed to create snapshot model: %w", err)
	}
	if err := m.layout.CopyArtifact(source.ID, snapshot.ID); err != nil {
		m.failTraining(ctx, snapshot.ID, err)
		return nil, fmt.Errorf("failed to copy artifact: %w", err)
	}

	m.audit(ctx, username, "save-deployed", fmt.Sprintf("model %s -> %s", source.Name, newName))
	return snapshot, nil
}

// NameCheck reports whether a model name is valid and unused for an
// owner.
func (m *Manager) NameCheck(ctx context.Context, ownerID, name string) error {
	if !types.ValidName(name) {
		return ErrInvalidName
	}
	if _, err := m.store.GetModelByOwnerName(ctx, ownerID, name); err == nil {
		return ErrDuplicateModel
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to check model name: %w", err)
	}
	return nil
}

// UpdateAccessLevel changes who may read a model.
func (m *Manager) UpdateAccessLevel(ctx context.Context, modelID string, level types.AccessLevel, username string) error {
	if !types.ValidAccessLevel(level) {
		return fmt.Errorf("%w: unknown access level %q", ErrInvalidName, level)
	}
	model, err := m.store.GetModel(ctx, modelID)
	if err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}
	if model.AccessLevel == level {
		return nil
	}
	model.AccessLevel = level
	if err := m.store.UpdateModel(ctx, model); err != nil {
		return fmt.Errorf("failed to update access level: %w", err)
	}
	m.audit(ctx, username, "update-access-level", fmt.Sprintf("model %s -> %s", model.Name, level))
	return nil
}

// ModelLogs gathers every log file a model has produced: the training
// log plus one file per deployment allocation.
func (m *Manager) ModelLogs(ctx context.Context, modelID string) (map[string]string, error) {
	if _, err := m.store.GetModel(ctx, modelID); err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}

	dir := m.layout.LogsDir(modelID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("failed to read logs dir: %w", err)
	}

	logs := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read log %s: %w", entry.Name(), err)
		}
		logs[entry.Name()] = string(data)
	}
	return logs, nil
}

// Backup writes a snapshot of every entity plus an artifact manifest
// into the backups directory, returning the backup's path.
func (m *Manager) Backup(ctx context.Context, name, username string) (string, error) {
	if name == "" {
		name = "backup-" + types.NowUTC().Format("20060102-150405")
	}

	models, err := m.store.ListModels(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to list models: %w", err)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })

	payloads := map[string][]byte{}
	if payloads["models.json"], err = json.MarshalIndent(models, "", "  "); err != nil {
		return "", fmt.Errorf("failed to encode models: %w", err)
	}

	var deployments []*types.Deployment
	for _, model := range models {
		ds, err := m.store.ListDeploymentsForModel(ctx, model.ID)
		if err != nil {
			return "", fmt.Errorf("failed to list deployments for %s: %w", model.ID, err)
		}
		deployments = append(deployments, ds...)
	}
	if payloads["deployments.json"], err = json.MarshalIndent(deployments, "", "  "); err != nil {
		return "", fmt.Errorf("failed to encode deployments: %w", err)
	}

	path, err := m.layout.WriteBackup(name, payloads)
	if err != nil {
		return "", fmt.Errorf("failed to write backup: %w", err)
	}

	m.audit(ctx, username, "backup", path)
	m.logger.Info().Str("path", path).Int("models", len(models)).Msg("Backup written")
	return path, nil
}
