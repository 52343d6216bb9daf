package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/loomworks/bazaar/pkg/events"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

// DeployRequest describes a deployment submission.
type DeployRequest struct {
	ModelID            string
	Name               string
	UserID             string
	Username           string
	AutoscalingEnabled bool
	AutoscalingMin     int
	AutoscalingMax     int
	MemoryMB           int
}

// Deploy starts serving a trained model. Deploying an already-deployed
// model returns the existing active deployment unchanged. Composite
// models deploy their dependencies first.
func (m *Manager) Deploy(ctx context.Context, req DeployRequest) (*types.Deployment, error) {
	model, err := m.store.GetModel(ctx, req.ModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to load model: %w", err)
	}
	if model.TrainStatus != types.TrainComplete {
		return nil, fmt.Errorf("%w: %s", ErrNotTrained, model.Name)
	}

	if existing, err := m.store.GetActiveDeployment(ctx, req.ModelID); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check active deployment: %w", err)
	}

	if err := m.gateJob(ctx); err != nil {
		return nil, err
	}

	// Dependencies serve before the composite that fans out to them.
	var dependencies []types.DeploymentDependency
	depIDs, err := m.store.ListDependencies(ctx, req.ModelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependencies: %w", err)
	}
	for _, depID := range depIDs {
		depModel, err := m.store.GetModel(ctx, depID)
		if err != nil {
			return nil, fmt.Errorf("failed to load dependency %s: %w", depID, err)
		}
		depDeployment, err := m.Deploy(ctx, DeployRequest{
			ModelID:  depID,
			UserID:   req.UserID,
			Username: req.Username,
			MemoryMB: req.MemoryMB,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to deploy dependency %s: %w", depModel.Name, err)
		}
		dependencies = append(dependencies, types.DeploymentDependency{
			ModelID:      depID,
			ModelType:    depModel.Type,
			DeploymentID: depDeployment.ID,
		})
	}

	deployment := &types.Deployment{
		ID:                 uuid.New().String(),
		ModelID:            req.ModelID,
		Name:               req.Name,
		UserID:             req.UserID,
		Status:             types.DeployStarting,
		AutoscalingEnabled: req.AutoscalingEnabled,
		AutoscalingMin:     req.AutoscalingMin,
		AutoscalingMax:     req.AutoscalingMax,
		MemoryMB:           req.MemoryMB,
	}
	if err := m.store.CreateDeployment(ctx, deployment); err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	if err := m.writeDeploymentConfig(model, deployment, dependencies); err != nil {
		m.failDeployment(ctx, deployment.ID, err)
		return nil, err
	}

	asMin, asMax := 1, 1
	if req.AutoscalingEnabled {
		asMin, asMax = req.AutoscalingMin, req.AutoscalingMax
	}
	vars := m.templateVars(types.DeployJobID(req.ModelID), req.ModelID, deployment.ID, req.MemoryMB, asMin, asMax)
	if _, err := m.jobs.Submit(ctx, types.JobDeploy, vars); err != nil {
		m.failDeployment(ctx, deployment.ID, err)
		return nil, fmt.Errorf("failed to submit deployment job: %w", err)
	}

	m.publish(events.EventDeployStarted, req.ModelID, req.Username, "")
	m.audit(ctx, req.Username, "deploy", fmt.Sprintf("model %s deployment %s", model.Name, deployment.ID))
	m.logger.Info().
		Str("model_id", req.ModelID).
		Str("deployment_id", deployment.ID).
		Bool("autoscaling", req.AutoscalingEnabled).
		Msg("Deployment job submitted")
	return deployment, nil
}

// writeDeploymentConfig places the runtime's startup config inside the
// deployment's data directory, where the job template points
// BAZAAR_DEPLOYMENT_CONFIG.
func (m *Manager) writeDeploymentConfig(model *types.Model, d *types.Deployment, deps []types.DeploymentDependency) error {
	cfg := types.DeploymentConfig{
		DeploymentID:       d.ID,
		ModelID:            model.ID,
		ModelType:          model.Type,
		ModelSubtype:       model.Subtype,
		AutoscalingEnabled: d.AutoscalingEnabled,
		Dependencies:       deps,
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode deployment config: %w", err)
	}

	dir := m.layout.DataDir(d.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create deployment data dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "deployment.json"), data, 0o644); err != nil {
		return fmt.Errorf("failed to write deployment config: %w", err)
	}
	return nil
}

func (m *Manager) failDeployment(ctx context.Context, deploymentID string, cause error) {
	if err := m.store.UpdateDeploymentStatus(ctx, deploymentID, types.DeployFailed, cause.Error()); err != nil {
		m.logger.Error().Err(err).Str("deployment_id", deploymentID).Msg("Failed to mark deployment failed")
	}
	m.publish(events.EventDeployFailed, "", "", cause.Error())
}

// Undeploy stops a model's active deployment. If the scheduler refuses
// the stop, the deployment keeps its status and the error surfaces.
// Dependencies are undeployed when their live reference count reaches
// zero after removing this composite's reference.
func (m *Manager) Undeploy(ctx context.Context, modelID, username string) error {
	deployment, err := m.store.GetActiveDeployment(ctx, modelID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotDeployed
		}
		return fmt.Errorf("failed to find active deployment: %w", err)
	}

	if err := m.jobs.Stop(ctx, types.DeployJobID(modelID)); err != nil {
		return fmt.Errorf("failed to stop deployment job: %w", err)
	}
	if err := m.store.UpdateDeploymentStatus(ctx, deployment.ID, types.DeployStopped, ""); err != nil {
		return fmt.Errorf("failed to mark deployment stopped: %w", err)
	}

	m.publish(events.EventDeployStopped, modelID, username, "")
	m.audit(ctx, username, "undeploy", fmt.Sprintf("model %s deployment %s", modelID, deployment.ID))

	depIDs, err := m.store.ListDependencies(ctx, modelID)
	if err != nil {
		return fmt.Errorf("failed to list dependencies: %w", err)
	}
	for _, depID := range depIDs {
		live, err := m.liveReferenceCount(ctx, depID, modelID)
		if err != nil {
			return err
		}
		if live > 0 {
			continue
		}
		if err := m.Undeploy(ctx, depID, username); err != nil && !errors.Is(err, ErrNotDeployed) {
			return fmt.Errorf("failed to undeploy dependency %s: %w", depID, err)
		}
	}
	return nil
}

// liveReferenceCount counts actively-deployed models that depend on
// modelID, excluding the one currently being undeployed.
func (m *Manager) liveReferenceCount(ctx context.Context, modelID, excluding string) (int, error) {
	dependents, err := m.store.ListDependents(ctx, modelID)
	if err != nil {
		return 0, fmt.Errorf("failed to list dependents of %s: %w", modelID, err)
	}

	live := 0
	for _, id := range dependents {
		if id == excluding {
			continue
		}
		count, err := m.store.CountActiveDeployments(ctx, id, "")
		if err != nil {
			return 0, fmt.Errorf("failed to count deployments of %s: %w", id, err)
		}
		if count > 0 {
			live++
		}
	}
	return live, nil
}

// DeployCallback applies a status report from a deployment process.
// Idempotent: re-reporting the current status is a no-op.
func (m *Manager) DeployCallback(ctx context.Context, deploymentID string, status types.DeployStatus, message string) error {
	deployment, err := m.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to load deployment: %w", err)
	}
	if deployment.Status == status {
		return nil
	}

	if err := m.store.UpdateDeploymentStatus(ctx, deploymentID, status, message); err != nil {
		return fmt.Errorf("failed to update deployment status: %w", err)
	}

	switch status {
	case types.DeployComplete:
		m.publish(events.EventDeployComplete, deployment.ModelID, "", message)
	case types.DeployFailed:
		m.publish(events.EventDeployFailed, deployment.ModelID, "", message)
	case types.DeployStopped:
		m.publish(events.EventDeployStopped, deployment.ModelID, "", message)
	}
	m.logger.Info().
		Str("deployment_id", deploymentID).
		Str("status", string(status)).
		Msg("Deployment status updated")
	return nil
}

// DeploymentStopped handles a runtime that shut itself down, typically
// after its idle timer fired. The cluster job is stopped so the scheduler
// does not restart the exited process.
func (m *Manager) DeploymentStopped(ctx context.Context, deploymentID string) error {
	deployment, err := m.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return fmt.Errorf("failed to load deployment: %w", err)
	}

	if err := m.jobs.Stop(ctx, types.DeployJobID(deployment.ModelID)); err != nil {
		return fmt.Errorf("failed to stop deployment job: %w", err)
	}
	if deployment.Status != types.DeployStopped {
		if err := m.store.UpdateDeploymentStatus(ctx, deploymentID, types.DeployStopped, "idle shutdown"); err != nil {
			return fmt.Errorf("failed to mark deployment stopped: %w", err)
		}
		m.publish(events.EventDeployStopped, deployment.ModelID, "", "idle shutdown")
	}
	return nil
}

// DeployStatus returns the model's active deployment, or its most recent
// one when nothing is live.
func (m *Manager) DeployStatus(ctx context.Context, modelID string) (*types.Deployment, error) {
	deployment, err := m.store.GetActiveDeployment(ctx, modelID)
	if err == nil {
		return deployment, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to find active deployment: %w", err)
	}

	all, err := m.store.ListDeploymentsForModel(ctx, modelID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	if len(all) == 0 {
		return nil, ErrNotDeployed
	}
	return all[len(all)-1], nil
}

// ActiveDeploymentCount reports how many deployments are live for a
// model. Idle runtimes consult this before shutting themselves down,
// passing their own deployment id as excludeID so their own row never
// keeps them alive.
func (m *Manager) ActiveDeploymentCount(ctx context.Context, modelID, excludeID string) (int, error) {
	return m.store.CountActiveDeployments(ctx, modelID, excludeID)
}

// AppendDeployLog appends a line from a deployment process to the
// model's deployment log file.
func (m *Manager) AppendDeployLog(ctx context.Context, modelID, allocID, line string) error {
	if _, err := m.store.GetModel(ctx, modelID); err != nil {
		return fmt.Errorf("failed to load model: %w", err)
	}

	path := m.layout.DeploymentLogPath(modelID, allocID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open deployment log: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("failed to append deployment log: %w", err)
	}
	return nil
}
