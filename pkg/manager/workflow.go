package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

// ErrWorkflowInvalid means a workflow's member models do not satisfy its
// type's composition rules.
var ErrWorkflowInvalid = errors.New("workflow composition is invalid")

// workflowTypes are the model types assembled from members rather than
// trained directly.
func workflowType(t types.ModelType) bool {
	return t == types.ModelTypeEnterpriseSearch || t == types.ModelTypeKnowledgeExtraction
}

// CreateWorkflow registers a composite model. Workflows carry no training
// of their own; they are complete as soon as their members validate.
func (m *Manager) CreateWorkflow(ctx context.Context, name string, modelType types.ModelType, ownerID, username string) (*types.Model, error) {
	if !types.ValidName(name) {
		return nil, ErrInvalidName
	}
	if !workflowType(modelType) {
		return nil, fmt.Errorf("%w: %q is not a workflow type", ErrInvalidName, modelType)
	}
	if _, err := m.store.GetModelByOwnerName(ctx, ownerID, name); err == nil {
		return nil, fmt.Errorf("%w: model with name %s already exists for user %s",
			ErrDuplicateModel, name, username)
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to check model name: %w", err)
	}

	workflow := &types.Model{
		ID:          uuid.New().String(),
		Name:        name,
		Type:        modelType,
		OwnerID:     ownerID,
		TrainStatus: types.TrainComplete,
		AccessLevel: types.AccessPrivate,
	}
	if err := m.store.CreateModel(ctx, workflow); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	if err := m.layout.EnsureModelDirs(workflow.ID); err != nil {
		return nil, fmt.Errorf("failed to prepare workflow directories: %w", err)
	}

	m.audit(ctx, username, "create-workflow", fmt.Sprintf("workflow %s (%s)", name, workflow.ID))
	return workflow, nil
}

// AddWorkflowModels attaches member models to a workflow.
func (m *Manager) AddWorkflowModels(ctx context.Context, workflowID string, modelIDs []string, username string) error {
	workflow, err := m.loadWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}

	for _, id := range modelIDs {
		member, err := m.store.GetModel(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load member model %s: %w", id, err)
		}
		if workflowType(member.Type) {
			return fmt.Errorf("%w: workflows cannot nest (model %s)", ErrWorkflowInvalid, member.Name)
		}
		if err := m.store.AddModelDependency(ctx, workflowID, id); err != nil {
			return fmt.Errorf("failed to add member %s: %w", id, err)
		}
	}

	m.audit(ctx, username, "workflow-add-models", fmt.Sprintf("workflow %s += %d model(s)", workflow.Name, len(modelIDs)))
	return nil
}

// DeleteWorkflowModels detaches member models. Refused while the workflow
// is deployed; the running composite would lose its fan-out targets.
func (m *Manager) DeleteWorkflowModels(ctx context.Context, workflowID string, modelIDs []string, username string) error {
	workflow, err := m.loadWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if count, err := m.store.CountActiveDeployments(ctx, workflowID, ""); err != nil {
		return fmt.Errorf("failed to count deployments: %w", err)
	} else if count > 0 {
		return fmt.Errorf("%w: stop workflow %s before removing models", ErrWorkflowInvalid, workflow.Name)
	}

	for _, id := range modelIDs {
		if err := m.store.RemoveModelDependency(ctx, workflowID, id); err != nil {
			return fmt.Errorf("failed to remove member %s: %w", id, err)
		}
	}

	m.audit(ctx, username, "workflow-delete-models", fmt.Sprintf("workflow %s -= %d model(s)", workflow.Name, len(modelIDs)))
	return nil
}

// ValidateWorkflow checks a workflow's composition rules:
// enterprise-search needs at least one ndb retriever and at most one
// nlp-token guardrail; knowledge-extraction needs exactly one ndb.
func (m *Manager) ValidateWorkflow(ctx context.Context, workflowID string) error {
	workflow, err := m.loadWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	depIDs, err := m.store.ListDependencies(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}

	counts := map[types.ModelType]int{}
	for _, id := range depIDs {
		member, err := m.store.GetModel(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to load member %s: %w", id, err)
		}
		if member.TrainStatus != types.TrainComplete {
			return fmt.Errorf("%w: member %s is not trained", ErrWorkflowInvalid, member.Name)
		}
		counts[member.Type]++
	}

	switch workflow.Type {
	case types.ModelTypeEnterpriseSearch:
		if counts[types.ModelTypeNDB] < 1 {
			return fmt.Errorf("%w: enterprise-search needs an ndb retriever", ErrWorkflowInvalid)
		}
		if counts[types.ModelTypeNLPToken] > 1 {
			return fmt.Errorf("%w: at most one guardrail model", ErrWorkflowInvalid)
		}
	case types.ModelTypeKnowledgeExtraction:
		if counts[types.ModelTypeNDB] != 1 {
			return fmt.Errorf("%w: knowledge-extraction needs exactly one ndb model", ErrWorkflowInvalid)
		}
	}
	return nil
}

// StartWorkflow validates and deploys a workflow.
func (m *Manager) StartWorkflow(ctx context.Context, workflowID string, req DeployRequest, username string) (*types.Deployment, error) {
	if err := m.ValidateWorkflow(ctx, workflowID); err != nil {
		return nil, err
	}
	req.ModelID = workflowID
	req.Username = username
	return m.Deploy(ctx, req)
}

// StopWorkflow undeploys a workflow, cascading to members whose live
// reference count reaches zero.
func (m *Manager) StopWorkflow(ctx context.Context, workflowID, username string) error {
	if _, err := m.loadWorkflow(ctx, workflowID); err != nil {
		return err
	}
	return m.Undeploy(ctx, workflowID, username)
}

// DeleteWorkflow removes the workflow model. Member models survive; only
// the composition edges go.
func (m *Manager) DeleteWorkflow(ctx context.Context, workflowID, username string) error {
	if _, err := m.loadWorkflow(ctx, workflowID); err != nil {
		return err
	}
	return m.DeleteModel(ctx, workflowID, username)
}

func (m *Manager) loadWorkflow(ctx context.Context, workflowID string) (*types.Model, error) {
	workflow, err := m.store.GetModel(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}
	if !workflowType(workflow.Type) {
		return nil, fmt.Errorf("%w: model %s is not a workflow", ErrWorkflowInvalid, workflow.Name)
	}
	return workflow, nil
}
