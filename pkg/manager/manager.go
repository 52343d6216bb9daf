package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loomworks/bazaar/pkg/artifact"
	"github.com/loomworks/bazaar/pkg/cluster"
	"github.com/loomworks/bazaar/pkg/events"
	"github.com/loomworks/bazaar/pkg/license"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

// Operation errors the API layer translates into HTTP classes.
var (
	// ErrDuplicateModel means a model with that (owner, name) already
	// exists.
	ErrDuplicateModel = errors.New("model already exists")

	// ErrInvalidName means a name fails the allowed-character check.
	ErrInvalidName = errors.New("name may only contain letters, digits, underscores and hyphens")

	// ErrHasDependents refuses deletion of a model other models still use.
	ErrHasDependents = errors.New("model is used by other models")

	// ErrNotTrained refuses deploy/retrain of a model without a completed
	// training.
	ErrNotTrained = errors.New("model training is not complete")

	// ErrResourceLimit means the license or concurrent-job quota blocks a
	// new job.
	ErrResourceLimit = errors.New("resource limit reached")

	// ErrNotDeployed means an operation needs an active deployment and
	// none exists.
	ErrNotDeployed = errors.New("model is not deployed")
)

// Jobs is the slice of the cluster driver the manager uses.
type Jobs interface {
	Submit(ctx context.Context, kind types.JobKind, vars cluster.TemplateVars) (string, error)
	Exists(ctx context.Context, jobID string) (bool, error)
	Stop(ctx context.Context, jobID string) error
	JobCount(ctx context.Context) (int, error)
}

// Licensor verifies the installed license and returns its grants.
type Licensor interface {
	Verify() (license.Entitlements, error)
}

// Config carries the manager's slice of the platform configuration.
type Config struct {
	DockerRegistry string
	DockerImage    string
	DockerTag      string
	ShareDir       string
	PrivateBaseURL string
	TaskToken      string
	ExtraJobEnv    []string
}

// Manager is the orchestration core: it owns every model and deployment
// state transition, submitting cluster jobs and recording outcomes.
type Manager struct {
	store    store.Store
	jobs     Jobs
	layout   *artifact.Layout
	licensor Licensor
	broker   *events.Broker
	cfg      Config
	logger   zerolog.Logger
}

// New creates a Manager. The broker may be nil in tests; events are then
// dropped.
func New(st store.Store, jobs Jobs, layout *artifact.Layout, licensor Licensor, broker *events.Broker, cfg Config) *Manager {
	return &Manager{
		store:    st,
		jobs:     jobs,
		layout:   layout,
		licensor: licensor,
		broker:   broker,
		cfg:      cfg,
		logger:   log.WithComponent("manager"),
	}
}

// templateVars assembles the fixed substitution set for a job.
func (m *Manager) templateVars(jobID, modelID, deploymentID string, memoryMB, asMin, asMax int) cluster.TemplateVars {
	return cluster.TemplateVars{
		JobID:          jobID,
		ModelID:        modelID,
		DeploymentID:   deploymentID,
		DockerRegistry: m.cfg.DockerRegistry,
		DockerImage:    m.cfg.DockerImage,
		DockerTag:      m.cfg.DockerTag,
		ShareDir:       m.cfg.ShareDir,
		PrivateBaseURL: m.cfg.PrivateBaseURL,
		TaskToken:      m.cfg.TaskToken,
		MemoryMB:       memoryMB,
		AutoscalingMin: asMin,
		AutoscalingMax: asMax,
		ExtraEnv:       m.cfg.ExtraJobEnv,
	}
}

// gateJob enforces license validity and the concurrent-job quota. Runs
// first after input validation on every job-submitting operation.
func (m *Manager) gateJob(ctx context.Context) error {
	grant, err := m.licensor.Verify()
	if err != nil {
		m.publish(events.EventLicenseRejected, "", "", err.Error())
		return fmt.Errorf("%w: %v", ErrResourceLimit, err)
	}

	running, err := m.jobs.JobCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count scheduler jobs: %w", err)
	}
	if running >= grant.MaxConcurrentJobs {
		return fmt.Errorf("%w: %d of %d concurrent jobs in use", ErrResourceLimit, running, grant.MaxConcurrentJobs)
	}
	return nil
}

func (m *Manager) publish(eventType events.EventType, modelID, username, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:      eventType,
		Timestamp: types.NowUTC(),
		ModelID:   modelID,
		Username:  username,
		Message:   message,
	})
}

// audit records a user action. Audit failures are logged, never fatal; the
// action itself already committed.
func (m *Manager) audit(ctx context.Context, username, action, detail string) {
	err := m.store.AppendAudit(ctx, &types.AuditEntry{
		ID:       uuid.New().String(),
		Username: username,
		Action:   action,
		Detail:   detail,
	})
	if err != nil {
		m.logger.Warn().Err(err).Str("action", action).Msg("Failed to append audit entry")
	}
}
