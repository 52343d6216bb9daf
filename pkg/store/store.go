package store

import (
	"context"
	"errors"
	"time"

	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/types"
)

var (
	// ErrNotFound means the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate means a uniqueness constraint was violated.
	ErrDuplicate = errors.New("already exists")

	// ErrStaleLease means a report completion carried an attempt number
	// that no longer matches the row; another worker owns the lease.
	ErrStaleLease = errors.New("stale report lease")
)

// Report queue constants. A report is leased for ReportTimeout per attempt
// and abandoned after MaxReportAttempts failed leases.
const (
	MaxReportAttempts = 3
	ReportTimeout     = 10 * time.Minute
)

// Store is the typed persistence interface for all control-plane entities.
// Every query the platform issues is a method here; callers never see SQL.
type Store interface {
	// WithTx runs fn inside one transaction. The Store passed to fn is
	// bound to that transaction; an error rolls everything back.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// Users
	CreateUser(ctx context.Context, user *types.User) error
	GetUser(ctx context.Context, id string) (*types.User, error)
	GetUserByUsername(ctx context.Context, username string) (*types.User, error)
	GetUserByEmail(ctx context.Context, email string) (*types.User, error)
	UpdateUser(ctx context.Context, user *types.User) error
	DeleteUser(ctx context.Context, id string) error

	// Teams
	CreateTeam(ctx context.Context, team *types.Team) error
	GetTeam(ctx context.Context, id string) (*types.Team, error)
	DeleteTeam(ctx context.Context, id string) error
	UpsertTeamMembership(ctx context.Context, m *types.TeamMembership) error
	RemoveTeamMembership(ctx context.Context, userID, teamID string) error
	ListTeamsForUser(ctx context.Context, userID string) ([]*types.TeamMembership, error)
	SharesTeam(ctx context.Context, userA, userB string) (bool, error)

	// Models
	CreateModel(ctx context.Context, model *types.Model) error
	GetModel(ctx context.Context, id string) (*types.Model, error)
	GetModelByOwnerName(ctx context.Context, ownerID, name string) (*types.Model, error)
	ListModelsForOwner(ctx context.Context, ownerID string) ([]*types.Model, error)
	ListModels(ctx context.Context) ([]*types.Model, error)
	UpdateModel(ctx context.Context, model *types.Model) error
	DeleteModel(ctx context.Context, id string) error
	AddModelDependency(ctx context.Context, modelID, dependsOn string) error
	RemoveModelDependency(ctx context.Context, modelID, dependsOn string) error
	ListDependencies(ctx context.Context, modelID string) ([]string, error)
	ListDependents(ctx context.Context, modelID string) ([]string, error)

	// Deployments
	CreateDeployment(ctx context.Context, d *types.Deployment) error
	GetDeployment(ctx context.Context, id string) (*types.Deployment, error)
	GetActiveDeployment(ctx context.Context, modelID string) (*types.Deployment, error)
	ListActiveDeployments(ctx context.Context) ([]*types.Deployment, error)
	ListDeploymentsForModel(ctx context.Context, modelID string) ([]*types.Deployment, error)
	CountActiveDeployments(ctx context.Context, modelID, excludeID string) (int, error)
	UpdateDeploymentStatus(ctx context.Context, id string, status types.DeployStatus, msg string) error

	// Reports
	CreateReport(ctx context.Context, report *types.Report) error
	GetReport(ctx context.Context, id string) (*types.Report, error)
	ListReports(ctx context.Context, modelID string) ([]*types.Report, error)
	DeleteReport(ctx context.Context, id string) error
	// ClaimNextReport leases the oldest claimable report: queued, or
	// in_progress with an expired lease and attempts remaining. Returns
	// ErrNotFound when nothing is claimable.
	ClaimNextReport(ctx context.Context, workerID string) (*types.Report, error)
	// CompleteReport finishes a lease. The attempt must match the row or
	// ErrStaleLease is returned.
	CompleteReport(ctx context.Context, id string, attempt int, status types.ReportStatus, msg string, result []byte) error
	// ResetReport re-queues a report regardless of state. Operator action.
	ResetReport(ctx context.Context, id string) error

	// Questions
	CreateQuestion(ctx context.Context, q *types.Question) error
	ListQuestions(ctx context.Context, modelID string) ([]*types.Question, error)
	DeleteQuestion(ctx context.Context, id string) error
	AddKeywords(ctx context.Context, questionID string, keywords []string) error

	// API keys
	CreateAPIKey(ctx context.Context, key *types.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*types.APIKey, error)

	// Audit trail
	AppendAudit(ctx context.Context, entry *types.AuditEntry) error
	ListAuditForUser(ctx context.Context, username string, limit int) ([]*types.AuditEntry, error)

	// Secrets
	UpsertSecret(ctx context.Context, secret *types.Secret) error
	GetSecret(ctx context.Context, name string) (*types.Secret, error)

	// Metrics
	CountSnapshot(ctx context.Context) (metrics.Snapshot, error)
}
