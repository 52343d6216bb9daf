package types

import (
	"regexp"
	"time"
)

// nameRE is the character set allowed for user-facing names (models,
// deployments, teams, secrets). Names are path and shell safe by
// construction so they can appear in job specs and directory layouts.
var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidName reports whether s is a legal entity name.
func ValidName(s string) bool {
	return s != "" && nameRE.MatchString(s)
}

// NowUTC returns the current time in UTC truncated to microseconds, the
// precision persisted by the store. All entity timestamps go through this
// so round-trips compare equal.
func NowUTC() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// User is a platform account.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string
	GlobalAdmin  bool
	Verified     bool
	// VerificationNonce is set while email verification is pending and
	// cleared on first use.
	VerificationNonce string
	CreatedAt         time.Time
}

// Team groups users for shared model access.
type Team struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// TeamRole defines a user's standing within a team.
type TeamRole string

const (
	TeamRoleMember TeamRole = "member"
	TeamRoleAdmin  TeamRole = "team_admin"
)

// TeamMembership links a user to a team with a role.
type TeamMembership struct {
	UserID string
	TeamID string
	Role   TeamRole
}

// ModelType identifies the kind of artifact a model row describes.
type ModelType string

const (
	ModelTypeNDB                 ModelType = "ndb"
	ModelTypeNLPText             ModelType = "nlp-text"
	ModelTypeNLPToken            ModelType = "nlp-token"
	ModelTypeEnterpriseSearch    ModelType = "enterprise-search"
	ModelTypeKnowledgeExtraction ModelType = "knowledge-extraction"
)

// ValidModelType reports whether t is one of the supported model types.
func ValidModelType(t ModelType) bool {
	switch t {
	case ModelTypeNDB, ModelTypeNLPText, ModelTypeNLPToken,
		ModelTypeEnterpriseSearch, ModelTypeKnowledgeExtraction:
		return true
	}
	return false
}

// Composite reports whether the type is assembled from dependency models
// rather than trained directly.
func (t ModelType) Composite() bool {
	return t == ModelTypeEnterpriseSearch
}

// TrainStatus tracks a model through its training lifecycle.
type TrainStatus string

const (
	TrainNotStarted TrainStatus = "not_started"
	TrainInProgress TrainStatus = "in_progress"
	TrainComplete   TrainStatus = "complete"
	TrainFailed     TrainStatus = "failed"
)

// Terminal reports whether no further training transitions are expected.
func (s TrainStatus) Terminal() bool {
	return s == TrainComplete || s == TrainFailed
}

// DeployStatus tracks a deployment through its lifecycle.
type DeployStatus string

const (
	DeployNotStarted DeployStatus = "not_started"
	DeployStarting   DeployStatus = "starting"
	DeployInProgress DeployStatus = "in_progress"
	DeployComplete   DeployStatus = "complete"
	DeployStopped    DeployStatus = "stopped"
	DeployFailed     DeployStatus = "failed"
)

// Active reports whether the deployment is expected to have a running job.
func (s DeployStatus) Active() bool {
	switch s {
	case DeployStarting, DeployInProgress, DeployComplete:
		return true
	}
	return false
}

// AccessLevel controls who may read a model besides its owner.
type AccessLevel string

const (
	// AccessPrivate limits the model to its owner and global admins.
	AccessPrivate AccessLevel = "private"
	// AccessProtected extends read access to users sharing a team with
	// the owner.
	AccessProtected AccessLevel = "protected"
	// AccessPublic grants read access to every authenticated user.
	AccessPublic AccessLevel = "public"
)

// ValidAccessLevel reports whether l is a recognized access level.
func ValidAccessLevel(l AccessLevel) bool {
	return l == AccessPrivate || l == AccessProtected || l == AccessPublic
}

// Model is the central entity: one trained (or trainable) artifact plus
// the bookkeeping around it. Attributes carry type-specific metadata the
// control plane does not interpret.
type Model struct {
	ID          string
	Name        string
	Type        ModelType
	Subtype     string
	OwnerID     string
	TrainStatus TrainStatus
	AccessLevel AccessLevel
	// ParentID points at the base model a retrain copied its starting
	// weights from. Parent edges form a DAG.
	ParentID string
	// Hidden models are omitted from public listings but still take part
	// in dependency cascades.
	Hidden     bool
	Attributes map[string]string
	CreatedAt  time.Time
	UpdatedAt  time.Time

	// DependencyIDs lists models this model composes (enterprise-search
	// members, a knowledge-extraction base). Loaded on demand.
	DependencyIDs []string
}

// Deployment is one serving instance of a trained model. Names are unique
// per (model, user).
type Deployment struct {
	ID                 string
	ModelID            string
	Name               string
	UserID             string
	Status             DeployStatus
	Msg                string
	AutoscalingEnabled bool
	AutoscalingMin     int
	AutoscalingMax     int
	MemoryMB           int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ReportStatus tracks a knowledge-extraction report through the queue.
type ReportStatus string

const (
	ReportQueued     ReportStatus = "queued"
	ReportInProgress ReportStatus = "in_progress"
	ReportComplete   ReportStatus = "complete"
	ReportFailed     ReportStatus = "failed"
)

// Report is a unit of knowledge-extraction work processed by the worker
// pool. Documents and Result are opaque JSON kept intact across the queue.
type Report struct {
	ID          string       `json:"id"`
	ModelID     string       `json:"model_id"`
	Status      ReportStatus `json:"status"`
	Attempt     int          `json:"attempt"`
	WorkerID    string       `json:"worker_id,omitempty"`
	Msg         string       `json:"msg,omitempty"`
	Documents   []byte       `json:"documents,omitempty"`
	Result      []byte       `json:"result,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
	// UpdatedAt doubles as the lease stamp: an in_progress report whose
	// UpdatedAt is older than the report timeout is reclaimable.
	UpdatedAt time.Time `json:"updated_at"`
}

// Question is a knowledge-extraction prompt attached to a model.
type Question struct {
	ID           string    `json:"id"`
	ModelID      string    `json:"model_id"`
	Text         string    `json:"text"`
	DefaultUsage string    `json:"default_usage,omitempty"`
	Keywords     []string  `json:"keywords,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// APIKey is a long-lived credential hashed at rest. The raw key is shown
// once at creation.
type APIKey struct {
	ID        string
	Name      string
	UserID    string
	KeyHash   string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// AuditEntry records one user-visible action against the platform.
type AuditEntry struct {
	ID        string
	Username  string
	Action    string
	Detail    string
	CreatedAt time.Time
}

// Secret is an encrypted name/value pair managed through the vault API.
// Ciphertext is AES-256-GCM sealed before it reaches the store.
type Secret struct {
	Name       string
	Ciphertext []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Permissions is the access tuple the runtime caches per caller token.
type Permissions struct {
	Read     bool      `json:"read"`
	Write    bool      `json:"write"`
	Override bool      `json:"override"`
	Username string    `json:"username"`
	Exp      time.Time `json:"exp"`
}

// DeploymentConfig is the file the control plane writes for each
// deployment and the runtime process reads at startup, located through
// BAZAAR_DEPLOYMENT_CONFIG.
type DeploymentConfig struct {
	DeploymentID       string                 `json:"deployment_id"`
	ModelID            string                 `json:"model_id"`
	ModelType          ModelType              `json:"model_type"`
	ModelSubtype       string                 `json:"model_subtype,omitempty"`
	AutoscalingEnabled bool                   `json:"autoscaling_enabled"`
	Dependencies       []DeploymentDependency `json:"dependencies,omitempty"`
}

// DeploymentDependency points a composite runtime at the deployments it
// fans out to.
type DeploymentDependency struct {
	ModelID      string    `json:"model_id"`
	ModelType    ModelType `json:"model_type"`
	DeploymentID string    `json:"deployment_id"`
}

// JobKind names the job templates the cluster driver can render.
type JobKind string

const (
	JobTrain       JobKind = "train"
	JobDeploy      JobKind = "deploy"
	JobDatagen     JobKind = "datagen"
	JobLLMDispatch JobKind = "llm-dispatch"
)

// TrainJobID and DeployJobID derive the scheduler job names for a model or
// deployment. The prefix keeps the two namespaces disjoint on the cluster.
func TrainJobID(modelID string) string  { return "train-" + modelID }
func DeployJobID(modelID string) string { return "deploy-" + modelID }

// DatagenJobID derives the scheduler job name for a synthetic-data run.
func DatagenJobID(modelID string) string { return "datagen-" + modelID }

// Event is a lifecycle notification published on the internal broker.
type Event struct {
	Type      string
	Timestamp time.Time
	ModelID   string
	DeployID  string
	Username  string
	Message   string
	Data      map[string]string
}
