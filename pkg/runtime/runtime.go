package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"

	"github.com/loomworks/bazaar/pkg/artifact"
	"github.com/loomworks/bazaar/pkg/auth"
	"github.com/loomworks/bazaar/pkg/client"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/types"
)

// ControlPlane is the slice of the internal API a deployment process
// talks to. *client.Client satisfies it.
type ControlPlane interface {
	FetchPermissions(ctx context.Context, token string) (types.Permissions, error)
	UpdateDeployStatus(ctx context.Context, deploymentID string, status types.DeployStatus, message string) error
	ReportStopped(ctx context.Context, deploymentID string) error
	ActiveDeploymentCount(ctx context.Context, excludeDeploymentID string) (int, error)

	CreateReport(ctx context.Context, modelID string, documents json.RawMessage) (*types.Report, error)
	GetReport(ctx context.Context, id string) (*types.Report, error)
	ListReports(ctx context.Context, modelID string) ([]types.Report, error)
	DeleteReport(ctx context.Context, id string) error
	CreateQuestion(ctx context.Context, modelID, text, defaultUsage string) (*types.Question, error)
	DeleteQuestion(ctx context.Context, id string) error
	AddKeywords(ctx context.Context, questionID string, keywords []string) error
	ListQuestions(ctx context.Context, modelID string) ([]types.Question, error)
}

var _ ControlPlane = (*client.Client)(nil)

// Config carries everything a deployment process needs beyond the
// deployment config file itself. Values come from the job environment;
// the struct keeps the package testable without env access.
type Config struct {
	// ConfigPath is the deployment config file written by the control
	// plane, injected via BAZAAR_DEPLOYMENT_CONFIG.
	ConfigPath string

	// ListenAddr for the local HTTP server.
	ListenAddr string

	// AllocID identifies this replica; it owns one update-log file per
	// stream and one deployment log file.
	AllocID string

	// LocalDir is a host-local scratch directory. The artifact tree is
	// copied here on load so concurrent saves to the shared tree never
	// race a reader.
	LocalDir string

	// IdleTimeout is how long the process waits without a request
	// before asking the control plane whether it should stop.
	IdleTimeout time.Duration

	// PermissionTTL bounds the client-side permission cache.
	PermissionTTL time.Duration

	// LowDiskBytes is the free-space floor below which ingest
	// endpoints refuse writes.
	LowDiskBytes uint64
}

// Runtime is one inference deployment process: an engine for the
// model's type plus the HTTP surface around it.
type Runtime struct {
	cfg    Config
	dep    types.DeploymentConfig
	cp     ControlPlane
	layout *artifact.Layout
	perms  *auth.Cache
	guard  *auth.Guard
	logger zerolog.Logger

	// localDir is where the artifact copy lives after Load.
	localDir string

	// mu serializes engine mutations in non-autoscaled mode. Reads
	// take it too only where the engine itself is not safe for
	// concurrent use.
	mu sync.Mutex

	ndb   NdbEngine
	text  TextEngine
	token TokenEngine

	local *LocalStore
	llm   llms.Model

	// depURL resolves a dependency deployment to a base URL. Composite
	// runtimes use it to fan out.
	depURL func(types.DeploymentDependency) string

	idle *idleTimer
}

// Option adjusts a Runtime beyond the required wiring.
type Option func(*Runtime)

// WithNdbEngine installs the retrieval engine for ndb deployments.
func WithNdbEngine(e NdbEngine) Option { return func(rt *Runtime) { rt.ndb = e } }

// WithTextEngine installs the classifier for nlp-text deployments.
func WithTextEngine(e TextEngine) Option { return func(rt *Runtime) { rt.text = e } }

// WithTokenEngine installs the tagger for nlp-token deployments.
func WithTokenEngine(e TokenEngine) Option { return func(rt *Runtime) { rt.token = e } }

// WithLLM installs the chat completion backend.
func WithLLM(m llms.Model) Option { return func(rt *Runtime) { rt.llm = m } }

// WithDependencyResolver overrides how dependency deployments are
// addressed. The default routes through the control plane's ingress
// path for the dependency's deployment id.
func WithDependencyResolver(f func(types.DeploymentDependency) string) Option {
	return func(rt *Runtime) { rt.depURL = f }
}

// New builds a runtime for the deployment config at cfg.ConfigPath.
// privateBaseURL is where dependency deployments are reachable.
func New(cfg Config, cp ControlPlane, layout *artifact.Layout, privateBaseURL string, opts ...Option) (*Runtime, error) {
	dep, err := LoadDeploymentConfig(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	perms := auth.NewCache(cp, cfg.PermissionTTL)
	rt := &Runtime{
		cfg:    cfg,
		dep:    dep,
		cp:     cp,
		layout: layout,
		perms:  perms,
		guard:  auth.NewGuard(perms),
		logger: log.WithComponent("runtime").With().
			Str("model_id", dep.ModelID).
			Str("deployment_id", dep.DeploymentID).Logger(),
		depURL: func(d types.DeploymentDependency) string {
			return fmt.Sprintf("%s/deployments/%s", privateBaseURL, d.DeploymentID)
		},
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt, nil
}

// LoadDeploymentConfig reads the config file the control plane wrote
// for this deployment.
func LoadDeploymentConfig(path string) (types.DeploymentConfig, error) {
	var dep types.DeploymentConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return dep, fmt.Errorf("failed to read deployment config: %w", err)
	}
	if err := json.Unmarshal(raw, &dep); err != nil {
		return dep, fmt.Errorf("failed to parse deployment config: %w", err)
	}
	if dep.DeploymentID == "" || dep.ModelID == "" {
		return dep, errors.New("deployment config missing deployment_id or model_id")
	}
	return dep, nil
}

// Load copies the artifact tree to the host-local directory and stands
// up the local store. On failure the caller reports deploy failure and
// exits non-zero.
func (rt *Runtime) Load(ctx context.Context) error {
	src := rt.layout.ArtifactDir(rt.dep.ModelID)
	dst := filepath.Join(rt.cfg.LocalDir, rt.dep.DeploymentID)

	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("failed to create local artifact dir: %w", err)
	}
	if err := artifact.CopyTree(src, dst); err != nil {
		return fmt.Errorf("failed to copy artifact: %w", err)
	}
	rt.localDir = dst

	switch rt.dep.ModelType {
	case types.ModelTypeNDB:
		if rt.ndb == nil {
			engine, err := NewKeywordNdb(dst)
			if err != nil {
				return fmt.Errorf("failed to load retrieval engine: %w", err)
			}
			rt.ndb = engine
		}
	case types.ModelTypeNLPText:
		if rt.text == nil {
			engine, err := NewLexiconText(dst)
			if err != nil {
				return fmt.Errorf("failed to load text engine: %w", err)
			}
			rt.text = engine
		}
	case types.ModelTypeNLPToken:
		if rt.token == nil {
			engine, err := NewLexiconToken(dst)
			if err != nil {
				return fmt.Errorf("failed to load token engine: %w", err)
			}
			rt.token = engine
		}
	}

	switch rt.dep.ModelType {
	case types.ModelTypeNDB, types.ModelTypeNLPText, types.ModelTypeNLPToken:
		local, err := OpenLocalStore(rt.layout.LocalStorePath(rt.dep.ModelID))
		if err != nil {
			return fmt.Errorf("failed to open local store: %w", err)
		}
		rt.local = local
	}

	rt.logger.Info().Str("local_dir", dst).Msg("artifact loaded")
	return nil
}

// LocalDir returns where the artifact copy lives.
func (rt *Runtime) LocalDir() string { return rt.localDir }

// Run loads the artifact, reports status, and serves until ctx is
// cancelled or the idle timer stops the process.
func (rt *Runtime) Run(ctx context.Context) error {
	if err := rt.cp.UpdateDeployStatus(ctx, rt.dep.DeploymentID, types.DeployInProgress, "loading artifact"); err != nil {
		rt.logger.Warn().Err(err).Msg("failed to report starting status")
	}

	if err := rt.Load(ctx); err != nil {
		if cbErr := rt.cp.UpdateDeployStatus(ctx, rt.dep.DeploymentID, types.DeployFailed, err.Error()); cbErr != nil {
			rt.logger.Error().Err(cbErr).Msg("failed to report load failure")
		}
		return err
	}

	router, err := rt.Router()
	if err != nil {
		if cbErr := rt.cp.UpdateDeployStatus(ctx, rt.dep.DeploymentID, types.DeployFailed, err.Error()); cbErr != nil {
			rt.logger.Error().Err(cbErr).Msg("failed to report route failure")
		}
		return err
	}

	server := &http.Server{
		Addr:              rt.cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopped := make(chan struct{})
	if rt.cfg.IdleTimeout > 0 {
		rt.idle = newIdleTimer(rt.cfg.IdleTimeout, func() bool {
			return rt.idleFired(stopped)
		})
		defer rt.idle.Stop()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()

	if err := rt.cp.UpdateDeployStatus(ctx, rt.dep.DeploymentID, types.DeployComplete, ""); err != nil {
		rt.logger.Warn().Err(err).Msg("failed to report ready status")
	}
	rt.logger.Info().Str("addr", rt.cfg.ListenAddr).Msg("deployment serving")

	select {
	case <-ctx.Done():
	case <-stopped:
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("deployment server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn().Err(err).Msg("server shutdown")
	}
	if rt.local != nil {
		if err := rt.local.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("local store close")
		}
	}
	return nil
}

// idleFired runs when no request arrived for the idle window. Returns
// true when the timer should re-arm, false when the process is going
// down.
func (rt *Runtime) idleFired(stopped chan struct{}) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// This deployment reported itself complete at startup, so it must
	// be excluded from the count or it would keep itself alive forever.
	count, err := rt.cp.ActiveDeploymentCount(ctx, rt.dep.DeploymentID)
	if err != nil {
		rt.logger.Warn().Err(err).Msg("idle check failed, staying up")
		return true
	}
	if count > 0 {
		return true
	}

	rt.logger.Info().Msg("no active deployments remain, stopping")
	if err := rt.cp.ReportStopped(ctx, rt.dep.DeploymentID); err != nil {
		rt.logger.Error().Err(err).Msg("failed to report stopped")
		return true
	}
	close(stopped)
	return false
}
