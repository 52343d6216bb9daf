package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/loomworks/bazaar/pkg/artifact"
	"github.com/loomworks/bazaar/pkg/auth"
	"github.com/loomworks/bazaar/pkg/config"
	"github.com/loomworks/bazaar/pkg/events"
	"github.com/loomworks/bazaar/pkg/log"
	"github.com/loomworks/bazaar/pkg/manager"
	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/reports"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
	"github.com/loomworks/bazaar/pkg/vault"
)

// Server is the control-plane HTTP API: the public surface under /api/
// and the internal callback surface under /api/v1/internal/ that job
// runtimes and report workers authenticate to with the task-runner token.
type Server struct {
	cfg     *config.Config
	store   store.Store
	manager *manager.Manager
	reports *reports.Service
	issuer  *auth.Issuer
	vault   *vault.Vault
	layout  *artifact.Layout
	broker  *events.Broker
	logger  zerolog.Logger

	httpSrv *http.Server
	stopCh  chan struct{}
}

// NewServer wires the API over its collaborators. The vault may be nil
// when no vault key is configured; secret endpoints then return 400.
func NewServer(cfg *config.Config, st store.Store, mgr *manager.Manager, reps *reports.Service, issuer *auth.Issuer, v *vault.Vault, layout *artifact.Layout, broker *events.Broker) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		manager: mgr,
		reports: reps,
		issuer:  issuer,
		vault:   v,
		layout:  layout,
		broker:  broker,
		logger:  log.WithComponent("api"),
		stopCh:  make(chan struct{}),
	}
}

// Router assembles the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverPanics)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", auth.HeaderAPIKey},
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(s.instrument)

		// Credential bootstrap; no bearer token exists yet.
		r.Post("/user/email-signup-basic", s.handleSignup)
		r.Post("/user/email-verify", s.handleVerify)
		r.Get("/user/email-login", s.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Post("/user/add-global-admin", s.handleAddGlobalAdmin)
			r.Delete("/user/delete-user", s.handleDeleteUser)
			r.Post("/user/create-api-key", s.handleCreateAPIKey)

			r.Post("/team/create-team", s.handleCreateTeam)
			r.Post("/team/add-user-to-team", s.handleAddUserToTeam)
			r.Post("/team/remove-user-from-team", s.handleRemoveUserFromTeam)
			r.Post("/team/assign-team-admin", s.handleAssignTeamAdmin)
			r.Delete("/team/delete-team", s.handleDeleteTeam)

			r.Post("/train/ndb", s.handleTrainNDB)
			r.Post("/train/udt", s.handleTrainUDT)
			r.Post("/train/complete", s.handleTrainComplete)
			r.Post("/train/update-status", s.handleTrainUpdateStatus)
			r.Get("/train/status", s.handleTrainStatus)
			r.Get("/train/logs", s.handleTrainLogs)

			r.Post("/deploy/run", s.handleDeployRun)
			r.Post("/deploy/stop", s.handleDeployStop)
			r.Get("/deploy/status", s.handleDeployStatus)
			r.Post("/deploy/complete", s.handleDeployComplete)
			r.Post("/deploy/log", s.handleDeployLog)

			r.Post("/model/delete", s.handleModelDelete)
			r.Post("/model/save-deployed", s.handleSaveDeployed)
			r.Get("/model/name-check", s.handleNameCheck)
			r.Post("/model/update-access-level", s.handleUpdateAccessLevel)
			r.Get("/model/logs", s.handleModelLogs)

			r.Post("/workflow/enterprise-search", s.handleWorkflowEnterpriseSearch)
			r.Post("/workflow/knowledge-extraction", s.handleWorkflowKnowledgeExtraction)
			r.Post("/workflow/create", s.handleWorkflowCreate)
			r.Post("/workflow/add-models", s.handleWorkflowAddModels)
			r.Post("/workflow/delete-models", s.handleWorkflowDeleteModels)
			r.Post("/workflow/start", s.handleWorkflowStart)
			r.Post("/workflow/stop", s.handleWorkflowStop)
			r.Post("/workflow/validate", s.handleWorkflowValidate)
			r.Post("/workflow/delete", s.handleWorkflowDelete)

			r.Post("/recovery/backup", s.handleBackup)
			r.Post("/report/reset", s.handleReportReset)

			r.Post("/vault/add-secret", s.handleAddSecret)
			r.Get("/vault/get-secret", s.handleGetSecret)
		})

		r.Route("/v1/internal", func(r chi.Router) {
			r.Use(s.requireTaskToken)

			r.Get("/permissions", s.handlePermissions)
			r.Post("/train/update-status", s.handleInternalTrainStatus)
			r.Post("/deploy/update-status", s.handleInternalDeployStatus)
			r.Post("/deploy/stopped", s.handleInternalDeployStopped)
			r.Get("/deploy/active-count", s.handleInternalActiveCount)

			r.Post("/report/claim", s.handleReportClaim)
			r.Post("/report/complete", s.handleReportComplete)
			r.Post("/report/create", s.handleReportCreate)
			r.Get("/report/{id}", s.handleReportGet)
			r.Delete("/report/{id}", s.handleReportDelete)
			r.Get("/reports", s.handleReportList)

			r.Get("/questions", s.handleQuestionList)
			r.Post("/questions", s.handleQuestionCreate)
			r.Delete("/questions/{id}", s.handleQuestionDelete)
			r.Post("/questions/{id}/keywords", s.handleQuestionKeywords)
		})
	})

	return r
}

// Start seeds the admin account, begins event logging, and serves until
// Stop is called or the listener fails.
func (s *Server) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.ensureAdmin(ctx); err != nil {
		return fmt.Errorf("failed to ensure admin account: %w", err)
	}

	go s.watchEvents()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("Control plane listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ensureAdmin creates the configured bootstrap admin when no account
// with that username exists yet. Pre-verified: there is nobody to run
// the verification flow against an empty install.
func (s *Server) ensureAdmin(ctx context.Context) error {
	if s.cfg.AdminUsername == "" || s.cfg.AdminPassword == "" {
		return nil
	}
	if _, err := s.store.GetUserByUsername(ctx, s.cfg.AdminUsername); err == nil {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(s.cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash admin password: %w", err)
	}
	user := &types.User{
		ID:           uuid.New().String(),
		Username:     s.cfg.AdminUsername,
		Email:        s.cfg.AdminEmail,
		PasswordHash: string(hash),
		GlobalAdmin:  true,
		Verified:     true,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return err
	}
	s.logger.Info().Str("username", user.Username).Msg("Bootstrap admin created")
	return nil
}

// watchEvents mirrors the lifecycle event stream into the server log.
// The durable record is the audit table; this is for operators tailing
// the process.
func (s *Server) watchEvents() {
	if s.broker == nil {
		return
	}
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.logger.Info().
				Str("event", string(ev.Type)).
				Str("model_id", ev.ModelID).
				Str("username", ev.Username).
				Str("message", ev.Message).
				Msg("Lifecycle event")
		case <-s.stopCh:
			return
		}
	}
}
