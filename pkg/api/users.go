package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/loomworks/bazaar/pkg/auth"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

type signupRequest struct {
	Username string `json:"username" validate:"required,min=2,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// handleSignup creates an unverified account. The verification nonce is
// returned directly; mail delivery is an integration concern outside
// the platform.
func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.fail(w, err)
		return
	}
	user := &types.User{
		ID:                uuid.New().String(),
		Username:          req.Username,
		Email:             req.Email,
		PasswordHash:      string(hash),
		VerificationNonce: uuid.New().String(),
	}
	if err := s.store.CreateUser(r.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.fail(w, Conflict("username or email already registered"))
			return
		}
		s.fail(w, err)
		return
	}

	s.logger.Info().Str("username", user.Username).Msg("User signed up")
	respond(w, http.StatusOK, map[string]string{
		"user_id":            user.ID,
		"verification_nonce": user.VerificationNonce,
	})
}

type verifyRequest struct {
	Email string `json:"email" validate:"required,email"`
	Nonce string `json:"nonce" validate:"required"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		s.fail(w, err)
		return
	}
	if user.Verified {
		respondMsg(w, http.StatusOK, "already verified", nil)
		return
	}
	if user.VerificationNonce == "" ||
		subtle.ConstantTimeCompare([]byte(user.VerificationNonce), []byte(req.Nonce)) != 1 {
		s.fail(w, Validation("invalid verification nonce"))
		return
	}

	user.Verified = true
	user.VerificationNonce = ""
	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		s.fail(w, err)
		return
	}
	respondMsg(w, http.StatusOK, "email verified", nil)
}

// handleLogin exchanges HTTP Basic credentials (email + password) for a
// session JWT.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	email, password, ok := r.BasicAuth()
	if !ok {
		s.fail(w, Unauthorized("basic auth required"))
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.fail(w, Unauthorized("invalid credentials"))
			return
		}
		s.fail(w, err)
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.fail(w, Unauthorized("invalid credentials"))
		return
	}
	if !user.Verified {
		s.fail(w, Forbidden("email not verified"))
		return
	}

	token, err := s.issuer.Issue(user.Username, auth.DefaultTokenTTL)
	if err != nil {
		s.fail(w, err)
		return
	}
	respond(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"username":     user.Username,
		"global_admin": user.GlobalAdmin,
	})
}

type adminRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (s *Server) handleAddGlobalAdmin(w http.ResponseWriter, r *http.Request) {
	if _, err := requireAdmin(r.Context()); err != nil {
		s.fail(w, err)
		return
	}
	var req adminRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil {
		s.fail(w, err)
		return
	}
	user.GlobalAdmin = true
	if err := s.store.UpdateUser(r.Context(), user); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "add-global-admin", user.Username)
	respondMsg(w, http.StatusOK, "admin granted", nil)
}

type deleteUserRequest struct {
	Username string `json:"username" validate:"required"`
}

// handleDeleteUser removes an account. Users may delete themselves;
// removing anyone else requires global admin.
func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	var req deleteUserRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	me := caller(r.Context())
	if me.Username != req.Username && !me.GlobalAdmin {
		s.fail(w, Forbidden("cannot delete another user"))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), req.Username)
	if err != nil {
		s.fail(w, err)
		return
	}
	if err := s.store.DeleteUser(r.Context(), user.ID); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "delete-user", req.Username)
	respondMsg(w, http.StatusOK, "user deleted", nil)
}

type createAPIKeyRequest struct {
	Name       string `json:"name" validate:"required,min=1,max=64"`
	ExpiryDays int    `json:"expiry_days" validate:"omitempty,min=1,max=3650"`
}

// handleCreateAPIKey mints a long-lived credential for the caller. The
// raw key appears in this response only; the store keeps its hash.
func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := decode(r, &req); err != nil {
		s.fail(w, err)
		return
	}

	key, hash, err := auth.GenerateAPIKey()
	if err != nil {
		s.fail(w, err)
		return
	}
	row := &types.APIKey{
		ID:      uuid.New().String(),
		Name:    req.Name,
		UserID:  caller(r.Context()).ID,
		KeyHash: hash,
	}
	if req.ExpiryDays > 0 {
		row.ExpiresAt = time.Now().UTC().AddDate(0, 0, req.ExpiryDays)
	}
	if err := s.store.CreateAPIKey(r.Context(), row); err != nil {
		s.fail(w, err)
		return
	}
	s.audit(r, "create-api-key", req.Name)
	respond(w, http.StatusOK, map[string]any{
		"key_id":  row.ID,
		"api_key": key,
	})
}

// audit records a user action in the durable trail. Failures are logged
// and swallowed; the primary operation already succeeded.
func (s *Server) audit(r *http.Request, action, detail string) {
	entry := &types.AuditEntry{
		ID:       uuid.New().String(),
		Username: auth.UsernameFrom(r.Context()),
		Action:   action,
		Detail:   detail,
	}
	if err := s.store.AppendAudit(r.Context(), entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("Failed to append audit entry")
	}
}
