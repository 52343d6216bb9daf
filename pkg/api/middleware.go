package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/loomworks/bazaar/pkg/auth"
	"github.com/loomworks/bazaar/pkg/metrics"
	"github.com/loomworks/bazaar/pkg/store"
	"github.com/loomworks/bazaar/pkg/types"
)

type contextKey string

const callerKey contextKey = "bazaar-caller"

// caller returns the authenticated user placed by the authenticate
// middleware. Nil on unauthenticated routes.
func caller(ctx context.Context) *types.User {
	user, _ := ctx.Value(callerKey).(*types.User)
	return user
}

// recoverPanics turns a handler panic into an enveloped 500 instead of
// a dropped connection, keeping the response contract uniform.
func (s *Server) recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.logger.Error().
					Interface("panic", rec).
					Str("path", r.URL.Path).
					Bytes("stack", debug.Stack()).
					Msg("Handler panic")
				respondMsg(w, http.StatusInternalServerError, "internal server error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// instrument records request count and latency per route pattern and
// status class.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		// The route pattern is only known once chi has dispatched, so
		// it is read after the handler returns.
		pattern := chi.RouteContext(r.Context()).RoutePattern()
		class := strconv.Itoa(ww.Status() / 100 * 100)
		metrics.APIRequestsTotal.WithLabelValues(pattern, class).Inc()
		metrics.APIRequestDuration.WithLabelValues(pattern).Observe(time.Since(start).Seconds())
	})
}

// authenticate resolves the caller's credential to a user account. An
// API key short-circuits the JWT path; both land in the same context
// slot.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := s.resolveUser(r)
		if err != nil {
			s.fail(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), callerKey, user)
		ctx = auth.WithUsername(ctx, user.Username)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) resolveUser(r *http.Request) (*types.User, error) {
	ctx := r.Context()

	token := auth.ExtractToken(r)
	if token == "" {
		return nil, Unauthorized("no credentials supplied")
	}

	// Runtimes forward the end user's credential as a Bearer header, so
	// an API key can arrive on either header; the prefix decides.
	if strings.HasPrefix(token, auth.APIKeyPrefix) {
		row, err := s.store.GetAPIKeyByHash(ctx, auth.HashAPIKey(token))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, Unauthorized("unknown api key")
			}
			return nil, err
		}
		if !row.ExpiresAt.IsZero() && row.ExpiresAt.Before(time.Now()) {
			return nil, Unauthorized("api key expired")
		}
		return s.store.GetUser(ctx, row.UserID)
	}
	username, err := s.issuer.Verify(token)
	if err != nil {
		return nil, Unauthorized("invalid token")
	}
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Unauthorized("token subject no longer exists")
		}
		return nil, err
	}
	return user, nil
}

// requireTaskToken gates the internal surface on the per-install
// task-runner token injected into every job environment.
func (s *Server) requireTaskToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(auth.HeaderTaskToken)
		want := s.cfg.TaskRunnerToken
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.fail(w, Unauthorized("invalid task token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAdmin returns the caller when they are a global admin.
func requireAdmin(ctx context.Context) (*types.User, error) {
	user := caller(ctx)
	if user == nil {
		return nil, Unauthorized("no credentials supplied")
	}
	if !user.GlobalAdmin {
		return nil, Forbidden("requires global admin")
	}
	return user, nil
}

// modelForWrite loads a model and verifies the caller may mutate it:
// the owner or a global admin.
func (s *Server) modelForWrite(ctx context.Context, modelID string) (*types.Model, *types.User, error) {
	user := caller(ctx)
	if user == nil {
		return nil, nil, Unauthorized("no credentials supplied")
	}
	model, err := s.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, nil, err
	}
	if model.OwnerID != user.ID && !user.GlobalAdmin {
		return nil, nil, Forbidden("model %s does not belong to %s", model.Name, user.Username)
	}
	return model, user, nil
}

// modelForRead loads a model and verifies the caller may read it per
// its access level.
func (s *Server) modelForRead(ctx context.Context, modelID string) (*types.Model, *types.User, error) {
	user := caller(ctx)
	if user == nil {
		return nil, nil, Unauthorized("no credentials supplied")
	}
	model, err := s.store.GetModel(ctx, modelID)
	if err != nil {
		return nil, nil, err
	}
	ok, err := s.canRead(ctx, user, model)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, Forbidden("model %s is not visible to %s", model.Name, user.Username)
	}
	return model, user, nil
}

func (s *Server) canRead(ctx context.Context, user *types.User, model *types.Model) (bool, error) {
	if user.GlobalAdmin || model.OwnerID == user.ID {
		return true, nil
	}
	switch model.AccessLevel {
	case types.AccessPublic:
		return true, nil
	case types.AccessProtected:
		return s.store.SharesTeam(ctx, model.OwnerID, user.ID)
	}
	return false, nil
}
