package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/loomworks/bazaar/pkg/artifact"
	"github.com/loomworks/bazaar/pkg/auth"
	"github.com/loomworks/bazaar/pkg/manager"
	"github.com/loomworks/bazaar/pkg/store"
)

// E is a handler error with a known HTTP status. Handlers return it when
// they know the failure class; everything else becomes a 500 in fail.
type E struct {
	Status  int
	Message string
	Err     error
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *E) Unwrap() error { return e.Err }

// Validation is a 400 for malformed input or a disallowed operation.
func Validation(format string, args ...any) *E {
	return &E{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized is a 401 for missing or invalid credentials.
func Unauthorized(format string, args ...any) *E {
	return &E{Status: http.StatusUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Forbidden is a 403 for valid credentials with an insufficient role.
func Forbidden(format string, args ...any) *E {
	return &E{Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// NotFound is a 404 for an unknown entity.
func NotFound(format string, args ...any) *E {
	return &E{Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Conflict is a 409 for a uniqueness violation.
func Conflict(format string, args ...any) *E {
	return &E{Status: http.StatusConflict, Message: fmt.Sprintf(format, args...)}
}

// toHTTP classifies err into an E. Known sentinels from the manager,
// store, and auth packages map to their documented codes; anything
// unrecognized is a 500 carrying the error string.
func toHTTP(err error) *E {
	var e *E
	if errors.As(err, &e) {
		return e
	}

	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return &E{Status: http.StatusUnauthorized, Message: err.Error(), Err: err}
	case errors.Is(err, auth.ErrForbidden):
		return &E{Status: http.StatusForbidden, Message: err.Error(), Err: err}
	case errors.Is(err, manager.ErrDuplicateModel), errors.Is(err, store.ErrDuplicate):
		return &E{Status: http.StatusConflict, Message: err.Error(), Err: err}
	case errors.Is(err, manager.ErrInvalidName),
		errors.Is(err, manager.ErrHasDependents),
		errors.Is(err, manager.ErrNotTrained),
		errors.Is(err, manager.ErrNotDeployed),
		// License and quota exhaustion is deliberately a 400: clients
		// must not retry their way through it.
		errors.Is(err, manager.ErrResourceLimit),
		errors.Is(err, store.ErrStaleLease):
		return &E{Status: http.StatusBadRequest, Message: err.Error(), Err: err}
	case errors.Is(err, store.ErrNotFound):
		return &E{Status: http.StatusNotFound, Message: err.Error(), Err: err}
	case errors.Is(err, artifact.ErrLowDisk):
		return &E{Status: http.StatusInsufficientStorage, Message: err.Error(), Err: err}
	}
	return &E{Status: http.StatusInternalServerError, Message: err.Error(), Err: err}
}
