package runtime

import (
	"bytes"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/loomworks/bazaar/pkg/auth"
)

// auditBodyLimit caps how much of a request body lands in the audit
// stream.
const auditBodyLimit = 4 << 10

// auditMiddleware logs request metadata to a per-allocation stream under
// the model's log directory. The /metrics route is mounted outside this
// middleware so scrapes never land in the audit log.
func (rt *Runtime) auditMiddleware() (func(http.Handler) http.Handler, error) {
	f, err := rt.auditFile()
	if err != nil {
		return nil, err
	}
	logger := zerolog.New(f).With().Timestamp().Logger()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var preview []byte
			if r.Body != nil && r.Method != http.MethodGet {
				preview, _ = io.ReadAll(io.LimitReader(r.Body, auditBodyLimit))
				rest, _ := io.ReadAll(r.Body)
				r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(preview), bytes.NewReader(rest)))
			}

			// The permission cache makes resolving the caller here
			// a map lookup on the hot path.
			username := ""
			if token := auth.ExtractToken(r); token != "" {
				if perms, err := rt.perms.Get(r.Context(), token); err == nil {
					username = perms.Username
				}
			}

			logger.Info().
				Str("ip", r.RemoteAddr).
				Str("method", r.Method).
				Str("url", r.URL.Path).
				Str("query", r.URL.RawQuery).
				Str("username", username).
				Bytes("body", preview).
				Msg("request")

			next.ServeHTTP(w, r)
		})
	}, nil
}
