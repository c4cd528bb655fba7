package httpserver

import (
	"context"
	"crypto/subtle"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/fairyhunter13/podscribe/internal/domain"
)

// HeaderAPIKey carries the node bearer token issued at registration.
const HeaderAPIKey = "X-Transcriber-Key"

type nodeKey struct{}

// NodeAuth authenticates remote agents by their api key and refreshes the
// node's heartbeat as a side effect, so any authenticated call counts as
// proof of life.
func NodeAuth(nodes domain.NodeRepository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderAPIKey)
			if key == "" {
				writeError(w, r, domain.ErrUnauthorized, "missing "+HeaderAPIKey+" header")
				return
			}
			node, err := nodes.Authenticate(r.Context(), key)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			_ = nodes.UpdateHeartbeat(r.Context(), node.ID, "", "")
			ctx := context.WithValue(r.Context(), nodeKey{}, node)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NodeFrom returns the authenticated node stored by NodeAuth.
func NodeFrom(r *http.Request) (domain.WorkerNode, bool) {
	n, ok := r.Context().Value(nodeKey{}).(domain.WorkerNode)
	return n, ok
}

// AdminAuth guards the admin API with basic auth against a bcrypt hash. With
// no credentials configured every admin request is rejected rather than left
// open.
func AdminAuth(username, passwordHash string) func(http.Handler) http.Handler {
	enabled := username != "" && passwordHash != ""
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled {
				writeError(w, r, domain.ErrForbidden, "admin API is not configured")
				return
			}
			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="podscribe admin"`)
				writeError(w, r, domain.ErrUnauthorized, nil)
				return
			}
			userOK := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
			passOK := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(pass)) == nil
			if !userOK || !passOK {
				w.Header().Set("WWW-Authenticate", `Basic realm="podscribe admin"`)
				writeError(w, r, domain.ErrUnauthorized, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
