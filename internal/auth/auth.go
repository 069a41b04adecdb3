// Package auth gates the admin/control surface with a single static token,
// the trimmed form of the teacher's multi-user token scheme: spec.md's
// Non-goals exclude client authentication on the data-plane ports, but the
// admin surface still needs a door, or anyone on the bound interface can
// rewrite the upstream pool.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/paf-relay/paf/internal/apierror"
)

// Middleware validates the admin bearer/x-api-key token.
type Middleware struct {
	token string
}

func NewMiddleware(token string) *Middleware {
	return &Middleware{token: token}
}

// Authenticate wraps next, rejecting requests that don't carry the admin
// token via x-api-key or an Authorization: Bearer header.
func (m *Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(m.token)) != 1 {
			apierror.WriteJSON(w, &apierror.Error{
				Kind:    apierror.KindConfiguration,
				Status:  http.StatusUnauthorized,
				Message: "missing or invalid admin token",
			}, time.Now())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}
