// internal/httpapi/middleware.go
// Bearer authentication middleware.  Every request re-resolves its token
// against the registry's current index; results are never cached across
// requests, so a revoked token stops working within one refresh interval.
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/triologue/agentgate/internal/registry"
)

type ctxKey struct{}

// agentFrom returns the authenticated agent stored by requireAgent.  Only
// valid inside handlers mounted behind the middleware.
func agentFrom(ctx context.Context) *registry.Agent {
	a, _ := ctx.Value(ctxKey{}).(*registry.Agent)
	return a
}

// requireAgent rejects requests without a valid bearer token and stores the
// resolved agent on the request context.
func (s *Server) requireAgent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(raw, "Bearer ")
		if !ok || token == "" {
			s.met.AuthFailure()
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token")
			return
		}
		agent := s.reg.Authenticate(token)
		if agent == nil {
			s.met.AuthFailure()
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown or inactive token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, agent)))
	})
}

// sendLimit returns the rolling-window request budget for an agent.
func sendLimit(a *registry.Agent) int {
	if a.Elevated() {
		return limitElevated
	}
	return limitStandard
}
