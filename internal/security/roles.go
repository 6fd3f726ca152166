package security

import (
	"net/http"
	"strings"
)

// Roles
const (
	RoleAdmin    = "admin"
	RoleReviewer = "reviewer"
	RoleAgent    = "agent"
	RoleReadonly = "readonly"
)

// ValidRoles lists all valid roles.
var ValidRoles = []string{RoleAdmin, RoleReviewer, RoleAgent, RoleReadonly}

func validRole(role string) bool {
	for _, r := range ValidRoles {
		if r == role {
			return true
		}
	}
	return false
}

// RequireRole returns middleware that checks the caller's role against the
// allowed set. Admin always passes; dev-mode requests carry no claims and
// pass through.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	roleSet := make(map[string]bool, len(roles))
	for _, r := range roles {
		roleSet[r] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := GetClaims(r)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}
			if claims.Role != RoleAdmin && !roleSet[claims.Role] {
				denyJSON(w, http.StatusForbidden, ErrInsufficientRole)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Permits reports whether the caller may access method+path. Admin has
// full access.
func (c *Claims) Permits(method, path string) bool {
	if c.Role == RoleAdmin {
		return true
	}

	path = strings.TrimRight(path, "/")
	if path == "" {
		path = "/"
	}

	switch c.Role {
	case RoleReviewer:
		// Reviewers read everything and act on the escalation queue.
		if method == "GET" && strings.HasPrefix(path, "/api/") {
			return true
		}
		return method == "POST" && strings.HasPrefix(path, "/api/escalations/")
	case RoleAgent:
		// Agents submit validation requests and read their own state.
		if method == "POST" && path == "/api/validate" {
			return true
		}
		return method == "GET" && (strings.HasPrefix(path, "/api/sandboxes/") || strings.HasPrefix(path, "/api/escalations"))
	case RoleReadonly:
		return method == "GET" && strings.HasPrefix(path, "/api/")
	}

	return false
}
