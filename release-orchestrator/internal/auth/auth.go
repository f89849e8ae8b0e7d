// Package auth authenticates API callers and carries their identity and roles on
// the request context.
package auth

import (
	"context"
)

// Roles understood by the release API.
const (
	RoleReleaseAdmin   = "ReleaseAdmin"
	RoleReleaseManager = "ReleaseManager"
	RoleEngineer       = "ReleaseEngineer"
	RoleProductManager = "ProductManager"
	// RoleCIService is held by CI/CD systems and store webhooks posting results.
	RoleCIService = "CIService"
	RoleViewer    = "Viewer"
)

// AllRoles is granted to debug-token callers.
var AllRoles = []string{RoleReleaseAdmin, RoleReleaseManager, RoleEngineer, RoleProductManager, RoleCIService, RoleViewer}

type ctxKey string

const ctxKeyAuthInfo ctxKey = "release.authInfo"

// AuthInfo is the authenticated principal of a request.
type AuthInfo struct {
	Subject string
	Issuer  string
	Roles   []string
	// Debug is set when the caller used the shared debug token.
	Debug bool
}

func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

// FromContext returns the AuthInfo stored in ctx, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	ai, _ := ctx.Value(ctxKeyAuthInfo).(*AuthInfo)
	return ai
}

func HasRole(ai *AuthInfo, role string) bool {
	if ai == nil {
		return false
	}
	for _, r := range ai.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func HasAnyRole(ai *AuthInfo, roles ...string) bool {
	for _, r := range roles {
		if HasRole(ai, r) {
			return true
		}
	}
	return false
}

// Actor names the principal in activity entries.
func (ai *AuthInfo) Actor() string {
	if ai == nil || ai.Subject == "" {
		return "anonymous"
	}
	return ai.Subject
}
