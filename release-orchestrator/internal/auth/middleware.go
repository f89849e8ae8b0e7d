package auth

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const DebugTokenHeader = "X-Debug-Token"

// Middleware authenticates every request and stores the AuthInfo on its context.
// Requests without valid credentials get 401.
func Middleware(v *Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ai, ok := v.DebugToken(r.Header.Get(DebugTokenHeader)); ok {
				next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
				return
			}
			var token string
			if authz := r.Header.Get("Authorization"); len(authz) > 7 && strings.EqualFold(authz[:7], "bearer ") {
				token = strings.TrimSpace(authz[7:])
			}
			ai, err := v.Verify(token)
			if err != nil {
				logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
		})
	}
}

// RequireAnyRole lets the request through when its AuthInfo holds one of roles.
func RequireAnyRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasAnyRole(FromContext(r.Context()), roles...) {
				writeError(w, http.StatusForbidden, "FORBIDDEN", "requires one of roles: "+strings.Join(roles, ", "))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": code})
}
