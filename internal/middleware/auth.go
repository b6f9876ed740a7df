package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/codesense/central/internal/adminauth"
)

type contextKey string

const operatorContextKey contextKey = "operator"

// OperatorAuth validates the operator session token minted by adminauth.Gate
// and marks the request context as authenticated. It carries no user
// identity beyond the single shared operator role.
func OperatorAuth(gate *adminauth.Gate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, `{"error":"missing authorization header"}`, http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				http.Error(w, `{"error":"invalid authorization header format"}`, http.StatusUnauthorized)
				return
			}

			if err := gate.VerifySession(parts[1]); err != nil {
				http.Error(w, `{"error":"invalid or expired operator session"}`, http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), operatorContextKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// IsOperator reports whether the request context carries a verified
// operator session.
func IsOperator(ctx context.Context) bool {
	ok, _ := ctx.Value(operatorContextKey).(bool)
	return ok
}
