package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/neurallog/kek-custody/interfaces"
)

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, p interfaces.Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func FromContext(ctx context.Context) (interfaces.Principal, bool) {
	p, ok := ctx.Value(principalKey).(interfaces.Principal)
	return p, ok
}

type TokenParser interface {
	ParseAndValidate(tokenStr string) (interfaces.Principal, error)
}

// AuthRequired checks the Bearer token and adds the principal to the context.
func AuthRequired(parser TokenParser) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				unauthorized(w, "missing bearer token")
				return
			}
			p, err := parser.ParseAndValidate(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": msg, "code": "unauthorized"})
}
