package httpmw

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

type ctxKey int

const displayNameKey ctxKey = iota

// IdentityMiddleware — адаптер внешнего identity-коллаборатора: display
// name приходит готовым (заголовок или query), ядро его не проверяет.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimSpace(r.Header.Get("X-Display-Name"))
		if name == "" {
			name = strings.TrimSpace(r.URL.Query().Get("name"))
		}
		if name == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "missing display name"})
			return
		}
		ctx := context.WithValue(r.Context(), displayNameKey, name)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func DisplayNameFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(displayNameKey).(string); ok {
		return v
	}
	return ""
}
