package middleware

import (
	"net/http"
	"strings"
)

// RequireBearer проверяет наличие bearer-токена. Токен — opaque креденшл
// внешнего коллаборатора: сверяется только присутствие (и, если задан
// expected, точное совпадение для dev-стенда).
func RequireBearer(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok || token == "" {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
			if expected != "" && token != expected {
				http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
