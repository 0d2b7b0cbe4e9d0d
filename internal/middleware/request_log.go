package middleware

import (
	"net/http"
	"time"

	"github.com/notisync/internal/logger"
)

// RequestLog логирует метод, путь, статус и длительность запроса (асинхронно).
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrap := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrap, r)
		logger.Debugf("%s %s status=%d duration_ms=%d", r.Method, r.URL.Path, wrap.status, time.Since(start).Milliseconds())
	})
}
