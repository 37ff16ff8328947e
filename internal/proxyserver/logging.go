package proxyserver

import (
	"log/slog"
	"net/http"
	"time"
)

func logPanic(r *http.Request, rec any) {
	slog.LogAttrs(r.Context(), slog.LevelError, "panic recovered",
		slog.Any("error", rec),
		slog.String("path", r.URL.Path),
	)
}

func logRequest(r *http.Request, status int, elapsed time.Duration) {
	slog.LogAttrs(r.Context(), slog.LevelInfo, "request",
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Int64("duration_ms", elapsed.Milliseconds()),
	)
}
