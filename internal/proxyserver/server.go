package proxyserver

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds the dependencies for the proxy's HTTP server.
type Deps struct {
	Proxy          *Proxy
	MetricsHandler http.Handler // nil = no /metrics endpoint, e.g. promhttp.Handler()
	ReadyCheck     ReadyChecker // nil = always ready
}

// NewServer builds the Interception Proxy's HTTP handler: health/readiness,
// optional Prometheus metrics, and a catch-all route that forwards every
// other method and path through the Proxy.
func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(recovery)
	r.Use(logging)

	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(deps.ReadyCheck))
	if deps.MetricsHandler != nil {
		r.Get("/metrics", deps.MetricsHandler.ServeHTTP)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		deps.Proxy.ServeHTTP(w, r)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		deps.Proxy.ServeHTTP(w, r)
	})
	r.HandleFunc("/*", deps.Proxy.ServeHTTP)

	return r
}

var (
	okBody       = []byte("ok")
	notReadyBody = []byte("not ready")
	plainCT      = []string{"text/plain"}
)

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header()["Content-Type"] = plainCT
	w.WriteHeader(http.StatusOK)
	w.Write(okBody)
}

func handleReadyz(check ReadyChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(r.Context()); err != nil {
				w.Header()["Content-Type"] = plainCT
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write(notReadyBody)
				return
			}
		}
		w.Header()["Content-Type"] = plainCT
		w.WriteHeader(http.StatusOK)
		w.Write(okBody)
	}
}

var statusWriterPool = sync.Pool{
	New: func() any { return &statusWriter{status: http.StatusOK} },
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	if !sw.wroteHeader {
		sw.wroteHeader = true
	}
	return sw.ResponseWriter.Write(b)
}

func (sw *statusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sw *statusWriter) Unwrap() http.ResponseWriter { return sw.ResponseWriter }

// recovery catches panics in the proxy handler chain and returns 500
// rather than letting the process crash on one bad request.
func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logPanic(r, rec)
				w.WriteHeader(http.StatusInternalServerError)
				w.Write([]byte(`{"error":"internal server error"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// logging logs each request with method, path, status, and duration.
func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := statusWriterPool.Get().(*statusWriter)
		sw.ResponseWriter = w
		sw.status = http.StatusOK
		sw.wroteHeader = false

		next.ServeHTTP(sw, r)

		logRequest(r, sw.status, time.Since(start))
		sw.ResponseWriter = nil
		statusWriterPool.Put(sw)
	})
}
