package middleware

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"time"
)

// statusRecorder captures what the handler answered. A hijacked connection
// was upgraded and reports 101.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	n, err := rec.ResponseWriter.Write(b)
	rec.bytes += int64(n)
	return n, err
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades through the logger.
func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response does not implement http.Hijacker")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		rec.hijacked = true
		rec.status = http.StatusSwitchingProtocols
	}
	return conn, rw, err
}

type annotationsKey struct{}

type annotations struct {
	mu    sync.Mutex
	attrs []any
}

// Annotate adds key/value pairs to the access log line of the request behind
// ctx. It is a no-op outside RequestLogger.
func Annotate(ctx context.Context, attrs ...any) {
	a, ok := ctx.Value(annotationsKey{}).(*annotations)
	if !ok {
		return
	}
	a.mu.Lock()
	a.attrs = append(a.attrs, attrs...)
	a.mu.Unlock()
}

// quietPath reports paths polled by orchestrators and scrapers. Their
// successful requests are logged at debug.
func quietPath(path string) bool {
	return path == "/metrics" || path == "/health" || strings.HasPrefix(path, "/health/")
}

// redactedQuery hides credentials passed in the query, as websocket clients
// do with token.
func redactedQuery(raw string) string {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return "[unparsable]"
	}
	if _, ok := values["token"]; ok {
		values.Set("token", "REDACTED")
	}
	return values.Encode()
}

// RequestLogger logs one line per request. Upgrades are logged as such, with
// whatever session attributes the handler annotated.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			notes := &annotations{}
			ctx := context.WithValue(r.Context(), annotationsKey{}, notes)

			next.ServeHTTP(rec, r.WithContext(ctx))

			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", rec.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"client_ip", ClientIP(r),
			}
			if !rec.hijacked {
				attrs = append(attrs, "bytes", rec.bytes)
			}
			if r.URL.RawQuery != "" {
				attrs = append(attrs, "query", redactedQuery(r.URL.RawQuery))
			}
			notes.mu.Lock()
			attrs = append(attrs, notes.attrs...)
			notes.mu.Unlock()

			msg := "http request"
			if rec.hijacked {
				msg = "websocket upgrade"
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			case quietPath(r.URL.Path):
				level = slog.LevelDebug
			}
			// request_id comes from ctx through the logging handler
			logger.Log(ctx, level, msg, attrs...)
		})
	}
}

// RecoveryLogger recovers handler panics and answers 500
func RecoveryLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.ErrorContext(r.Context(), "panic recovered",
						"method", r.Method,
						"path", r.URL.Path,
						"error", err,
						"stack", string(debug.Stack()),
					)

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write([]byte(`{"error":"Internal server error","code":"INTERNAL_ERROR"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
