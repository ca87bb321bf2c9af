package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	// TraceIDHeader carries the request trace identifier in and out of the HTTP surface.
	TraceIDHeader = "X-Trace-ID"
	// TraceIDField is the record key holding the trace identifier.
	TraceIDField = "trace_id"
)

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
)

// ContextWithLogger stores logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext returns the logger stored in ctx, else fallback, else the global logger.
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*Logger); ok && logger != nil {
			return logger
		}
	}
	if fallback != nil {
		return fallback
	}
	return L()
}

// TraceID returns the trace identifier stored in ctx, if any.
func TraceID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(traceKey).(string)
	return id
}

// NewTraceID returns 16 random bytes as hex.
func NewTraceID() string {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf[:])
}

// HTTPTraceMiddleware tags each request with a trace id, reusing an inbound X-Trace-ID, and
// stores a logger carrying it in the request context.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := strings.TrimSpace(r.Header.Get(TraceIDHeader))
			if id == "" {
				id = NewTraceID()
			}
			logger := base
			if logger == nil {
				logger = L()
			}
			logger = logger.With(String(TraceIDField, id))
			ctx := context.WithValue(r.Context(), traceKey, id)
			ctx = ContextWithLogger(ctx, logger)
			w.Header().Set(TraceIDHeader, id)
			logger.Debug("request received", String("method", r.Method), String("path", r.URL.Path))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
