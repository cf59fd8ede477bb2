// Package logging configures the process logger. Every record passes through
// a handler that masks credentials and payloads before they are encoded.
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Redacted replaces masked attribute values.
const Redacted = "[REDACTED]"

var level = new(slog.LevelVar)

// exact attribute names that are always masked.
var maskedNames = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"x-api-key":           true,
	"cookie":              true,
	"set-cookie":          true,
	"body":                true,
	"request_body":        true,
	"response_body":       true,
}

// substrings that mask any attribute whose name contains them. Token counts
// ("input_tokens") stay visible.
var maskedFragments = []string{"key", "secret", "password"}

// Setup installs a JSON logger on stdout as the slog default.
func Setup(lvl string) *slog.Logger {
	return SetupWriter(os.Stdout, lvl)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(w io.Writer, lvl string) *slog.Logger {
	SetLevel(lvl)
	logger := slog.New(NewRedactingHandler(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})))
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the level of loggers created by Setup. Unknown names
// select info.
func SetLevel(lvl string) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		level.Set(slog.LevelDebug)
	case "warn", "warning":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	default:
		level.Set(slog.LevelInfo)
	}
}

// Level returns the current level.
func Level() slog.Level { return level.Level() }

// Component returns logger tagged with component=name, falling back to the
// default logger when logger is nil.
func Component(logger *slog.Logger, name string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", name)
}

// RedactingHandler masks sensitive attributes before delegating.
type RedactingHandler struct {
	next slog.Handler
}

// NewRedactingHandler wraps next.
func NewRedactingHandler(next slog.Handler) *RedactingHandler {
	return &RedactingHandler{next: next}
}

func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(mask(a))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = mask(a)
	}
	return &RedactingHandler{next: h.next.WithAttrs(masked)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{next: h.next.WithGroup(name)}
}

// Sensitive reports whether an attribute named key is masked.
func Sensitive(key string) bool {
	k := strings.ToLower(key)
	if maskedNames[k] {
		return true
	}
	for _, f := range maskedFragments {
		if strings.Contains(k, f) {
			return true
		}
	}
	return strings.Contains(k, "token") && !strings.Contains(k, "tokens")
}

func mask(a slog.Attr) slog.Attr {
	if Sensitive(a.Key) {
		return slog.String(a.Key, Redacted)
	}
	if a.Value.Kind() == slog.KindGroup {
		group := a.Value.Group()
		masked := make([]any, len(group))
		for i, g := range group {
			masked[i] = mask(g)
		}
		return slog.Group(a.Key, masked...)
	}
	return a
}

// RequestLogger logs one line per HTTP request. Headers and bodies are never
// logged.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			lvl := slog.LevelInfo
			if status >= 500 {
				lvl = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), lvl, "http_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
