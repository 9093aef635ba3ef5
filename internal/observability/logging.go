package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// globalLevel is the dynamic level variable used by the JSON handler.
// It allows runtime log-level changes via SetLevel without recreating the logger.
var globalLevel = new(slog.LevelVar)

// SetupLogger initializes the global slog logger with the given level.
// The returned logger uses a redacting handler that strips sensitive data.
func SetupLogger(level string) *slog.Logger {
	SetLevel(level)

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: globalLevel})
	logger := slog.New(&RedactingHandler{base: base})
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level dynamically at runtime.
// Valid values are "debug", "warn", "error"; anything else defaults to "info".
func SetLevel(level string) {
	switch level {
	case "debug":
		globalLevel.Set(slog.LevelDebug)
	case "warn":
		globalLevel.Set(slog.LevelWarn)
	case "error":
		globalLevel.Set(slog.LevelError)
	default:
		globalLevel.Set(slog.LevelInfo)
	}
}

// RedactingHandler wraps an slog.Handler to redact sensitive attribute values.
// Key material must never reach a log line, so any attribute whose key looks
// credential-shaped is replaced wholesale.
type RedactingHandler struct {
	base slog.Handler
}

// NewRedactingHandler wraps base in a redacting handler.
func NewRedactingHandler(base slog.Handler) *RedactingHandler {
	return &RedactingHandler{base: base}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	redacted := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	r.Attrs(func(a slog.Attr) bool {
		redacted.AddAttrs(redactAttr(a))
		return true
	})
	return h.base.Handle(ctx, redacted)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var redacted []slog.Attr
	for _, a := range attrs {
		redacted = append(redacted, redactAttr(a))
	}
	return &RedactingHandler{base: h.base.WithAttrs(redacted)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{base: h.base.WithGroup(name)}
}

// identifierSuffixes are attribute keys that merely reference an entity and
// are safe to log despite containing "key" in the name.
var identifierSuffixes = []string{"_id", "_ids", "_count", "_name", "_env", "_state"}

// redactAttr redacts credential-shaped keys in log attributes. Keys like
// "key_id" or "api_key_count" are identifiers, not secrets, and pass through.
func redactAttr(a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)

	for _, suffix := range identifierSuffixes {
		if strings.HasSuffix(key, suffix) {
			return a
		}
	}

	if key == "body" || key == "request_body" || key == "req_body" {
		return slog.String(a.Key, "[REDACTED]")
	}

	// "tokens" is a count (input_tokens, tokens_per_hour), not a credential.
	token := strings.Contains(key, "token") && !strings.Contains(key, "tokens")
	if strings.Contains(key, "key") || token ||
		strings.Contains(key, "secret") || strings.Contains(key, "password") ||
		strings.Contains(key, "material") || strings.Contains(key, "authorization") {
		return slog.String(a.Key, "[REDACTED]")
	}

	return a
}
