package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/telemetry-bridge/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "telemetry-bridge"

// redacted replaces the value of any attribute whose key names a secret.
const redacted = "[REDACTED]"

// secretKeys are attribute keys (lower case) whose values never reach the
// output. Attributes inside groups are matched by their own key.
var secretKeys = map[string]struct{}{
	"password":          {},
	"token":             {},
	"sas_token":         {},
	"key":               {},
	"shared_access_key": {},
	"connection_string": {},
	"secret":            {},
	"secret_access_key": {},
}

// Logger is the bridge's structured logger: a slog.Logger carrying the
// service and version on every entry, with secret redaction and a level
// that can be changed at runtime.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - SetLevel affects every logger derived from the same New call.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
}

// New creates a logger from the logging section of the configuration.
//
// Parameters:
//   - cfg: Level (debug, info, warn, error), format (json, text) and
//     output (stdout, stderr)
//   - version: Application version for the default field
//
// Returns:
//   - *Logger: Configured logger ready for use
func New(cfg config.LoggingConfig, version string) *Logger {
	out := io.Writer(os.Stdout)
	if strings.EqualFold(cfg.Output, "stderr") {
		out = os.Stderr
	}
	return newLogger(out, cfg, version)
}

func newLogger(out io.Writer, cfg config.LoggingConfig, version string) *Logger {
	level := new(slog.LevelVar)
	level.Set(ParseLevel(cfg.Level))

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redact,
	}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	h = h.WithAttrs([]slog.Attr{
		slog.String("service", ServiceName),
		slog.String("version", version),
	})

	return &Logger{Logger: slog.New(h), level: level}
}

// ParseLevel maps debug, info, warn (or warning) and error to a slog level,
// case-insensitively. Anything else is info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if _, ok := secretKeys[strings.ToLower(a.Key)]; ok && a.Value.Kind() != slog.KindGroup {
		return slog.String(a.Key, redacted)
	}
	return a
}

// With returns a logger with additional default attributes. The level stays
// shared with l.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...), level: l.level}
}

// Component returns a logger tagging entries with component=name.
//
//	sinkLog := logger.Component("sink")
//	sinkLog.Warn("store write failed") // component=sink
func (l *Logger) Component(name string) *Logger {
	return l.With("component", name)
}

// SetLevel changes the minimum level of l and every logger derived from it.
func (l *Logger) SetLevel(level slog.Level) {
	if l.level != nil {
		l.level.Set(level)
	}
}

// Level returns the current minimum level.
func (l *Logger) Level() slog.Level {
	if l.level == nil {
		return slog.LevelInfo
	}
	return l.level.Level()
}

// Default returns an info-level JSON logger on stdout, for use before
// configuration is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json", Output: "stdout"}, "dev")
}

// Discard returns a logger that drops every entry. Intended for tests.
func Discard() *Logger {
	level := new(slog.LevelVar)
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: level})), level: level}
}
