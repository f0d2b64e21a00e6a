// Package logging builds the service's slog logger on top of slog-logfilter.
//
// Output is text on a TTY and JSON otherwise unless a format is given. Request
// IDs, the authenticated caller and the host being bypassed travel in the
// context so runtime filters can match on them.
package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	logfilter "github.com/jmylchreest/slog-logfilter"

	"github.com/jmylchreest/refyne-bypass/internal/config"
)

// ContextKey is a type for context keys used in logging.
type ContextKey string

const (
	// RequestIDKey is the context key for request ID.
	RequestIDKey ContextKey = "log_request_id"
	// CallerKey is the context key for the authenticated caller. Filter-only, not logged.
	CallerKey ContextKey = "log_caller"
	// HostKey is the context key for the protected host a request targets.
	HostKey ContextKey = "log_target_host"
)

// Options configures New. Zero values fall back to LOG_FORMAT, LOG_LEVEL and stdout.
type Options struct {
	Level  string
	Format string
	Output io.Writer
}

// WithRequestID adds a request ID to the context for logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithCaller records the authenticated caller for filter matching.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// WithHost records the protected host a request is working on.
func WithHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, HostKey, host)
}

// GetRequestID extracts the request ID from context.
func GetRequestID(ctx context.Context) string {
	return value(ctx, RequestIDKey)
}

// GetCaller extracts the caller from context.
func GetCaller(ctx context.Context) string {
	return value(ctx, CallerKey)
}

// GetHost extracts the target host from context.
func GetHost(ctx context.Context) string {
	return value(ctx, HostKey)
}

func value(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(key).(string); ok {
		return s
	}
	return ""
}

// FromContext returns logger with the request ID and target host from ctx attached.
// The caller is never added.
func FromContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if ctx == nil {
		return logger
	}

	var attrs []any
	if requestID := GetRequestID(ctx); requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if host := GetHost(ctx); host != "" {
		attrs = append(attrs, "host", host)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

func registerContextExtractors() {
	for name, key := range map[string]ContextKey{
		"request_id": RequestIDKey,
		"caller":     CallerKey,
		"host":       HostKey,
	} {
		logfilter.RegisterContextExtractor(name, func(ctx context.Context) (string, bool) {
			s := value(ctx, key)
			return s, s != ""
		})
	}
}

// New creates a configured logger.
func New(opts Options) *slog.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}
	format := resolveFormat(opts.Format, out)

	levelStr := opts.Level
	if levelStr == "" {
		levelStr = os.Getenv("LOG_LEVEL")
	}

	registerContextExtractors()

	return logfilter.New(
		logfilter.WithLevel(parseLogLevel(levelStr)),
		logfilter.WithFormat(format),
		logfilter.WithOutput(out),
		logfilter.WithSource(true),
	)
}

func resolveFormat(format string, out io.Writer) string {
	if format == "" {
		format = os.Getenv("LOG_FORMAT")
	}
	switch strings.ToLower(format) {
	case "text":
		return "text"
	case "json":
		return "json"
	}
	if f, ok := out.(*os.File); ok && isatty(f) {
		return "text"
	}
	return "json"
}

// parseLogLevel converts a string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// SetDefault creates a new logger and sets it as the default slog logger.
func SetDefault(opts Options) *slog.Logger {
	logger := New(opts)
	slog.SetDefault(logger)
	return logger
}

// SetLevel changes the global log level at runtime.
func SetLevel(level slog.Level) {
	logfilter.SetLevel(level)
}

// GetLevel returns the current global log level.
func GetLevel() slog.Level {
	return logfilter.GetLevel()
}

// SetFilters replaces all log filters.
func SetFilters(filters []logfilter.LogFilter) {
	logfilter.SetFilters(filters)
}

// GetFilters returns a copy of the current filters.
func GetFilters() []logfilter.LogFilter {
	return logfilter.GetFilters()
}

func isatty(f *os.File) bool {
	stat, err := f.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// ApplyFilters parses a JSON array of filters and installs it. The existing
// filters are kept when data is invalid.
func ApplyFilters(data []byte) (int, error) {
	var filters []logfilter.LogFilter
	if err := json.Unmarshal(data, &filters); err != nil {
		return 0, fmt.Errorf("parsing log filters: %w", err)
	}
	logfilter.SetFilters(filters)
	return len(filters), nil
}

// WatchFilters applies an S3-hosted filter file whenever the object changes.
// It blocks until ctx is cancelled.
func WatchFilters(ctx context.Context, loader *config.S3Loader, interval time.Duration, logger *slog.Logger) {
	loader.Watch(ctx, interval, func(result *config.S3LoadResult) error {
		n, err := ApplyFilters(result.Data)
		if err != nil {
			return err
		}
		logger.Info("log filters refreshed", "filters", n, "etag", result.Etag)
		return nil
	})
}
