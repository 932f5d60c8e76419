// Package logging provides structured logging using slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Config holds logging configuration.
type Config struct {
	Format string // "json" | "text"
	Level  string // "debug" | "info" | "warn" | "error"
}

// Setup initializes the global slog logger based on configuration.
func Setup(cfg Config) {
	SetupWriter(cfg, os.Stdout)
}

// SetupWriter is Setup with an explicit destination.
func SetupWriter(cfg Config, w io.Writer) {
	level := parseLevel(cfg.Level)

	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch strings.ToLower(cfg.Format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// parseLevel converts a string level to slog.Level.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// backupIDKey is the context key for backup IDs.
type backupIDKey struct{}

// WithBackupID adds a backup ID to the context.
func WithBackupID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, backupIDKey{}, id)
}

// BackupID retrieves the backup ID from context.
func BackupID(ctx context.Context) string {
	if id, ok := ctx.Value(backupIDKey{}).(string); ok {
		return id
	}
	return ""
}

// GenerateBackupID creates a new unique backup ID.
func GenerateBackupID() string {
	return uuid.NewString()
}

// FromContext returns the default logger annotated with the context's
// backup ID, if any.
func FromContext(ctx context.Context) *slog.Logger {
	if id := BackupID(ctx); id != "" {
		return slog.With("backup_id", id)
	}
	return slog.Default()
}

// TableLogger creates a logger with table context fields.
func TableLogger(workerID int, db, table string) *slog.Logger {
	return slog.With(
		"worker_id", workerID,
		"db", db,
		"table", table,
	)
}

// SegmentLogger creates a logger for work on one recovery log segment.
func SegmentLogger(workerID int, segment uint32) *slog.Logger {
	return slog.With("worker_id", workerID, "segment", segment)
}

// WorkerLogger creates a logger with worker context.
func WorkerLogger(workerID int) *slog.Logger {
	return slog.With("worker_id", workerID)
}

// Component returns a logger with a component name.
func Component(name string) *slog.Logger {
	return slog.With("component", name)
}
