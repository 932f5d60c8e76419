package metadata

import (
	"context"
	"time"
)

// CatalogConfig configures the backup history catalog.
type CatalogConfig struct {
	PostgresDSN string
	// Name is recorded with every backup so a series can be looked up.
	Name string
}

// Writer records finished backups.
type Writer interface {
	RecordBackup(ctx context.Context, rec BackupRecord) error
	Close() error
}

// Backup outcomes.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// BackupRecord is one row of backup history.
type BackupRecord struct {
	ID            string
	Name          string
	ToolVersion   string
	Command       string
	Destination   string
	StartTime     time.Time
	EndTime       time.Time
	LockTime      time.Duration
	LastLogNumber uint32
	TablesCopied  int
	Partial       bool
	Compressed    bool
	Status        string
	Error         string
}

// NewWriter returns a Postgres writer when a DSN is configured and a no-op
// writer otherwise.
func NewWriter(ctx context.Context, cfg CatalogConfig) (Writer, error) {
	if cfg.PostgresDSN == "" {
		return noopWriter{}, nil
	}
	return NewPostgresWriter(ctx, cfg)
}

type noopWriter struct{}

func (noopWriter) RecordBackup(_ context.Context, _ BackupRecord) error { return nil }
func (noopWriter) Close() error                                        { return nil }
