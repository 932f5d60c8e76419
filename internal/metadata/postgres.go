package metadata

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool *pgxpool.Pool
	cfg  CatalogConfig
}

var _ Writer = (*PostgresWriter)(nil)

// NewPostgresWriter connects to the catalog and creates its table.
func NewPostgresWriter(ctx context.Context, cfg CatalogConfig) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// One backup writes a single row.
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, cfg: cfg}
	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("connected to backup history catalog", "component", "metadata")
	return w, nil
}

func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// RecordBackup inserts or replaces the history row of rec.ID.
func (w *PostgresWriter) RecordBackup(ctx context.Context, rec BackupRecord) error {
	query := `
		INSERT INTO backup_history (
			uuid, name, tool_version, tool_command, destination,
			start_time, end_time, lock_time_ms, last_log_number, tables_copied,
			partial, compressed, status, error_message
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (uuid)
		DO UPDATE SET
			end_time = EXCLUDED.end_time,
			lock_time_ms = EXCLUDED.lock_time_ms,
			last_log_number = EXCLUDED.last_log_number,
			tables_copied = EXCLUDED.tables_copied,
			status = EXCLUDED.status,
			error_message = EXCLUDED.error_message
	`

	name := rec.Name
	if name == "" {
		name = w.cfg.Name
	}
	var errMsg *string
	if rec.Error != "" {
		errMsg = &rec.Error
	}

	_, err := w.pool.Exec(ctx, query,
		rec.ID,
		nullable(name),
		rec.ToolVersion,
		nullable(rec.Command),
		rec.Destination,
		rec.StartTime,
		rec.EndTime,
		rec.LockTime.Milliseconds(),
		int64(rec.LastLogNumber),
		rec.TablesCopied,
		rec.Partial,
		rec.Compressed,
		rec.Status,
		errMsg,
	)
	if err != nil {
		return fmt.Errorf("record backup %s: %w", rec.ID, err)
	}

	slog.Info("recorded backup history", "component", "metadata", "backup_id", rec.ID, "status", rec.Status)
	return nil
}

// LastBackup returns the most recent successful backup recorded under name,
// or nil if there is none.
func (w *PostgresWriter) LastBackup(ctx context.Context, name string) (*BackupRecord, error) {
	query := `
		SELECT uuid, COALESCE(name, ''), tool_version, destination,
		       start_time, end_time, lock_time_ms, last_log_number, tables_copied, status
		FROM backup_history
		WHERE name = $1 AND status = $2
		ORDER BY end_time DESC
		LIMIT 1
	`

	var rec BackupRecord
	var lockMs, lastLog int64
	err := w.pool.QueryRow(ctx, query, name, StatusSucceeded).Scan(
		&rec.ID, &rec.Name, &rec.ToolVersion, &rec.Destination,
		&rec.StartTime, &rec.EndTime, &lockMs, &lastLog, &rec.TablesCopied, &rec.Status,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query last backup: %w", err)
	}
	rec.LockTime = time.Duration(lockMs) * time.Millisecond
	rec.LastLogNumber = uint32(lastLog)
	return &rec, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
