package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/hotbackup/internal/backup"
	"github.com/withObsrvr/hotbackup/internal/checkpoint"
	"github.com/withObsrvr/hotbackup/internal/config"
	"github.com/withObsrvr/hotbackup/internal/engine"
	"github.com/withObsrvr/hotbackup/internal/lock"
	"github.com/withObsrvr/hotbackup/internal/metadata"
	"github.com/withObsrvr/hotbackup/internal/storage"
	"github.com/withObsrvr/hotbackup/internal/tables"
	"github.com/withObsrvr/hotbackup/internal/throttle"
)

var backupFlags struct {
	targetDir string
	workers   int
	noLock    bool
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "copy a running server's tables to the destination",
	Long: `
Copy the Aria tables and recovery log, the common engine tables and the table
definitions of a running server. The server's backup stages keep the copy
consistent; DDL run during the copy is replayed over it at the end.
`,
	Args: cobra.NoArgs,
	RunE: runBackup,
}

func init() {
	backupCmd.Flags().StringVar(
		&backupFlags.targetDir, "target-dir", "", "local backup directory (overrides the config)")
	backupCmd.Flags().IntVarP(
		&backupFlags.workers, "parallel", "p", 0, "number of copy workers (overrides the config)")
	backupCmd.Flags().BoolVar(
		&backupFlags.noLock, "no-lock", false, "do not take backup locks or enter backup stages")
}

func runBackup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if backupFlags.targetDir != "" {
		cfg.Backup.TargetDir = backupFlags.targetDir
	}
	if backupFlags.workers > 0 {
		cfg.Backup.Workers = backupFlags.workers
	}
	if backupFlags.noLock {
		cfg.Backup.NoLock = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	filter, err := tables.NewFilter(cfg.Filter.Include, cfg.Filter.Exclude,
		cfg.Filter.Databases, cfg.Filter.ExcludeDatabases)
	if err != nil {
		return errors.Wrap(err, "compile table filter")
	}

	sink, err := storage.NewSink(ctx, storageConfig(cfg))
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	defer sink.Close()

	locker, err := openLocker(cfg)
	if err != nil {
		return err
	}
	defer locker.Close()

	history, err := metadata.NewWriter(ctx, metadata.CatalogConfig{
		PostgresDSN: cfg.Catalog.PostgresDSN,
		Name:        cfg.Backup.Name,
	})
	if err != nil {
		return errors.Wrap(err, "connect to backup history catalog")
	}
	defer history.Close()

	env := &tables.Env{
		Root:     cfg.Backup.DataDir,
		Engine:   engine.Paged{},
		Locker:   locker,
		Sink:     sink,
		Throttle: throttle.New(cfg.Backup.ThrottleMBPerSec),
	}
	runner := backup.New(backup.Config{
		Name:        cfg.Backup.Name,
		DataDir:     cfg.Backup.DataDir,
		AriaLogDir:  cfg.Backup.AriaLogDir,
		DDLLog:      cfg.Backup.DDLLog,
		Workers:     cfg.Backup.Workers,
		NoLock:      cfg.Backup.NoLock,
		Filter:      filter,
		Checkpoint:  checkpoint.Config{Enabled: cfg.Checkpoint.Enabled, Name: cfg.Checkpoint.Name},
		ToolVersion: Version,
		Command:     strings.Join(os.Args, " "),
		Compressed:  cfg.Storage.Compress,
	}, env, history)

	res, err := runner.Run(ctx)
	backup.Report(cmd.OutOrStdout(), res)
	if err != nil {
		if ctx.Err() != nil {
			slog.Info("backup interrupted")
		}
		return err
	}
	return nil
}

func storageConfig(cfg config.Config) storage.Config {
	localDir := cfg.Storage.LocalDir
	if cfg.Backup.TargetDir != "" {
		localDir = cfg.Backup.TargetDir
	}
	return storage.Config{
		Backend:    cfg.Storage.Backend,
		LocalDir:   localDir,
		GCSBucket:  cfg.Storage.Bucket,
		S3Bucket:   cfg.Storage.Bucket,
		S3Endpoint: cfg.Storage.S3Endpoint,
		S3Region:   cfg.Storage.S3Region,
		Prefix:     cfg.Storage.Prefix,
		Compress:   cfg.Storage.Compress,
		SpoolDir:   cfg.Storage.SpoolDir,
	}
}

func openLocker(cfg config.Config) (lock.Locker, error) {
	if cfg.Lock.DSN == "" {
		if !cfg.Backup.NoLock {
			slog.Warn("no lock DSN configured, tables are copied without server locks")
		}
		return lock.Noop{}, nil
	}
	locker, err := lock.OpenSQL(cfg.Lock.DSN, cfg.Lock.LockWait)
	if err != nil {
		return nil, errors.Wrap(err, "open lock connection")
	}
	return locker, nil
}
