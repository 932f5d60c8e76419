package main

import (
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/hotbackup/internal/aria"
	"github.com/withObsrvr/hotbackup/internal/checkpoint"
	"github.com/withObsrvr/hotbackup/internal/logging"
)

var prepareCmd = &cobra.Command{
	Use:   "prepare <target-dir>",
	Short: "make a local backup consistent",
	Long: `
Check that the recovery log segments of a local backup are complete, pick up
segments copied after the one named by the control file and update the
control file.
`,
	Args: cobra.ExactArgs(1),
	RunE: runPrepare,
}

func runPrepare(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dir := args[0]
	log := logging.Component("prepare").With("target_dir", dir)

	mcfg := checkpoint.Config{Enabled: cfg.Checkpoint.Enabled, Name: cfg.Checkpoint.Name}
	mf, err := checkpoint.Load(dir, mcfg)
	switch {
	case errors.Is(err, checkpoint.ErrNoCheckpoint):
		log.Info("backup has no table manifest")
	case err != nil:
		return err
	default:
		log.Info("loaded table manifest", "backup_id", mf.BackupID, "tables", len(mf.Tables))
	}

	rc := aria.NewRecoveryContext(dir, nil)
	defer rc.Close()
	if err := aria.Prepare(cmd.Context(), rc); err != nil {
		return err
	}
	slog.Info("backup prepared", "target_dir", dir, "logs", rc.Logs.String(),
		"last_log", rc.Control.LastLogNumber)
	return nil
}
