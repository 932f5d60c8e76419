package aria

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"github.com/withObsrvr/hotbackup/internal/engine"
	"github.com/withObsrvr/hotbackup/internal/logging"
	"github.com/withObsrvr/hotbackup/internal/segment"
)

// Recoverer replays the copied recovery log over the copied tables.
type Recoverer interface {
	// Recover applies the log segments in rc.Logs. It may update
	// rc.Control and reports whether it changed any file.
	Recover(ctx context.Context, rc *RecoveryContext) (changed bool, err error)
}

// RecoveryContext is the state of one prepare run over a backup directory.
type RecoveryContext struct {
	TargetDir string
	Control   engine.Control
	Logs      segment.Range
	Recoverer Recoverer

	log    *slog.Logger
	closed bool
}

// NewRecoveryContext creates the prepare state for targetDir. r may be nil,
// in which case only the log segments are verified.
func NewRecoveryContext(targetDir string, r Recoverer) *RecoveryContext {
	return &RecoveryContext{
		TargetDir: targetDir,
		Recoverer: r,
		log:       logging.Component("aria-prepare").With("target_dir", targetDir),
	}
}

// Close ends the prepare run. It is idempotent.
func (rc *RecoveryContext) Close() error {
	if rc.closed {
		return nil
	}
	rc.closed = true
	if c, ok := rc.Recoverer.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// Prepare makes a copied backup consistent: it checks that the segment named
// by the copied control file is present, picks up segments copied after it,
// runs recovery, and rewrites the control file when something moved.
func Prepare(ctx context.Context, rc *RecoveryContext) error {
	if rc.closed {
		return errors.AssertionFailedf("prepare on closed recovery context")
	}
	controlPath := filepath.Join(rc.TargetDir, segment.ControlFileName)
	ctl, err := engine.ReadControl(controlPath)
	if err != nil {
		return fatal(err, "load log control file")
	}
	if ctl.LastLogNumber == 0 {
		return fatalf("log control file %s names no log segment", controlPath)
	}

	logs := segment.Scan(rc.TargetDir, ctl.LastLogNumber)
	logs.Report(rc.log)
	if err := logs.MustContain(ctl.LastLogNumber); err != nil {
		return errors.Mark(err, ErrFatal)
	}
	// The engine may have rotated between copying the control file and
	// copying the tail.
	logs.FindAfterLast(rc.TargetDir)

	rc.Control = ctl
	rc.Logs = logs
	changed := logs.Last() != ctl.LastLogNumber
	if changed {
		rc.log.Info("log segments found past the control file",
			"control_last", ctl.LastLogNumber, "last", logs.Last())
	}

	if rc.Recoverer != nil {
		rc.log.Info("applying recovery log", "segments", logs.String())
		recovered, err := rc.Recoverer.Recover(ctx, rc)
		if err != nil {
			return fatal(err, "apply recovery log")
		}
		changed = changed || recovered
	}

	if !changed {
		return nil
	}
	rc.Control.LastLogNumber = rc.Logs.Last()
	if err := engine.WriteControl(controlPath, rc.Control); err != nil {
		return fatal(err, "write log control file")
	}
	rc.log.Info("log control file updated", "last_log_number", rc.Control.LastLogNumber)
	return nil
}
