package backup

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/withObsrvr/hotbackup/internal/lock"
	"github.com/withObsrvr/hotbackup/internal/metrics"
)

// stages tracks the server's backup stage. With noLock the stages are only
// logged and timed.
type stages struct {
	locker lock.Locker
	noLock bool
	log    *slog.Logger

	cur     lock.Stage
	entered time.Time
	blocked time.Time
	// lockTime is how long DDL was blocked, set on END.
	lockTime time.Duration
}

func newStages(locker lock.Locker, noLock bool, log *slog.Logger) *stages {
	return &stages{locker: locker, noLock: noLock, log: log}
}

func (s *stages) enter(ctx context.Context, stage lock.Stage) error {
	now := time.Now()
	if s.cur != "" {
		metrics.Get().ObserveStageDuration(string(s.cur), now.Sub(s.entered))
	}
	if !s.noLock {
		if err := s.locker.Stage(ctx, stage); err != nil {
			return errors.Wrapf(err, "enter backup stage %s", stage)
		}
	}
	s.log.Info("entered backup stage", "stage", stage)
	s.cur = stage
	s.entered = now
	switch stage {
	case lock.StageBlockDDL:
		s.blocked = now
	case lock.StageEnd:
		if !s.blocked.IsZero() {
			s.lockTime = time.Since(s.blocked)
		}
	}
	return nil
}

// end leaves the stage protocol if it was entered and not yet left.
func (s *stages) end(ctx context.Context) error {
	if s.cur == "" || s.cur == lock.StageEnd {
		return nil
	}
	return s.enter(ctx, lock.StageEnd)
}
