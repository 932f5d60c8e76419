package lock

import (
	"context"
	"database/sql"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-sql-driver/mysql"
)

// SQLLocker issues BACKUP LOCK and BACKUP STAGE statements. Every worker
// index gets a dedicated session; stages run on a session of their own.
type SQLLocker struct {
	db  *sql.DB
	log *slog.Logger

	mu    sync.Mutex
	conns map[int]*sql.Conn
	main  *sql.Conn
}

var _ Locker = (*SQLLocker)(nil)

// OpenSQL parses dsn and prepares a locker. No connection is made until
// the first statement. lockWait bounds how long a statement waits for
// conflicting locks.
func OpenSQL(dsn string, lockWait time.Duration) (*SQLLocker, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse lock DSN")
	}
	if lockWait > 0 {
		if cfg.Params == nil {
			cfg.Params = make(map[string]string)
		}
		cfg.Params["lock_wait_timeout"] = strconv.FormatInt(int64(max(lockWait/time.Second, 1)), 10)
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "create connector")
	}
	return &SQLLocker{
		db:    sql.OpenDB(connector),
		log:   slog.With("component", "lock", "addr", cfg.Addr),
		conns: make(map[int]*sql.Conn),
	}, nil
}

// conn returns the session owned by worker, opening it on first use.
func (l *SQLLocker) conn(ctx context.Context, worker int) (*sql.Conn, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.conns[worker]; ok {
		return c, nil
	}
	c, err := l.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "connect worker %d", worker)
	}
	l.conns[worker] = c
	return c, nil
}

// BackupLock implements Locker.
func (l *SQLLocker) BackupLock(ctx context.Context, worker int, quotedName string) error {
	c, err := l.conn(ctx, worker)
	if err != nil {
		return err
	}
	if _, err := c.ExecContext(ctx, "BACKUP LOCK "+quotedName); err != nil {
		return errors.Wrapf(err, "backup lock %s", quotedName)
	}
	return nil
}

// BackupUnlock implements Locker.
func (l *SQLLocker) BackupUnlock(ctx context.Context, worker int) error {
	c, err := l.conn(ctx, worker)
	if err != nil {
		return err
	}
	if _, err := c.ExecContext(ctx, "BACKUP UNLOCK"); err != nil {
		return errors.Wrap(err, "backup unlock")
	}
	return nil
}

// Stage implements Locker.
func (l *SQLLocker) Stage(ctx context.Context, stage Stage) error {
	if !stage.Valid() {
		return errors.Newf("unknown backup stage %q", stage)
	}
	l.mu.Lock()
	if l.main == nil {
		c, err := l.db.Conn(ctx)
		if err != nil {
			l.mu.Unlock()
			return errors.Wrap(err, "connect stage session")
		}
		l.main = c
	}
	c := l.main
	l.mu.Unlock()

	start := time.Now()
	if _, err := c.ExecContext(ctx, "BACKUP STAGE "+string(stage)); err != nil {
		return errors.Wrapf(err, "backup stage %s", stage)
	}
	l.log.Info("entered backup stage", "stage", stage, "duration", time.Since(start))
	return nil
}

// Close releases every session.
func (l *SQLLocker) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var err error
	for w, c := range l.conns {
		err = errors.CombineErrors(err, c.Close())
		delete(l.conns, w)
	}
	if l.main != nil {
		err = errors.CombineErrors(err, l.main.Close())
		l.main = nil
	}
	return errors.CombineErrors(err, l.db.Close())
}
