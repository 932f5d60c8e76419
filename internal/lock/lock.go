// Package lock issues the server-side backup locks that keep table
// structures stable while their files are opened.
package lock

import (
	"context"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Stage is a step of the server's backup stage protocol.
type Stage string

const (
	StageStart       Stage = "START"
	StageFlush       Stage = "FLUSH"
	StageBlockDDL    Stage = "BLOCK_DDL"
	StageBlockCommit Stage = "BLOCK_COMMIT"
	StageEnd         Stage = "END"
)

var stageOrder = map[Stage]int{
	StageStart:       0,
	StageFlush:       1,
	StageBlockDDL:    2,
	StageBlockCommit: 3,
	StageEnd:         4,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageOrder[s]
	return ok
}

// Locker is the connection collaborator. Each worker index owns its own
// server session.
type Locker interface {
	// BackupLock takes the advisory lock on the quoted table name.
	BackupLock(ctx context.Context, worker int, quotedName string) error
	// BackupUnlock releases the worker's advisory lock.
	BackupUnlock(ctx context.Context, worker int) error
	// Stage advances the backup stage protocol.
	Stage(ctx context.Context, stage Stage) error
	Close() error
}

// QuoteIdent quotes a database or table name with backticks.
func QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

// QuoteTable returns the quoted db.table name.
func QuoteTable(db, table string) string {
	return QuoteIdent(db) + "." + QuoteIdent(table)
}

// Noop is a Locker that takes no locks.
type Noop struct{}

func (Noop) BackupLock(context.Context, int, string) error { return nil }
func (Noop) BackupUnlock(context.Context, int) error       { return nil }
func (Noop) Stage(context.Context, Stage) error            { return nil }
func (Noop) Close() error                                  { return nil }

// Memory tracks locks and stages in process. It enforces the stage order
// and a single lock per worker.
type Memory struct {
	mu     sync.Mutex
	held   map[int]string
	stage  Stage
	staged []Stage
	locks  []string

	// FailLock, if set, makes BackupLock fail for matching names.
	FailLock func(quotedName string) bool
}

var _ Locker = (*Memory)(nil)

// NewMemory returns an empty in-process locker.
func NewMemory() *Memory {
	return &Memory{held: make(map[int]string)}
}

func (m *Memory) BackupLock(ctx context.Context, worker int, quotedName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailLock != nil && m.FailLock(quotedName) {
		return errors.Newf("lock %s: lock wait timeout exceeded", quotedName)
	}
	if cur, ok := m.held[worker]; ok {
		return errors.Newf("worker %d already holds backup lock on %s", worker, cur)
	}
	m.held[worker] = quotedName
	m.locks = append(m.locks, quotedName)
	return nil
}

func (m *Memory) BackupUnlock(ctx context.Context, worker int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, worker)
	return nil
}

func (m *Memory) Stage(ctx context.Context, stage Stage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !stage.Valid() {
		return errors.Newf("unknown backup stage %q", stage)
	}
	if m.stage != "" && stageOrder[stage] <= stageOrder[m.stage] {
		return errors.Newf("backup stage %s after %s", stage, m.stage)
	}
	if m.stage == "" && stage != StageStart {
		return errors.Newf("backup stage %s before %s", stage, StageStart)
	}
	m.stage = stage
	m.staged = append(m.staged, stage)
	return nil
}

func (m *Memory) Close() error { return nil }

// Held returns the number of locks currently held.
func (m *Memory) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}

// Locked returns every name locked so far, in order.
func (m *Memory) Locked() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.locks...)
}

// Stages returns the stages entered so far.
func (m *Memory) Stages() []Stage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Stage(nil), m.staged...)
}
