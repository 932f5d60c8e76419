// Package checkpoint records which table versions went into a backup.
//
// The post-copy hooks of the engine backups feed a Recorder. When the backup
// completes, the collected manifest is written into the destination next to
// the copied files, and prepare reads it back from the target directory.
package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"

	"github.com/withObsrvr/hotbackup/internal/storage"
	"github.com/withObsrvr/hotbackup/internal/tables"
)

// ErrNoCheckpoint is returned when a backup carries no manifest.
var ErrNoCheckpoint = errors.New("no manifest found")

// DefaultName is the manifest file name inside a backup.
const DefaultName = "hotbackup_tables.json"

// Entry is one copied table.
type Entry struct {
	DB      string `json:"db"`
	Table   string `json:"table"`
	Engine  string `json:"engine"`
	Version string `json:"version,omitempty"`
}

// Manifest lists the tables of a backup.
type Manifest struct {
	BackupID  string    `json:"backup_id"`
	Tables    []Entry   `json:"tables"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Manager persists manifests.
type Manager interface {
	// Save stores the manifest in the backup.
	Save(ctx context.Context, m *Manifest) error
}

// Config configures the manifest.
type Config struct {
	Enabled bool
	Name    string // file name inside the backup, DefaultName if empty
}

func (c Config) name() string {
	if c.Name == "" {
		return DefaultName
	}
	return c.Name
}

// NewManager creates a manager writing through sink.
func NewManager(cfg Config, sink storage.Sink) Manager {
	if !cfg.Enabled {
		return noopManager{}
	}
	return &sinkManager{sink: sink, name: cfg.name()}
}

// sinkManager writes the manifest into the backup destination.
type sinkManager struct {
	sink storage.Sink
	name string
}

// Save writes the manifest under a temporary name and renames it into place.
func (m *sinkManager) Save(ctx context.Context, mf *Manifest) error {
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal manifest")
	}

	tempName := m.name + ".tmp"
	out, err := m.sink.Open(ctx, tempName, nil, false)
	if err != nil {
		return errors.Wrap(err, "create manifest temp file")
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return errors.Wrap(err, "write manifest temp file")
	}
	if err := out.Close(); err != nil {
		return errors.Wrap(err, "close manifest temp file")
	}

	if err := m.sink.Rename(ctx, tempName, m.name); err != nil {
		_ = m.sink.Remove(ctx, tempName)
		return errors.Wrap(err, "rename manifest")
	}
	return nil
}

// noopManager is used when the manifest is disabled.
type noopManager struct{}

func (noopManager) Save(_ context.Context, _ *Manifest) error { return nil }

// Load reads the manifest from a local backup directory.
func Load(dir string, cfg Config) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, cfg.name()))
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, errors.Wrap(err, "read manifest")
	}

	var mf Manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, errors.Wrap(err, "parse manifest")
	}
	return &mf, nil
}

// Recorder collects copied tables from the post-copy hooks. It is safe for
// concurrent use.
type Recorder struct {
	mu      sync.Mutex
	entries map[tables.Key]Entry
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{entries: make(map[tables.Key]Entry)}
}

// Add records a copied table. A later copy of the same table replaces the
// earlier one.
func (r *Recorder) Add(engine, db, table, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[tables.Key{DB: db, Table: table}] = Entry{DB: db, Table: table, Engine: engine, Version: version}
}

// Hook returns a post-copy hook recording tables of engine.
func (r *Recorder) Hook(engine string) func(db, table, version string) {
	return func(db, table, version string) {
		r.Add(engine, db, table, version)
	}
}

// Len returns the number of recorded tables.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Manifest returns the recorded tables sorted by name.
func (r *Recorder) Manifest(backupID string) *Manifest {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DB != out[j].DB {
			return out[i].DB < out[j].DB
		}
		return out[i].Table < out[j].Table
	})
	return &Manifest{BackupID: backupID, Tables: out, UpdatedAt: time.Now().UTC()}
}
