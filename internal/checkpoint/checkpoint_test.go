package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/hotbackup/internal/storage"
)

func TestRecorderManifest(t *testing.T) {
	r := NewRecorder()
	aria := r.Hook("Aria")
	myisam := r.Hook("MyISAM")

	var wg sync.WaitGroup
	for _, name := range []string{"t3", "t1", "t2"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			aria("db", name, "v1")
		}(name)
	}
	wg.Wait()
	myisam("a", "x", "")
	aria("db", "t1", "v2")

	require.Equal(t, 4, r.Len())
	mf := r.Manifest("id-1")
	require.Equal(t, "id-1", mf.BackupID)
	require.Equal(t, []Entry{
		{DB: "a", Table: "x", Engine: "MyISAM"},
		{DB: "db", Table: "t1", Engine: "Aria", Version: "v2"},
		{DB: "db", Table: "t2", Engine: "Aria", Version: "v1"},
		{DB: "db", Table: "t3", Engine: "Aria", Version: "v1"},
	}, mf.Tables)
}

func TestSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	sink, err := storage.NewLocalSink(dir)
	require.NoError(t, err)

	cfg := Config{Enabled: true}
	r := NewRecorder()
	r.Add("Aria", "db", "t", "abc")
	require.NoError(t, NewManager(cfg, sink).Save(context.Background(), r.Manifest("id-2")))

	_, err = os.Stat(filepath.Join(dir, DefaultName+".tmp"))
	require.True(t, os.IsNotExist(err))

	mf, err := Load(dir, cfg)
	require.NoError(t, err)
	require.Equal(t, "id-2", mf.BackupID)
	require.Len(t, mf.Tables, 1)
	require.Equal(t, "abc", mf.Tables[0].Version)
}

func TestDisabledManager(t *testing.T) {
	dir := t.TempDir()
	sink, err := storage.NewLocalSink(dir)
	require.NoError(t, err)

	cfg := Config{}
	require.NoError(t, NewManager(cfg, sink).Save(context.Background(), NewRecorder().Manifest("x")))
	_, err = Load(dir, cfg)
	require.True(t, errors.Is(err, ErrNoCheckpoint))
}

func TestLoadCorrupt(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Name: "m.json"}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "m.json"), []byte("{"), 0644))
	_, err := Load(dir, cfg)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrNoCheckpoint))
}
