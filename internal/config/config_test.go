package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks the override variables so ambient values cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("MNEMO_SECRET_POLICY", "")
	t.Setenv("MNEMO_DB_PATH", "")
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadSparseFileKeepsDefaultsForMissingFields(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "mnemo.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db_path": "/data/m.db",
		"ingest": {"secret_policy": "reject"}
	}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/m.db", cfg.DBPath)
	assert.Equal(t, SecretReject, cfg.Ingest.SecretPolicy)

	// untouched sections fall back to defaults
	assert.Equal(t, 65536, cfg.Ingest.ExcerptBytesMax)
	assert.Equal(t, 2000, cfg.Retrieval.CandidatePoolMax)
	assert.Equal(t, 30, cfg.Deadlines.WriteSeconds)
}

func TestLoadRejectsMalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemo.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"db_path": `), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MNEMO_DB_PATH", "/env/m.db")
	t.Setenv("MNEMO_SECRET_POLICY", "reject")
	t.Setenv("GEMINI_API_KEY", "test-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "/env/m.db", cfg.DBPath)
	assert.Equal(t, SecretReject, cfg.Ingest.SecretPolicy)
	assert.Equal(t, "test-key", cfg.Summarizer.APIKey)
}

func TestEnvIgnoresUnknownSecretPolicy(t *testing.T) {
	clearEnv(t)
	t.Setenv("MNEMO_SECRET_POLICY", "shrug")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, SecretRedact, cfg.Ingest.SecretPolicy)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sub", "mnemo.json")

	want := Default()
	want.DBPath = "/data/m.db"
	want.Retrieval.ScoredMax = 50
	require.NoError(t, want.Save(path))

	got, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.json")

	initial := Default()
	require.NoError(t, initial.Save(path))

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	defer w.Close()

	reloaded := make(chan *Config, 1)
	w.Subscribe(func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})

	next := Default()
	next.Retrieval.ScoredMax = 77
	require.NoError(t, next.Save(path))

	select {
	case got := <-reloaded:
		assert.Equal(t, 77, got.Retrieval.ScoredMax)
		assert.Equal(t, 77, w.Current().Retrieval.ScoredMax)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher never reloaded")
	}
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mnemo.json")

	initial := Default()
	require.NoError(t, initial.Save(path))

	w, err := NewWatcher(path, initial, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{}`), 0o644))

	time.Sleep(100 * time.Millisecond)
	assert.Same(t, initial, w.Current())
}
