package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent", "state.yaml")
	st := State{ServerURL: "https://podscribe.example.com", NodeID: "n-1", APIKey: "secret"}
	require.NoError(t, st.Save(path))

	got, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, st, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "state holds the api key")
}

func TestLoadStateMissingFile(t *testing.T) {
	got, err := LoadState(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, State{}, got)
}

func TestLoadStateRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o600))
	_, err := LoadState(path)
	assert.Error(t, err)
}

func TestSaveOverwritesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.yaml")
	require.NoError(t, State{NodeID: "old"}.Save(path))
	require.NoError(t, State{NodeID: "new"}.Save(path))

	got, err := LoadState(path)
	require.NoError(t, err)
	assert.Equal(t, "new", got.NodeID)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
