package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateWorkspace(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	ws, err := store.Create("job-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Root(), "job-1"), ws.Dir)
	assert.DirExists(t, ws.InDir)
	assert.DirExists(t, ws.OutDir)
}

func TestWorkspaceRejectsTraversal(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"", "..", "../etc", "a/b", ".hidden"} {
		_, err := store.Workspace(id)
		assert.Error(t, err, "id %q", id)
	}
}

func TestSaveInput(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ws, err := store.Create("job-1")
	require.NoError(t, err)

	path, size, err := store.SaveInput(ws, ".docx", strings.NewReader("PK\x03\x04data"), 1024)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(ws.InDir, "job-1.docx"), path)
	assert.Equal(t, int64(8), size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04data", string(data))
}

func TestSaveInputEnforcesLimit(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)
	ws, err := store.Create("job-1")
	require.NoError(t, err)

	_, _, err = store.SaveInput(ws, ".docx", bytes.NewReader(make([]byte, 11)), 10)
	require.ErrorIs(t, err, ErrTooLarge)
	assert.NoFileExists(t, filepath.Join(ws.InDir, "job-1.docx"))

	_, size, err := store.SaveInput(ws, ".docx", bytes.NewReader(make([]byte, 10)), 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)
}

func TestRemoveAndPurge(t *testing.T) {
	store, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	ws, err := store.Create("job-1")
	require.NoError(t, err)
	require.NoError(t, store.Remove(ws))
	assert.NoDirExists(t, ws.Dir)
	require.NoError(t, store.Remove(ws), "removing twice is a no-op")

	require.Error(t, store.Remove(Workspace{Dir: "/tmp"}))

	_, err = store.Create("job-2")
	require.NoError(t, err)
	_, err = store.Create("job-3")
	require.NoError(t, err)
	n, err := store.Purge()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
