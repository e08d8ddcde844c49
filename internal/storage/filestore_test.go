package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	dir := t.TempDir()
	fs, err := NewFileStore(dir, zerolog.Nop())
	require.NoError(t, err)
	return fs, dir
}

func TestWriteReadRoundTrip(t *testing.T) {
	fs, _ := newTestStore(t)

	in := []map[string]interface{}{
		{"id": "a", "value": 1.5},
		{"id": "b", "value": 2.5},
	}
	require.NoError(t, fs.Write("round.json", in))

	var out []map[string]interface{}
	require.NoError(t, fs.Read("round.json", &out))
	assert.Equal(t, in, out)
}

func TestReadMissingFileIsEmptyArray(t *testing.T) {
	fs, _ := newTestStore(t)

	var out []map[string]interface{}
	require.NoError(t, fs.Read("nope.json", &out))
	assert.Empty(t, out)
}

func TestReadCoercesObjectToArray(t *testing.T) {
	fs, dir := newTestStore(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "obj.json"),
		[]byte(`{"id":"solo"}`), 0o644))

	var out []map[string]interface{}
	require.NoError(t, fs.Read("obj.json", &out))
	require.Len(t, out, 1)
	assert.Equal(t, "solo", out[0]["id"])
}

func TestReadCoercesScalarToEmptyArray(t *testing.T) {
	fs, dir := newTestStore(t)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "num.json"), []byte(`42`), 0o644))

	var out []map[string]interface{}
	require.NoError(t, fs.Read("num.json", &out))
	assert.Empty(t, out)
}

func TestWriteKeepsBackup(t *testing.T) {
	fs, dir := newTestStore(t)

	require.NoError(t, fs.Write("b.json", []string{"first"}))
	require.NoError(t, fs.Write("b.json", []string{"second"}))

	backup, err := os.ReadFile(filepath.Join(dir, "b.json.backup"))
	require.NoError(t, err)
	assert.Contains(t, string(backup), "first")

	current, err := os.ReadFile(filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	assert.Contains(t, string(current), "second")
}

func TestEntityStoreCRUD(t *testing.T) {
	fs, _ := newTestStore(t)

	store, err := NewEntityStore(fs, "entities.json")
	require.NoError(t, err)
	assert.Empty(t, store.List())

	created, err := store.Create(map[string]interface{}{"name": "alpha"})
	require.NoError(t, err)
	id, _ := created["id"].(string)
	assert.NotEmpty(t, id)
	assert.NotEmpty(t, created["created_date"])

	updated, err := store.Update(id, map[string]interface{}{"name": "beta", "id": "nope"})
	require.NoError(t, err)
	assert.Equal(t, "beta", updated["name"])
	assert.Equal(t, id, updated["id"])

	matched := store.Filter(map[string]interface{}{"name": "beta"})
	assert.Len(t, matched, 1)
	assert.Empty(t, store.Filter(map[string]interface{}{"name": "alpha"}))

	require.NoError(t, store.Delete(id))
	assert.Empty(t, store.List())
	assert.ErrorIs(t, store.Delete(id), ErrEntityNotFound)
}

func TestEntityStorePersistsAcrossReload(t *testing.T) {
	fs, _ := newTestStore(t)

	store, err := NewEntityStore(fs, "persist.json")
	require.NoError(t, err)
	created, err := store.Create(map[string]interface{}{"name": "alpha"})
	require.NoError(t, err)

	reloaded, err := NewEntityStore(fs, "persist.json")
	require.NoError(t, err)
	rows := reloaded.List()
	require.Len(t, rows, 1)
	assert.Equal(t, created["id"], rows[0]["id"])
}
