package country

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedded(t *testing.T) {
	src, err := NewEmbedded()
	require.NoError(t, err)

	snap := src.Snapshot()
	assert.Greater(t, len(snap), 40)

	fr, ok := snap["FR"]
	require.True(t, ok)
	assert.Equal(t, "France", fr.Name)
	assert.True(t, fr.Active)
}

func TestSnapshot_CallersOwnTheirCopy(t *testing.T) {
	src, err := NewEmbedded()
	require.NoError(t, err)

	first := src.Snapshot()
	delete(first, "FR")
	first["XX"] = first["DE"]

	second := src.Snapshot()
	assert.Contains(t, second, "FR")
	assert.NotContains(t, second, "XX")
}

func TestNewFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "countries.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"code":"FR","name":"France","active":true}]`), 0o600))

	src, err := NewFromFile(path)
	require.NoError(t, err)
	assert.Len(t, src.Snapshot(), 1)

	t.Run("missing file", func(t *testing.T) {
		_, err := NewFromFile(filepath.Join(t.TempDir(), "nope.json"))
		assert.Error(t, err)
	})

	t.Run("empty set rejected", func(t *testing.T) {
		empty := filepath.Join(t.TempDir(), "empty.json")
		require.NoError(t, os.WriteFile(empty, []byte(`[]`), 0o600))
		_, err := NewFromFile(empty)
		assert.Error(t, err)
	})

	t.Run("entry without code rejected", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.json")
		require.NoError(t, os.WriteFile(bad, []byte(`[{"name":"Nowhere"}]`), 0o600))
		_, err := NewFromFile(bad)
		assert.Error(t, err)
	})
}

func TestReload(t *testing.T) {
	src, err := NewEmbedded()
	require.NoError(t, err)
	before := src.Snapshot()

	path := filepath.Join(t.TempDir(), "countries.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"code":"FR","name":"France","active":true}]`), 0o600))
	require.NoError(t, src.Reload(path))

	assert.Len(t, src.Snapshot(), 1)
	// The earlier snapshot is unaffected.
	assert.Greater(t, len(before), 40)

	// A failed reload leaves the current set in place.
	require.Error(t, src.Reload(filepath.Join(t.TempDir(), "nope.json")))
	assert.Len(t, src.Snapshot(), 1)
}
