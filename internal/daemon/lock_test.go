package daemon

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataDirLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	first := NewDataDirLock(dir)
	assert.Equal(t, filepath.Join(dir, "docsync.lock"), first.Path())
	assert.False(t, first.IsLocked())

	require.NoError(t, first.Acquire())
	assert.True(t, first.IsLocked())
	assert.FileExists(t, first.Path())

	second := NewDataDirLock(dir)
	assert.ErrorIs(t, second.Acquire(), ErrDataDirLocked)
	assert.False(t, second.IsLocked())

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "release is idempotent")
	assert.False(t, first.IsLocked())

	require.NoError(t, second.Acquire())
	require.NoError(t, second.Release())
}
