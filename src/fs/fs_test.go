package fs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileCreatesParentDirs(t *testing.T) {
	root := t.TempDir()
	to := filepath.Join(root, "a", "b", "ref")

	require.NoError(t, WriteFile(bytes.NewReader([]byte("content")), to, 0644))

	data, err := os.ReadFile(to)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))
}

func TestWriteFileOverwritesExisting(t *testing.T) {
	root := t.TempDir()
	to := filepath.Join(root, "ref")

	require.NoError(t, WriteFile(bytes.NewReader([]byte("first")), to, 0644))
	require.NoError(t, WriteFile(bytes.NewReader([]byte("second")), to, 0644))

	data, err := os.ReadFile(to)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestWriteFileDefaultMode(t *testing.T) {
	root := t.TempDir()
	to := filepath.Join(root, "ref")

	require.NoError(t, WriteFile(bytes.NewReader([]byte("x")), to, 0))

	info, err := os.Stat(to)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0664), info.Mode())
}
