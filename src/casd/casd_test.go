package casd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionLess(t *testing.T) {
	assert.True(t, versionLess([3]int{0, 0, 1}, [3]int{0, 0, 58}))
	assert.False(t, versionLess([3]int{0, 1, 0}, [3]int{0, 0, 58}))
	assert.False(t, versionLess([3]int{0, 0, 58}, [3]int{0, 0, 58}))
}

func TestMakeSocketPath(t *testing.T) {
	root := t.TempDir()
	tempDir, socketPath, err := makeSocketPath(root)
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)

	target, err := os.Readlink(filepath.Join(tempDir, "cas"))
	require.NoError(t, err)
	assert.Equal(t, root, target)
	assert.Equal(t, filepath.Join(tempDir, "cas"), filepath.Dir(socketPath))
}

func TestRotateAndNextLogFileKeepsAtMostMaxLogFiles(t *testing.T) {
	logDir := t.TempDir()
	for i := 0; i < MaxLogFiles+1; i++ {
		path, err := rotateAndNextLogFile(logDir)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, []byte("log"), 0644))
	}
	entries, err := os.ReadDir(logDir)
	require.NoError(t, err)
	assert.Len(t, entries, MaxLogFiles)
}

func TestProcessAliveForCurrentProcess(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
	assert.False(t, processAlive(-1))
}
