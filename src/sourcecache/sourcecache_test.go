package sourcecache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/plz-cas-cache/src/digest"
	"github.com/thought-machine/plz-cas-cache/src/internal/sourceproto"
)

func TestURN(t *testing.T) {
	assert.Equal(t, "urn:fdc:buildstream.build:2020:source:abc123", URN("abc123"))
}

func TestPersistThenGet(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	d := digest.Digest{Hash: "deadbeef", Size: 4}

	require.NoError(t, c.persist("r1", &sourceproto.Source{Files: d}))

	got, err := c.get("r1")
	require.NoError(t, err)
	assert.Equal(t, d, got.Files)
}

func TestGetMissingRefErrors(t *testing.T) {
	c := &Cache{Root: t.TempDir()}
	_, err := c.get("nope")
	assert.Error(t, err)
}

func TestUpdateMtime(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	require.NoError(t, c.persist("r1", &sourceproto.Source{}))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(c.refPath("r1"), old, old))

	require.NoError(t, c.UpdateMtime("r1"))

	info, err := os.Stat(c.refPath("r1"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), 5*time.Second)
}

func TestRemovePrunesEmptyParents(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	require.NoError(t, c.persist("sub/r1", &sourceproto.Source{}))

	require.NoError(t, c.Remove("sub/r1"))

	assert.NoDirExists(t, filepath.Join(root, "sub"))
	assert.DirExists(t, root)
}
