package artifactcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/plz-cas-cache/src/internal/artifactproto"
)

type fakeElement struct {
	project, name string
}

func (e fakeElement) Project() string { return e.project }
func (e fakeElement) Name() string    { return e.name }

func writeRef(t *testing.T, root string, e Element, key string, data []byte) {
	t.Helper()
	path := refPath(root, e, key)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0775))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestContains(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	e := fakeElement{"proj", "el"}

	assert.False(t, c.Contains(e, "k1"))
	writeRef(t, root, e, "k1", []byte("x"))
	assert.True(t, c.Contains(e, "k1"))
}

func TestUpdateMtime(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	e := fakeElement{"proj", "el"}
	writeRef(t, root, e, "k1", []byte("x"))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(refPath(root, e, "k1"), old, old))

	require.NoError(t, c.UpdateMtime(e, "k1"))

	info, err := os.Stat(refPath(root, e, "k1"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), 5*time.Second)
}

func TestRemovePrunesEmptyParents(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	e := fakeElement{"proj", "el"}
	writeRef(t, root, e, "k1", []byte("x"))

	require.NoError(t, c.Remove(e, "k1"))

	assert.NoDirExists(t, filepath.Join(root, "proj", "el"))
	assert.NoDirExists(t, filepath.Join(root, "proj"))
	assert.DirExists(t, root)
}

func TestRemoveDoesNotPruneNonEmptySibling(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	e1 := fakeElement{"proj", "el1"}
	e2 := fakeElement{"proj", "el2"}
	writeRef(t, root, e1, "k1", []byte("x"))
	writeRef(t, root, e2, "k1", []byte("y"))

	require.NoError(t, c.Remove(e1, "k1"))

	assert.NoDirExists(t, filepath.Join(root, "proj", "el1"))
	assert.DirExists(t, filepath.Join(root, "proj", "el2"))
}

func TestLinkKeySharesInode(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	e := fakeElement{"proj", "el"}
	writeRef(t, root, e, "strong", []byte("content"))

	require.NoError(t, c.LinkKey(e, "strong", "weak"))

	assert.True(t, c.Contains(e, "weak"))
	oldInfo, err := os.Stat(refPath(root, e, "strong"))
	require.NoError(t, err)
	newInfo, err := os.Stat(refPath(root, e, "weak"))
	require.NoError(t, err)
	assert.True(t, os.SameFile(oldInfo, newInfo))
}

func TestLinkKeyNoopWhenNewAlreadyExists(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	e := fakeElement{"proj", "el"}
	writeRef(t, root, e, "strong", []byte("content"))
	writeRef(t, root, e, "weak", []byte("other"))

	require.NoError(t, c.LinkKey(e, "strong", "weak"))

	data, err := os.ReadFile(refPath(root, e, "weak"))
	require.NoError(t, err)
	assert.Equal(t, "other", string(data))
}

func TestListArtifactsSortedByMtimeThenName(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	e := fakeElement{"proj", "el"}

	writeRef(t, root, e, "newer", []byte("1"))
	writeRef(t, root, e, "older", []byte("2"))
	writeRef(t, root, e, "a-tie", []byte("3"))
	writeRef(t, root, e, "b-tie", []byte("4"))

	now := time.Now()
	require.NoError(t, os.Chtimes(refPath(root, e, "older"), now.Add(-2*time.Hour), now.Add(-2*time.Hour)))
	require.NoError(t, os.Chtimes(refPath(root, e, "newer"), now, now))
	tie := now.Add(-time.Hour)
	require.NoError(t, os.Chtimes(refPath(root, e, "a-tie"), tie, tie))
	require.NoError(t, os.Chtimes(refPath(root, e, "b-tie"), tie, tie))

	names, err := c.ListArtifacts("")
	require.NoError(t, err)
	assert.Equal(t, []string{"proj/el/older", "proj/el/a-tie", "proj/el/b-tie", "proj/el/newer"}, names)
}

func TestListArtifactsFiltersByGlob(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	writeRef(t, root, fakeElement{"proj1", "el"}, "k", []byte("1"))
	writeRef(t, root, fakeElement{"proj2", "el"}, "k", []byte("2"))

	names, err := c.ListArtifacts("proj1/*/*")
	require.NoError(t, err)
	assert.Equal(t, []string{"proj1/el/k"}, names)
}

func TestListArtifactsEmptyRoot(t *testing.T) {
	c := &Cache{Root: filepath.Join(t.TempDir(), "missing")}
	names, err := c.ListArtifacts("")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestDedupKeys(t *testing.T) {
	assert.Equal(t, []string{"s", "w"}, dedupKeys("s", "w"))
	assert.Equal(t, []string{"s"}, dedupKeys("s", "s"))
	assert.Equal(t, []string{"w"}, dedupKeys("", "w"))
	assert.Empty(t, dedupKeys("", ""))
}

func TestPersistThenReadBack(t *testing.T) {
	root := t.TempDir()
	c := &Cache{Root: root}
	e := fakeElement{"proj", "el"}
	a := &artifactproto.Artifact{StrongKey: "s", WeakKey: "w"}

	require.NoError(t, c.persist(e, "s", a))

	data, err := os.ReadFile(refPath(root, e, "s"))
	require.NoError(t, err)
	got, err := artifactproto.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, a.StrongKey, got.StrongKey)
	assert.Equal(t, a.WeakKey, got.WeakKey)
}
