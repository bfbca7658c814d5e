// Package artifactcache implements the Artifact Cache (spec.md §4.9): it
// maps an element and a cache key to a locally stored Artifact proto, and
// pushes/pulls the blobs the proto references to/from configured remotes.
// It never parses the blobs it ships beyond the Artifact record itself
// (§3 invariant I6) and never deletes blobs directly -- eviction is the
// storage daemon's job (§9).
package artifactcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/thought-machine/plz-cas-cache/src/assetcache"
	"github.com/thought-machine/plz-cas-cache/src/cacheerrors"
	"github.com/thought-machine/plz-cas-cache/src/cli/logging"
	"github.com/thought-machine/plz-cas-cache/src/cmap"
	"github.com/thought-machine/plz-cas-cache/src/digest"
	fsutil "github.com/thought-machine/plz-cas-cache/src/fs"
	"github.com/thought-machine/plz-cas-cache/src/internal/artifactproto"
	"github.com/thought-machine/plz-cas-cache/src/localcas"
)

var log = logging.Log

// Element is the narrow contract the element/source object model (out of
// scope per spec.md §1) is reached through: just enough to name a ref path.
// Name is a filesystem-safe string the element itself is responsible for
// producing (e.g. its normalized build label); the core treats it as an
// opaque path component.
type Element interface {
	Project() string
	Name() string
}

// Cache is the Artifact Cache: a local ref directory rooted at Root, backed
// by Local for all blob I/O, and Remotes for push/pull targets.
type Cache struct {
	Root    string
	Local   *localcas.Client
	Remotes *assetcache.Remotes

	pullOnce sync.Once
	pulling  *cmap.ErrMap[string, bool]
}

// pullKey dedupes concurrent Pull calls for the same (project, element, key);
// two build actions racing on the same artifact should only trigger one
// remote pull, with the loser waiting on and sharing the winner's result.
// This is a memoizing map with no eviction, same shape as the asp
// interpreter's subinclude/AST caches: the first caller for a given key
// resolves it, and every later call -- concurrent or not -- shares that
// outcome instead of round-tripping to the remotes again. Callers normally
// guard Pull with Contains, so a cached hit is rarely consulted twice; a
// cached miss means a retry within the process lifetime won't pick up an
// artifact a remote gained afterwards, which is an accepted limitation of
// this dedup scheme.
func pullKey(e Element, key string) string {
	return e.Project() + "/" + e.Name() + "/" + key
}

// dedup lazily builds the in-flight-pull map on first use.
func (c *Cache) dedup() *cmap.ErrMap[string, bool] {
	c.pullOnce.Do(func() {
		c.pulling = cmap.NewErrMap[string, bool](cmap.DefaultShardCount, cmap.XXHash, nil)
	})
	return c.pulling
}

func refPath(root string, e Element, key string) string {
	return filepath.Join(root, e.Project(), e.Name(), key)
}

// Contains reports whether a ref file exists locally for (e, key). It does
// not check that the blobs the proto references are still present.
func (c *Cache) Contains(e Element, key string) bool {
	_, err := os.Stat(refPath(c.Root, e, key))
	return err == nil
}

// UpdateMtime touches the ref file's mtime to now, the LRU clock per §3
// invariant I3. Called on every cache hit.
func (c *Cache) UpdateMtime(e Element, key string) error {
	now := time.Now()
	return os.Chtimes(refPath(c.Root, e, key), now, now)
}

// Remove deletes the ref file for (e, key) and prunes now-empty parent
// directories up to, but not including, Root.
func (c *Cache) Remove(e Element, key string) error {
	path := refPath(c.Root, e, key)
	if err := os.Remove(path); err != nil {
		return err
	}
	root := filepath.Clean(c.Root)
	for dir := filepath.Dir(path); dir != root && len(dir) > len(root); dir = filepath.Dir(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// LinkKey hard-links the ref file stored under oldKey to newKey, if newKey
// does not already exist. Used to promote a weak-key entry to a strong-key
// name once the strong key is known (§4.9).
func (c *Cache) LinkKey(e Element, oldKey, newKey string) error {
	newPath := refPath(c.Root, e, newKey)
	if _, err := os.Stat(newPath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(newPath), fsutil.DirPermissions); err != nil {
		return err
	}
	return os.Link(refPath(c.Root, e, oldKey), newPath)
}

// refEntry is one ref file discovered while walking Root, kept around long
// enough to sort by mtime before the names are returned.
type refEntry struct {
	name  string
	mtime time.Time
}

// ListArtifacts walks the whole ref directory, returning ref names
// (relative to Root, e.g. "project/element/key") that match glob -- a
// shell-style pattern per path/filepath.Match -- sorted non-descending by
// mtime with ties broken lexicographically by name (§8 P5). An empty glob
// matches everything.
func (c *Cache) ListArtifacts(glob string) ([]string, error) {
	var entries []refEntry
	err := filepath.WalkDir(c.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(c.Root, path)
		if err != nil {
			return err
		}
		if glob != "" {
			matched, err := filepath.Match(glob, rel)
			if err != nil {
				return err
			}
			if !matched {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, refEntry{name: rel, mtime: info.ModTime()})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].mtime.Equal(entries[j].mtime) {
			return entries[i].mtime.Before(entries[j].mtime)
		}
		return entries[i].name < entries[j].name
	})
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.name
	}
	return names, nil
}

// Push sends a's blobs to every push-enabled storage remote configured for
// e.Project(), then publishes a to every push-enabled index remote under
// both its strong and weak keys, skipping remotes that already hold the
// proto under either key. It returns whether any index remote accepted a
// new proto (§4.9 step 3).
func (c *Cache) Push(ctx context.Context, e Element, a *artifactproto.Artifact) (bool, error) {
	project := e.Project()

	for _, rc := range c.Remotes.StorageRemotes(project) {
		if !rc.Push() {
			continue
		}
		if err := c.pushStorage(ctx, rc.InstanceName(), a); err != nil {
			if _, ok := err.(*cacheerrors.CacheTooFull); ok {
				log.Warning("remote %s is too full for artifact %s: %s", rc.InstanceName(), e.Name(), err)
				continue
			}
			return false, &cacheerrors.ArtifactError{
				Msg:    fmt.Sprintf("pushing artifact %s to storage remote %s", e.Name(), rc.InstanceName()),
				Detail: err.Error(),
			}
		}
	}

	keys := dedupKeys(a.StrongKey, a.WeakKey)
	pushedAny := false
	for _, rc := range c.Remotes.IndexRemotes(project) {
		if !rc.Push() {
			continue
		}
		if c.indexAlreadyHas(ctx, rc, keys, e.Name()) {
			continue
		}
		ok := true
		for _, key := range keys {
			if err := rc.UpdateArtifact(ctx, key, a); err != nil {
				log.Warning("publishing artifact %s under key %s to %s failed: %s", e.Name(), key, rc.InstanceName(), err)
				ok = false
			}
		}
		if ok {
			pushedAny = true
		}
	}
	return pushedAny, nil
}

func (c *Cache) indexAlreadyHas(ctx context.Context, rc indexRemote, keys []string, name string) bool {
	for _, key := range keys {
		if _, err := rc.GetArtifact(ctx, key); err == nil {
			return true
		} else if _, ok := err.(*cacheerrors.BlobNotFound); !ok {
			log.Warning("checking index remote %s for %s failed: %s", rc.InstanceName(), name, err)
		}
	}
	return false
}

func (c *Cache) pushStorage(ctx context.Context, instanceName string, a *artifactproto.Artifact) error {
	local := c.Local.WithInstanceName(instanceName)
	if err := local.PushTree(ctx, a.Files); err != nil {
		return err
	}
	if !a.Buildtree.IsEmpty() {
		if err := local.PushTree(ctx, a.Buildtree); err != nil && !isLocalNotExist(err) {
			return err
		}
	}
	if !a.PublicData.IsEmpty() {
		if err := local.SendBlobs(ctx, instanceName, []digest.Digest{a.PublicData}); err != nil {
			return err
		}
	}
	if len(a.Logs) > 0 {
		if err := local.SendBlobs(ctx, instanceName, a.Logs); err != nil {
			return err
		}
	}
	return nil
}

// Pull retrieves the artifact proto stored under key from the first index
// remote that has it, then tries each storage remote in priority order
// until one has all the referenced blobs, and persists the proto locally.
// Per-remote errors are accumulated, not propagated, until every remote of
// a kind has been tried (§7 propagation policy).
func (c *Cache) Pull(ctx context.Context, e Element, key string, pullBuildtrees bool) (bool, error) {
	return c.dedup().GetOrSet(pullKey(e, key), func() (bool, error) {
		return c.pull(ctx, e, key, pullBuildtrees)
	})
}

func (c *Cache) pull(ctx context.Context, e Element, key string, pullBuildtrees bool) (bool, error) {
	project := e.Project()

	proto, indexErrs := c.pullIndex(ctx, project, key)
	if proto == nil {
		if indexErrs != nil {
			return false, &cacheerrors.ArtifactError{
				Msg:    fmt.Sprintf("pulling artifact %s: no index remote reachable", e.Name()),
				Detail: indexErrs.Error(),
			}
		}
		return false, nil
	}

	var storageErrs *multierror.Error
	for _, rc := range c.Remotes.StorageRemotes(project) {
		local := c.Local.WithInstanceName(rc.InstanceName())
		if err := c.pullStorage(ctx, local, proto, pullBuildtrees); err != nil {
			storageErrs = multierror.Append(storageErrs, fmt.Errorf("%s: %w", rc.InstanceName(), err))
			continue
		}
		if err := c.persist(e, key, proto); err != nil {
			return false, err
		}
		return true, nil
	}
	if storageErrs != nil {
		return false, &cacheerrors.ArtifactError{
			Msg:    fmt.Sprintf("pulling artifact %s: no storage remote had all blobs", e.Name()),
			Detail: storageErrs.Error(),
		}
	}
	return false, nil
}

func (c *Cache) pullIndex(ctx context.Context, project, key string) (*artifactproto.Artifact, *multierror.Error) {
	var errs *multierror.Error
	for _, rc := range c.Remotes.IndexRemotes(project) {
		a, err := rc.GetArtifact(ctx, key)
		if err == nil {
			return a, nil
		}
		if _, ok := err.(*cacheerrors.BlobNotFound); ok {
			continue
		}
		errs = multierror.Append(errs, fmt.Errorf("%s: %w", rc.InstanceName(), err))
	}
	return nil, errs
}

func (c *Cache) pullStorage(ctx context.Context, local *localcas.Client, a *artifactproto.Artifact, pullBuildtrees bool) error {
	if err := local.PullTree(ctx, a.Files); err != nil {
		return err
	}
	if pullBuildtrees && !a.Buildtree.IsEmpty() {
		if err := local.PullTree(ctx, a.Buildtree); err != nil {
			return err
		}
	}
	if !a.PublicData.IsEmpty() {
		if _, err := local.FetchBlobs(ctx, local.InstanceName, []digest.Digest{a.PublicData}, false); err != nil {
			return err
		}
	}
	if len(a.Logs) > 0 {
		if _, err := local.FetchBlobs(ctx, local.InstanceName, a.Logs, false); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) persist(e Element, key string, a *artifactproto.Artifact) error {
	data := artifactproto.Marshal(a)
	if err := fsutil.WriteFile(bytes.NewReader(data), refPath(c.Root, e, key), 0644); err != nil {
		return &cacheerrors.ArtifactError{Msg: fmt.Sprintf("persisting artifact %s", e.Name()), Detail: err.Error()}
	}
	return nil
}

// dedupKeys returns the distinct, non-empty keys among strong and weak,
// preserving strong-before-weak order.
func dedupKeys(strong, weak string) []string {
	var keys []string
	if strong != "" {
		keys = append(keys, strong)
	}
	if weak != "" && weak != strong {
		keys = append(keys, weak)
	}
	return keys
}

func isLocalNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// indexRemote is the slice of *remote.Client's artifact-service surface
// this package depends on, named here so indexAlreadyHas can be tested
// against a fake without dialing a real remote.
type indexRemote interface {
	GetArtifact(ctx context.Context, cacheKey string) (*artifactproto.Artifact, error)
	InstanceName() string
}
