// Package sourcecache implements the Source Cache (spec.md §4.10): it maps
// a source identifier (a ref string) to a URN-addressed directory tree, and
// pushes/pulls it via the Remote Asset protocol. It shares its on-disk ref
// shape (atomic write, mtime-as-LRU-clock) with artifactcache, but talks to
// remotes with FetchBlob/PushBlob rather than the artifact service.
package sourcecache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/thought-machine/plz-cas-cache/src/assetcache"
	"github.com/thought-machine/plz-cas-cache/src/cacheerrors"
	"github.com/thought-machine/plz-cas-cache/src/cli/logging"
	"github.com/thought-machine/plz-cas-cache/src/digest"
	fsutil "github.com/thought-machine/plz-cas-cache/src/fs"
	"github.com/thought-machine/plz-cas-cache/src/internal/sourceproto"
	"github.com/thought-machine/plz-cas-cache/src/localcas"
	"github.com/thought-machine/plz-cas-cache/src/remote"
)

var log = logging.Log

// urnTemplate is the Remote-Asset URI a source ref is published under.
// The namespace and year are build-system constants (§6), grounded on the
// template BuildStream's own source cache uses for the same purpose.
const urnTemplate = "urn:fdc:buildstream.build:2020:source:%s"

// URN returns the Remote-Asset URI a ref is addressed by.
func URN(ref string) string {
	return fmt.Sprintf(urnTemplate, ref)
}

// Cache is the Source Cache: a local ref directory rooted at Root, backed
// by Local for all blob I/O and TmpDir for staging scratch space, and
// Remotes for push/pull targets.
type Cache struct {
	Root    string
	TmpDir  string
	Local   *localcas.Client
	Remotes *assetcache.Remotes
}

func (c *Cache) refPath(ref string) string {
	return filepath.Join(c.Root, ref)
}

// Contains reports whether ref has a locally stored proto whose files
// directory is fully present (directory closure and file blobs both).
func (c *Cache) Contains(ctx context.Context, ref string) bool {
	src, err := c.get(ref)
	if err != nil {
		return false
	}
	ok, err := c.Local.ContainsDirectory(ctx, src.Files, true)
	return err == nil && ok
}

// UpdateMtime touches the ref file's mtime to now, the LRU clock per §3
// invariant I3.
func (c *Cache) UpdateMtime(ref string) error {
	now := time.Now()
	return os.Chtimes(c.refPath(ref), now, now)
}

// Remove deletes the ref file for ref and prunes now-empty parent
// directories up to, but not including, Root.
func (c *Cache) Remove(ref string) error {
	path := c.refPath(ref)
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

// Commit stages a source's files into the local CAS -- stage is handed a
// scratch directory to populate, standing in for the "internal staging
// callback" spec.md §4.10 allows as an alternative to a plain
// import_directory call -- builds the Source proto from the resulting
// directory digest, and persists it atomically at the ref path.
func (c *Cache) Commit(ctx context.Context, ref string, stage func(dest string) error) (digest.Digest, error) {
	tmp, err := os.MkdirTemp(c.TmpDir, "source-stage-")
	if err != nil {
		return digest.Digest{}, &cacheerrors.SourceCacheError{Msg: "staging source " + ref, Detail: err.Error()}
	}
	defer os.RemoveAll(tmp)

	if err := stage(tmp); err != nil {
		return digest.Digest{}, &cacheerrors.SourceCacheError{Msg: "staging source " + ref, Detail: err.Error()}
	}
	filesDigest, err := c.Local.ImportDirectory(ctx, tmp)
	if err != nil {
		return digest.Digest{}, err
	}
	if err := c.persist(ref, &sourceproto.Source{Files: filesDigest}); err != nil {
		return digest.Digest{}, err
	}
	return filesDigest, nil
}

func (c *Cache) persist(ref string, s *sourceproto.Source) error {
	data := sourceproto.Marshal(s)
	if err := fsutil.WriteFile(bytes.NewReader(data), c.refPath(ref), 0644); err != nil {
		return &cacheerrors.SourceCacheError{Msg: "persisting source " + ref, Detail: err.Error()}
	}
	return nil
}

func (c *Cache) get(ref string) (*sourceproto.Source, error) {
	data, err := os.ReadFile(c.refPath(ref))
	if err != nil {
		return nil, &cacheerrors.SourceCacheError{Msg: "source " + ref + " not committed locally", Detail: err.Error()}
	}
	return sourceproto.Unmarshal(data)
}

// Push sends ref's files directory and its serialized proto blob to every
// push-enabled storage remote, then associates ref's URN with the proto
// blob's digest on every push-enabled index remote, skipping index remotes
// whose URN already resolves to that exact digest (spec.md §4.10). The index
// step runs whether or not any storage push succeeded; Push reports true
// only when at least one storage and one index remote were updated.
func (c *Cache) Push(ctx context.Context, project, ref string) (bool, error) {
	src, err := c.get(ref)
	if err != nil {
		return false, err
	}
	protoData, err := os.ReadFile(c.refPath(ref))
	if err != nil {
		return false, &cacheerrors.SourceCacheError{Msg: "reading source proto for " + ref, Detail: err.Error()}
	}
	protoDigests, err := c.Local.AddObjects(ctx, []string{c.refPath(ref)})
	if err != nil || len(protoDigests) != 1 {
		return false, &cacheerrors.SourceCacheError{Msg: "importing source proto for " + ref, Detail: detailOf(err)}
	}
	protoDigest := protoDigests[0]
	uri := URN(ref)

	pushedStorage := false
	for _, rc := range c.Remotes.StorageRemotes(project) {
		if !rc.Push() {
			continue
		}
		local := c.Local.WithInstanceName(rc.InstanceName())
		if err := local.PushTree(ctx, src.Files); err != nil {
			log.Info("pushing source files %s -> %s failed: %s", ref, rc.InstanceName(), err)
			continue
		}
		if err := rc.PutBlob(ctx, protoDigest, protoData); err != nil {
			log.Info("pushing source proto %s -> %s failed: %s", ref, rc.InstanceName(), err)
			continue
		}
		pushedStorage = true
	}

	pushedIndex := false
	for _, rc := range c.Remotes.IndexRemotes(project) {
		if !rc.Push() {
			continue
		}
		existing, err := rc.FetchBlob(ctx, uri)
		if err != nil {
			log.Info("checking index remote %s for source %s failed: %s", rc.InstanceName(), ref, err)
			continue
		}
		if existing == protoDigest {
			log.Info("remote %s already has source %s cached", rc.InstanceName(), ref)
			continue
		}
		if err := rc.PushBlob(ctx, uri, protoDigest, []digest.Digest{src.Files}); err != nil {
			log.Info("pushing source metadata %s -> %s failed: %s", ref, rc.InstanceName(), err)
			continue
		}
		log.Info("pushed source %s -> %s", ref, rc.InstanceName())
		pushedIndex = true
	}

	return pushedIndex && pushedStorage, nil
}

// Pull resolves ref's URN against each configured index remote until one
// returns a digest, then fetches and parses the proto blob from storage
// remotes in turn -- falling through to the next remote on BlobNotFound --
// persisting it locally and fetching its files directory subtree once
// found.
func (c *Cache) Pull(ctx context.Context, project, ref string) (bool, error) {
	uri := URN(ref)

	var protoDigest digest.Digest
	var indexErrs *multierror.Error
	for _, rc := range c.Remotes.IndexRemotes(project) {
		d, err := rc.FetchBlob(ctx, uri)
		if err != nil {
			indexErrs = multierror.Append(indexErrs, fmt.Errorf("%s: %w", rc.InstanceName(), err))
			continue
		}
		if d.IsEmpty() {
			log.Info("remote %s does not have source %s cached", rc.InstanceName(), ref)
			continue
		}
		protoDigest = d
		break
	}
	if protoDigest.IsEmpty() {
		if indexErrs != nil {
			return false, &cacheerrors.SourceCacheError{
				Msg:    fmt.Sprintf("pulling source %s: no index remote reachable", ref),
				Detail: indexErrs.Error(),
			}
		}
		return false, nil
	}

	var storageErrs *multierror.Error
	for _, rc := range c.Remotes.StorageRemotes(project) {
		src, err := c.pullStorage(ctx, rc, protoDigest)
		if err != nil {
			storageErrs = multierror.Append(storageErrs, fmt.Errorf("%s: %w", rc.InstanceName(), err))
			continue
		}
		if err := c.persist(ref, src); err != nil {
			return false, err
		}
		local := c.Local.WithInstanceName(rc.InstanceName())
		if err := local.PullTree(ctx, src.Files); err != nil {
			return false, err
		}
		return true, nil
	}
	if storageErrs != nil {
		return false, &cacheerrors.SourceCacheError{
			Msg:    fmt.Sprintf("pulling source %s: no storage remote had the proto blob", ref),
			Detail: storageErrs.Error(),
		}
	}
	return false, nil
}

func (c *Cache) pullStorage(ctx context.Context, rc *remote.Client, protoDigest digest.Digest) (*sourceproto.Source, error) {
	data, err := rc.GetBlob(ctx, protoDigest)
	if err != nil {
		return nil, err
	}
	return sourceproto.Unmarshal(data)
}

func detailOf(err error) string {
	if err == nil {
		return "unexpected number of imported objects"
	}
	return err.Error()
}
