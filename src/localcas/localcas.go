// Package localcas implements the operations a builder/fetcher needs
// against the local content-addressable store: containment checks,
// directory import/checkout/staging, and fetching/sending blobs through an
// optional configured remote cache. Every operation ultimately talks to the
// storage daemon via a casd.Channel.
package localcas

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/thought-machine/plz-cas-cache/src/cacheerrors"
	"github.com/thought-machine/plz-cas-cache/src/casd"
	"github.com/thought-machine/plz-cas-cache/src/cli/logging"
	"github.com/thought-machine/plz-cas-cache/src/digest"
	"github.com/thought-machine/plz-cas-cache/src/internal/localcasproto"
)

var log = logging.Log

// maxDigestsPerFindMissing bounds a single FindMissingBlobs request, matching
// the daemon's own batching limit for this RPC.
const maxDigestsPerFindMissing = 512

// Client drives the daemon's CAS on behalf of a single local cache root.
// InstanceName is sent as the instance name of every CAS request this
// Client makes to the daemon; the artifact and source caches set it, via
// WithInstanceName, to the instance name of the remote.Client they are
// currently pushing to or pulling from.
type Client struct {
	Channel      *casd.Channel
	CASRoot      string
	InstanceName string
}

// WithInstanceName returns a shallow copy of c addressed at a different
// daemon-side instance name, e.g. the one representing a specific
// configured remote cache. The artifact and source caches use this to
// route the same local CAS root through whichever remote a given push/pull
// step is currently working with.
func (c *Client) WithInstanceName(name string) *Client {
	cp := *c
	cp.InstanceName = name
	return &cp
}

// PullTree ensures every blob reachable from root -- directory protos and
// files alike -- is present locally, fetching whatever is missing from the
// remote this Client's InstanceName addresses. A zero root is a no-op.
func (c *Client) PullTree(ctx context.Context, root digest.Digest) error {
	if root.IsEmpty() {
		return nil
	}
	digests, err := c.drainRequired(ctx, root)
	if err != nil {
		return err
	}
	_, err = c.FetchBlobs(ctx, c.InstanceName, digests, false)
	return err
}

// PushTree sends every blob reachable from root, which must already be
// present locally, to the remote this Client's InstanceName addresses. A
// zero root is a no-op.
func (c *Client) PushTree(ctx context.Context, root digest.Digest) error {
	if root.IsEmpty() {
		return nil
	}
	digests, err := c.drainRequired(ctx, root)
	if err != nil {
		return err
	}
	return c.SendBlobs(ctx, c.InstanceName, digests)
}

func (c *Client) drainRequired(ctx context.Context, root digest.Digest) ([]digest.Digest, error) {
	out, errc := c.RequiredBlobsForDirectory(ctx, root, nil)
	var digests []digest.Digest
	for d := range out {
		digests = append(digests, d)
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return digests, nil
}

// ContainsFiles reports whether every digest is already present locally.
func (c *Client) ContainsFiles(ctx context.Context, digests []digest.Digest) (bool, error) {
	missing, err := c.MissingBlobs(ctx, digests)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// ContainsDirectory reports whether the directory closure rooted at root is
// present locally: always the directory protos, and additionally the file
// blobs when withFiles is set.
func (c *Client) ContainsDirectory(ctx context.Context, root digest.Digest, withFiles bool) (bool, error) {
	digests, err := c.collectDigests(ctx, root, nil, withFiles)
	if err != nil {
		return false, err
	}
	missing, err := c.MissingBlobs(ctx, digests)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}

// ImportDirectory asks the daemon to capture a filesystem tree into the CAS
// and returns the root directory digest.
func (c *Client) ImportDirectory(ctx context.Context, fsPath string) (digest.Digest, error) {
	req := &localcasproto.CaptureTreeRequest{Paths: []string{fsPath}, InstanceName: c.InstanceName}
	respBytes, err := c.Channel.CaptureTree(ctx, req.Marshal())
	if err != nil {
		return digest.Digest{}, &cacheerrors.CASError{Op: "import_directory", Err: err}
	}
	entries, err := localcasproto.UnmarshalCaptureTreeResponse(respBytes)
	if err != nil || len(entries) != 1 {
		return digest.Digest{}, &cacheerrors.CASError{Op: "import_directory", Err: fmt.Errorf("unexpected capture response")}
	}
	if entries[0].Status != 0 {
		return digest.Digest{}, c.statusToErr(codes.Code(entries[0].Status), "import_directory")
	}
	return entries[0].Root, nil
}

// AddObjects captures a flat list of files as individual blobs.
func (c *Client) AddObjects(ctx context.Context, paths []string) ([]digest.Digest, error) {
	cas, err := c.Channel.CAS()
	if err != nil {
		return nil, err
	}
	results := make([]digest.Digest, len(paths))
	req := &repb.BatchUpdateBlobsRequest{InstanceName: c.InstanceName}
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, &cacheerrors.CASError{Op: "add_objects", Err: err}
		}
		d := digest.New(digest.SHA256, data)
		req.Requests = append(req.Requests, &repb.BatchUpdateBlobsRequest_Request{
			Digest: d.ToProto(),
			Data:   data,
		})
	}
	resp, err := cas.BatchUpdateBlobs(ctx, req)
	if err != nil {
		return nil, c.wrapGRPCErr(err, "add_objects")
	}
	for i, r := range resp.Responses {
		if r.Status.GetCode() == int32(codes.ResourceExhausted) {
			return nil, &cacheerrors.CacheTooFull{}
		}
		if r.Status.GetCode() != 0 {
			return nil, &cacheerrors.CASError{Op: "add_objects", Err: status.ErrorProto(r.Status)}
		}
		results[i] = digest.FromProto(r.Digest)
	}
	return results, nil
}

// Checkout materializes a directory tree on the filesystem under dest.
func (c *Client) Checkout(ctx context.Context, dest string, root digest.Digest, canLink bool) error {
	dir, err := c.readDirectory(ctx, root)
	if err != nil {
		return err
	}
	return c.checkoutDir(ctx, dest, dir, canLink)
}

func (c *Client) checkoutDir(ctx context.Context, dest string, dir *repb.Directory, canLink bool) error {
	if err := os.MkdirAll(dest, 0775); err != nil {
		return &cacheerrors.CASError{Op: "checkout", Err: err}
	}
	for _, f := range dir.Files {
		if err := c.checkoutFile(ctx, filepath.Join(dest, f.Name), f, canLink); err != nil {
			return err
		}
	}
	for _, s := range dir.Symlinks {
		target := filepath.Join(dest, s.Name)
		os.Remove(target)
		if err := os.Symlink(s.Target, target); err != nil {
			return &cacheerrors.CASError{Op: "checkout", Err: err}
		}
	}
	for _, d := range dir.Directories {
		sub, err := c.readDirectory(ctx, digest.FromProto(d.Digest))
		if err != nil {
			return err
		}
		if err := c.checkoutDir(ctx, filepath.Join(dest, d.Name), sub, canLink); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) checkoutFile(ctx context.Context, dest string, f *repb.FileNode, canLink bool) error {
	src := digest.ObjectPath(c.CASRoot, digest.FromProto(f.Digest))
	if canLink && f.NodeProperties.GetMtime() == nil {
		os.Remove(dest)
		if err := os.Link(src, dest); err == nil {
			return applyExecBit(dest, f.IsExecutable)
		}
	}
	if err := copyFile(src, dest); err != nil {
		return &cacheerrors.CASError{Op: "checkout", Err: err}
	}
	return applyExecBit(dest, f.IsExecutable)
}

func applyExecBit(path string, executable bool) error {
	if !executable {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode()
	if mode&0400 != 0 {
		mode |= 0100
	}
	if mode&0040 != 0 {
		mode |= 0010
	}
	if mode&0004 != 0 {
		mode |= 0001
	}
	return os.Chmod(path, mode)
}

func copyFile(from, to string) error {
	in, err := os.Open(from)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(to)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// StagedDirectory is a scoped checkout that must be released once the
// caller is done with it.
type StagedDirectory struct {
	Path    string
	Release func() error
}

// StageDirectory materializes root into a private scratch location inside
// the CAS root and returns a handle the caller must Release. This models
// the daemon's bidirectional stage-request stream (acquire a path, use it,
// signal completion) as a single local checkout, since the scratch area is
// already local disk.
func (c *Client) StageDirectory(ctx context.Context, root digest.Digest) (*StagedDirectory, error) {
	stageRoot := filepath.Join(c.CASRoot, "staging")
	path, err := os.MkdirTemp(stageRoot, "stage-")
	if err != nil {
		return nil, &cacheerrors.CASError{Op: "stage_directory", Err: err}
	}
	if err := c.Checkout(ctx, path, root, true); err != nil {
		os.RemoveAll(path)
		return nil, err
	}
	return &StagedDirectory{
		Path: path,
		Release: func() error {
			return os.RemoveAll(path)
		},
	}, nil
}

// RequiredBlobsForDirectory returns, on a channel, the root digest, every
// file digest, and recurses into every subdirectory not named in
// excludedSubdirs. The channel is closed when the walk is complete or an
// error occurs; the last receive before close carries the error via err.
func (c *Client) RequiredBlobsForDirectory(ctx context.Context, root digest.Digest, excludedSubdirs map[string]bool) (<-chan digest.Digest, <-chan error) {
	out := make(chan digest.Digest)
	errc := make(chan error, 1)
	go func() {
		defer close(out)
		defer close(errc)
		if err := c.walkRequired(ctx, root, excludedSubdirs, out); err != nil {
			errc <- err
		}
	}()
	return out, errc
}

func (c *Client) walkRequired(ctx context.Context, root digest.Digest, excluded map[string]bool, out chan<- digest.Digest) error {
	select {
	case out <- root:
	case <-ctx.Done():
		return ctx.Err()
	}
	dir, err := c.readDirectory(ctx, root)
	if err != nil {
		return err
	}
	for _, f := range dir.Files {
		select {
		case out <- digest.FromProto(f.Digest):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, d := range dir.Directories {
		if excluded[d.Name] {
			continue
		}
		if err := c.walkRequired(ctx, digest.FromProto(d.Digest), excluded, out); err != nil {
			return err
		}
	}
	return nil
}

// collectDigests is a non-lazy variant of RequiredBlobsForDirectory used by
// ContainsDirectory; when withFiles is false, file digests are omitted.
func (c *Client) collectDigests(ctx context.Context, root digest.Digest, excluded map[string]bool, withFiles bool) ([]digest.Digest, error) {
	var digests []digest.Digest
	var walk func(d digest.Digest) error
	walk = func(d digest.Digest) error {
		digests = append(digests, d)
		dir, err := c.readDirectory(ctx, d)
		if err != nil {
			return err
		}
		if withFiles {
			for _, f := range dir.Files {
				digests = append(digests, digest.FromProto(f.Digest))
			}
		}
		for _, sub := range dir.Directories {
			if excluded[sub.Name] {
				continue
			}
			if err := walk(digest.FromProto(sub.Digest)); err != nil {
				return err
			}
		}
		return nil
	}
	return digests, walk(root)
}

// readDirectory reads and unmarshals a Directory proto from the local
// object store, fetching it through the daemon first if absent.
func (c *Client) readDirectory(ctx context.Context, d digest.Digest) (*repb.Directory, error) {
	data, err := os.ReadFile(digest.ObjectPath(c.CASRoot, d))
	if err != nil {
		if _, ferr := c.FetchBlobs(ctx, "", []digest.Digest{d}, false); ferr != nil {
			return nil, ferr
		}
		data, err = os.ReadFile(digest.ObjectPath(c.CASRoot, d))
		if err != nil {
			return nil, &cacheerrors.CASError{Op: "read_directory", Err: err}
		}
	}
	dir := &repb.Directory{}
	if err := proto.Unmarshal(data, dir); err != nil {
		return nil, &cacheerrors.CASError{Op: "read_directory", Err: err}
	}
	return dir, nil
}

// MissingBlobs batches digests into groups of at most
// maxDigestsPerFindMissing and unions the daemon's find-missing responses.
func (c *Client) MissingBlobs(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	cas, err := c.Channel.CAS()
	if err != nil {
		return nil, err
	}
	var missing []digest.Digest
	for start := 0; start < len(digests); start += maxDigestsPerFindMissing {
		end := start + maxDigestsPerFindMissing
		if end > len(digests) {
			end = len(digests)
		}
		batch := digests[start:end]
		req := &repb.FindMissingBlobsRequest{InstanceName: c.InstanceName}
		for _, d := range batch {
			req.BlobDigests = append(req.BlobDigests, d.ToProto())
		}
		resp, err := cas.FindMissingBlobs(ctx, req)
		if err != nil {
			return nil, c.wrapGRPCErr(err, "missing_blobs")
		}
		for _, d := range resp.MissingBlobDigests {
			missing = append(missing, digest.FromProto(d))
		}
	}
	return missing, nil
}

// FetchBlobs reads digests into the local CAS with a BatchReadBlobs request
// addressed at c.InstanceName. The remote argument does not select the
// instance and is not used.
func (c *Client) FetchBlobs(ctx context.Context, remote string, digests []digest.Digest, allowPartial bool) ([]digest.Digest, error) {
	cas, err := c.Channel.CAS()
	if err != nil {
		return nil, err
	}
	req := &repb.BatchReadBlobsRequest{InstanceName: c.InstanceName}
	for _, d := range digests {
		req.Digests = append(req.Digests, d.ToProto())
	}
	resp, err := cas.BatchReadBlobs(ctx, req)
	if err != nil {
		return nil, c.wrapGRPCErr(err, "fetch_blobs")
	}
	var fetched []digest.Digest
	for _, r := range resp.Responses {
		code := codes.Code(r.Status.GetCode())
		if code == codes.NotFound {
			if !allowPartial {
				return nil, &cacheerrors.BlobNotFound{Hash: r.Digest.GetHash()}
			}
			continue
		}
		if code != codes.OK {
			return nil, &cacheerrors.CASError{Op: "fetch_blobs", Err: status.ErrorProto(r.Status)}
		}
		d := digest.FromProto(r.Digest)
		if err := os.MkdirAll(filepath.Dir(digest.ObjectPath(c.CASRoot, d)), 0775); err != nil {
			return nil, &cacheerrors.CASError{Op: "fetch_blobs", Err: err}
		}
		if err := os.WriteFile(digest.ObjectPath(c.CASRoot, d), r.Data, 0664); err != nil {
			return nil, &cacheerrors.CASError{Op: "fetch_blobs", Err: err}
		}
		fetched = append(fetched, d)
	}
	return fetched, nil
}

// SendBlobs writes digests already present locally with a BatchUpdateBlobs
// request addressed at c.InstanceName. remote is only used to label a
// CacheTooFull error.
func (c *Client) SendBlobs(ctx context.Context, remote string, digests []digest.Digest) error {
	cas, err := c.Channel.CAS()
	if err != nil {
		return err
	}
	req := &repb.BatchUpdateBlobsRequest{InstanceName: c.InstanceName}
	var g errgroup.Group
	g.Go(func() error {
		for _, d := range digests {
			data, err := os.ReadFile(digest.ObjectPath(c.CASRoot, d))
			if err != nil {
				return &cacheerrors.CASError{Op: "send_blobs", Err: err}
			}
			req.Requests = append(req.Requests, &repb.BatchUpdateBlobsRequest_Request{
				Digest: d.ToProto(),
				Data:   data,
			})
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	resp, err := cas.BatchUpdateBlobs(ctx, req)
	if err != nil {
		return c.wrapGRPCErr(err, "send_blobs")
	}
	for _, r := range resp.Responses {
		if r.Status.GetCode() == int32(codes.ResourceExhausted) {
			return &cacheerrors.CacheTooFull{Remote: remote}
		}
		if r.Status.GetCode() != 0 {
			return &cacheerrors.CASError{Op: "send_blobs", Err: status.ErrorProto(r.Status)}
		}
	}
	return nil
}

func (c *Client) wrapGRPCErr(err error, op string) error {
	st, ok := status.FromError(err)
	if !ok {
		return &cacheerrors.CASError{Op: op, Err: err}
	}
	return c.statusToErr(st.Code(), op)
}

func (c *Client) statusToErr(code codes.Code, op string) error {
	switch code {
	case codes.Unimplemented:
		return &cacheerrors.DaemonUnsupported{RPC: op}
	case codes.ResourceExhausted:
		return &cacheerrors.CacheTooFull{}
	case codes.OK:
		return nil
	default:
		return &cacheerrors.CASError{Op: op, Err: fmt.Errorf("%s", code)}
	}
}
