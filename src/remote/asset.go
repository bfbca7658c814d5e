package remote

import (
	"context"

	assetv1 "github.com/bazelbuild/remote-apis/build/bazel/remote/asset/v1"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thought-machine/plz-cas-cache/src/cacheerrors"
	"github.com/thought-machine/plz-cas-cache/src/digest"
)

// FetchBlob resolves uri to a blob digest via the Remote Asset Fetch
// service, returning a zero digest (not an error) on NOT_FOUND.
func (c *Client) FetchBlob(ctx context.Context, uri string) (digest.Digest, error) {
	if err := c.Init(); err != nil {
		return digest.Digest{}, err
	}
	resp, err := c.assetFetch.FetchBlob(ctx, &assetv1.FetchBlobRequest{
		InstanceName: c.spec.InstanceName,
		Uris:         []string{uri},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return digest.Digest{}, nil
		}
		return digest.Digest{}, &cacheerrors.CASError{Op: "fetch_blob", Err: err}
	}
	if code := codes.Code(resp.Status.GetCode()); code == codes.NotFound {
		return digest.Digest{}, nil
	} else if code != codes.OK {
		return digest.Digest{}, &cacheerrors.CASError{Op: "fetch_blob", Err: statusErr(resp.Status)}
	}
	return digest.FromProto(resp.BlobDigest), nil
}

// FetchDirectory resolves uri to a directory root digest via the Remote
// Asset Fetch service.
func (c *Client) FetchDirectory(ctx context.Context, uri string) (digest.Digest, error) {
	if err := c.Init(); err != nil {
		return digest.Digest{}, err
	}
	resp, err := c.assetFetch.FetchDirectory(ctx, &assetv1.FetchDirectoryRequest{
		InstanceName: c.spec.InstanceName,
		Uris:         []string{uri},
	})
	if err != nil {
		return digest.Digest{}, &cacheerrors.CASError{Op: "fetch_directory", Err: err}
	}
	if code := codes.Code(resp.Status.GetCode()); code == codes.NotFound {
		return digest.Digest{}, nil
	} else if code != codes.OK {
		return digest.Digest{}, &cacheerrors.CASError{Op: "fetch_directory", Err: statusErr(resp.Status)}
	}
	return digest.FromProto(resp.RootDigest), nil
}

// PushBlob associates uri with d, so a future FetchBlob(uri) resolves it.
// referencedBlobs lets the server extend the retention window of blobs this
// asset depends on.
func (c *Client) PushBlob(ctx context.Context, uri string, d digest.Digest, referencedBlobs []digest.Digest) error {
	if err := c.Init(); err != nil {
		return err
	}
	req := &assetv1.PushBlobRequest{
		InstanceName: c.spec.InstanceName,
		Uris:         []string{uri},
		BlobDigest:   d.ToProto(),
	}
	for _, rb := range referencedBlobs {
		req.ReferencedBlobs = append(req.ReferencedBlobs, rb.ToProto())
	}
	if _, err := c.assetPush.PushBlob(ctx, req); err != nil {
		return &cacheerrors.CASError{Op: "push_blob", Err: err}
	}
	return nil
}

// PushDirectory associates uri with a directory root digest.
func (c *Client) PushDirectory(ctx context.Context, uri string, root digest.Digest, referencedDirectories []digest.Digest) error {
	if err := c.Init(); err != nil {
		return err
	}
	req := &assetv1.PushDirectoryRequest{
		InstanceName: c.spec.InstanceName,
		Uris:         []string{uri},
		RootDigest:   root.ToProto(),
	}
	for _, rd := range referencedDirectories {
		req.ReferencedDirectories = append(req.ReferencedDirectories, rd.ToProto())
	}
	if _, err := c.assetPush.PushDirectory(ctx, req); err != nil {
		return &cacheerrors.CASError{Op: "push_directory", Err: err}
	}
	return nil
}

// CheckAssetService verifies the remote accepts connections for the
// Remote-Asset protocol. The protocol exposes no dedicated capabilities RPC
// of its own, so this is a thin wrapper over the same probe Init already
// performs.
func (c *Client) CheckAssetService(ctx context.Context) error {
	return c.Init()
}

func statusErr(s interface{ GetMessage() string }) error {
	return &statusError{s.GetMessage()}
}

type statusError struct{ msg string }

func (e *statusError) Error() string { return e.msg }
