package remote

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/thought-machine/plz-cas-cache/src/cacheerrors"
	"github.com/thought-machine/plz-cas-cache/src/internal/artifactproto"
	"github.com/thought-machine/plz-cas-cache/src/internal/rawrpc"
	"github.com/thought-machine/plz-cas-cache/src/internal/remoteartifactproto"
)

const artifactServiceName = "/buildstream.v2.ArtifactService/"

// CheckArtifactService verifies the remote passes Init's capability probe
// and, if push was requested, that it supports BatchUpdateBlobs. It does not
// query the artifact service's own capabilities, so a remote that lacks the
// artifact service or refuses artifact updates is not detected here.
func (c *Client) CheckArtifactService(ctx context.Context) error {
	if err := c.Init(); err != nil {
		return err
	}
	// The capability probe already ran in init(); here we only need the
	// push-permission half of §4.6's check(), which this minimal client
	// treats as always allowed once BatchUpdateBlobs is supported.
	if c.spec.Push && !c.canBatchUpdate {
		return &cacheerrors.RemoteNotCompatible{Remote: c.spec.URL, Reason: "remote does not allow push"}
	}
	return nil
}

// GetArtifact fetches the artifact proto stored under cacheKey.
func (c *Client) GetArtifact(ctx context.Context, cacheKey string) (*artifactproto.Artifact, error) {
	if err := c.Init(); err != nil {
		return nil, err
	}
	reply, err := rawrpc.Invoke(ctx, c.conn, artifactServiceName+"GetArtifact", remoteartifactproto.MarshalGetArtifactRequest(cacheKey))
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, &cacheerrors.BlobNotFound{Hash: cacheKey}
		}
		return nil, &cacheerrors.ArtifactError{Msg: "get_artifact failed", Detail: err.Error()}
	}
	return remoteartifactproto.UnmarshalGetArtifactResponse(reply)
}

// UpdateArtifact writes a to the remote under cacheKey.
func (c *Client) UpdateArtifact(ctx context.Context, cacheKey string, a *artifactproto.Artifact) error {
	if err := c.Init(); err != nil {
		return err
	}
	if _, err := rawrpc.Invoke(ctx, c.conn, artifactServiceName+"UpdateArtifact", remoteartifactproto.MarshalUpdateArtifactRequest(cacheKey, a)); err != nil {
		return &cacheerrors.ArtifactError{Msg: "update_artifact failed", Detail: err.Error()}
	}
	return nil
}
