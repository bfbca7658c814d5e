package remote

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"

	"github.com/thought-machine/plz-cas-cache/src/cacheerrors"
	"github.com/thought-machine/plz-cas-cache/src/digest"
)

// MaxDigests bounds how many blob_digests entries a single
// BatchReadBlobs/BatchUpdateBlobs request may carry: floor(1 MiB / 80).
const MaxDigests = (1 << 20) / 80

// ReadBatch accumulates digests to fetch from a remote in one or more
// BatchReadBlobs requests, sized to stay under MaxDigests and
// MaxBatchTotalSizeBytes.
type ReadBatch struct {
	client  *Client
	pending []*repb.Digest
	sent    bool
}

// NewReadBatch returns an empty read batch for client.
func (c *Client) NewReadBatch() *ReadBatch {
	return &ReadBatch{client: c}
}

// Add queues d for the next Send.
func (b *ReadBatch) Add(d digest.Digest) {
	b.pending = append(b.pending, d.ToProto())
}

// BlobResult is one digest's outcome from a Send.
type BlobResult struct {
	Digest digest.Digest
	Data   []byte
}

// Send issues one or more BatchReadBlobs requests for everything queued. It
// may only be called once per ReadBatch. Missing blobs are appended to
// missing when allowPartial is true; otherwise a NOT_FOUND response fails
// the whole send with BlobNotFound.
func (b *ReadBatch) Send(ctx context.Context, allowPartial bool) (results []BlobResult, missing []digest.Digest, err error) {
	if b.sent {
		panic("remote: ReadBatch.Send called twice")
	}
	b.sent = true
	for _, group := range groupDigests(b.pending, b.client.maxBatchTotalSizeBytes) {
		resp, err := b.client.cas.BatchReadBlobs(ctx, &repb.BatchReadBlobsRequest{
			InstanceName: b.client.spec.InstanceName,
			Digests:      group,
		})
		if err != nil {
			return nil, nil, &cacheerrors.CASError{Op: "batch_read", Err: err}
		}
		for _, r := range resp.Responses {
			code := codes.Code(r.Status.GetCode())
			if code == codes.NotFound {
				if !allowPartial {
					return nil, nil, &cacheerrors.BlobNotFound{Hash: r.Digest.GetHash()}
				}
				missing = append(missing, digest.FromProto(r.Digest))
				continue
			}
			if code != codes.OK {
				return nil, nil, &cacheerrors.CASError{Op: "batch_read", Err: statusErr(r.Status)}
			}
			if int64(len(r.Data)) != r.Digest.GetSizeBytes() {
				return nil, nil, &cacheerrors.CASError{Op: "batch_read", Err: &statusError{"size mismatch"}}
			}
			results = append(results, BlobResult{Digest: digest.FromProto(r.Digest), Data: r.Data})
		}
	}
	return results, missing, nil
}

// UpdateBatch accumulates (digest, data) pairs to push to a remote.
type UpdateBatch struct {
	client  *Client
	pending []*repb.BatchUpdateBlobsRequest_Request
	sent    bool
}

// NewUpdateBatch returns an empty update batch for client.
func (c *Client) NewUpdateBatch() *UpdateBatch {
	return &UpdateBatch{client: c}
}

// Add queues (d, data) for the next Send.
func (b *UpdateBatch) Add(d digest.Digest, data []byte) {
	b.pending = append(b.pending, &repb.BatchUpdateBlobsRequest_Request{Digest: d.ToProto(), Data: data})
}

// Send issues one or more BatchUpdateBlobs requests for everything queued.
// It may only be called once per UpdateBatch. RESOURCE_EXHAUSTED is
// reported as CacheTooFull.
func (b *UpdateBatch) Send(ctx context.Context) error {
	if b.sent {
		panic("remote: UpdateBatch.Send called twice")
	}
	b.sent = true
	for _, group := range groupUpdateRequests(b.pending, b.client.maxBatchTotalSizeBytes) {
		resp, err := b.client.cas.BatchUpdateBlobs(ctx, &repb.BatchUpdateBlobsRequest{
			InstanceName: b.client.spec.InstanceName,
			Requests:     group,
		})
		if err != nil {
			return &cacheerrors.CASError{Op: "batch_update", Err: err}
		}
		for _, r := range resp.Responses {
			code := codes.Code(r.Status.GetCode())
			if code == codes.ResourceExhausted {
				return &cacheerrors.CacheTooFull{Remote: b.client.spec.URL}
			}
			if code != codes.OK {
				return &cacheerrors.CASError{Op: "batch_update", Err: statusErr(r.Status)}
			}
		}
	}
	return nil
}

// PutBlob sends a single small blob straight to this remote's CAS via the
// Batch Engine, bypassing the local daemon. Used for the artifact/source
// proto records themselves, which are always well under MaxPayloadBytes;
// the (potentially large) trees they reference go through the daemon
// instead, via the matching Local CAS instance name.
func (c *Client) PutBlob(ctx context.Context, d digest.Digest, data []byte) error {
	if err := c.Init(); err != nil {
		return err
	}
	b := c.NewUpdateBatch()
	b.Add(d, data)
	return b.Send(ctx)
}

// GetBlob reads a single small blob straight from this remote's CAS via the
// Batch Engine. See PutBlob for why this bypasses the daemon.
func (c *Client) GetBlob(ctx context.Context, d digest.Digest) ([]byte, error) {
	if err := c.Init(); err != nil {
		return nil, err
	}
	b := c.NewReadBatch()
	b.Add(d)
	results, _, err := b.Send(ctx, false)
	if err != nil {
		return nil, err
	}
	if len(results) != 1 {
		return nil, &cacheerrors.CASError{Op: "get_blob", Err: &statusError{"unexpected response count"}}
	}
	return results[0].Data, nil
}

// groupDigests splits digests into requests of at most MaxDigests entries,
// additionally starting a new request whenever adding the next digest would
// exceed maxBytes worth of declared blob size.
func groupDigests(digests []*repb.Digest, maxBytes int64) [][]*repb.Digest {
	if maxBytes <= 0 {
		maxBytes = MaxPayloadBytes
	}
	var groups [][]*repb.Digest
	var current []*repb.Digest
	var currentBytes int64
	for _, d := range digests {
		if len(current) >= MaxDigests || (len(current) > 0 && currentBytes+d.SizeBytes > maxBytes) {
			groups = append(groups, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, d)
		currentBytes += d.SizeBytes
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}

func groupUpdateRequests(reqs []*repb.BatchUpdateBlobsRequest_Request, maxBytes int64) [][]*repb.BatchUpdateBlobsRequest_Request {
	if maxBytes <= 0 {
		maxBytes = MaxPayloadBytes
	}
	var groups [][]*repb.BatchUpdateBlobsRequest_Request
	var current []*repb.BatchUpdateBlobsRequest_Request
	var currentBytes int64
	for _, r := range reqs {
		size := int64(len(r.Data))
		if len(current) >= MaxDigests || (len(current) > 0 && currentBytes+size > maxBytes) {
			groups = append(groups, current)
			current = nil
			currentBytes = 0
		}
		current = append(current, r)
		currentBytes += size
	}
	if len(current) > 0 {
		groups = append(groups, current)
	}
	return groups
}
