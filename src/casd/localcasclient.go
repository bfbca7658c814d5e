package casd

import (
	"context"

	"github.com/thought-machine/plz-cas-cache/src/internal/rawrpc"
)

const localCASServiceName = "/build.buildgrid.LocalContentAddressableStorage/"

// invokeRaw calls a LocalCAS method with an already-encoded request,
// returning the raw encoded response.
func (c *Channel) invokeRaw(ctx context.Context, method string, req []byte) ([]byte, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	return rawrpc.Invoke(ctx, conn, method, req)
}

// CaptureTree calls LocalCAS.CaptureTree with an already-encoded request.
func (c *Channel) CaptureTree(ctx context.Context, req []byte) ([]byte, error) {
	return c.invokeRaw(ctx, localCASServiceName+"CaptureTree", req)
}

// FetchTree calls LocalCAS.FetchTree with an already-encoded request.
func (c *Channel) FetchTree(ctx context.Context, req []byte) ([]byte, error) {
	return c.invokeRaw(ctx, localCASServiceName+"FetchTree", req)
}

// GetLocalDiskUsage calls LocalCAS.GetLocalDiskUsage with an empty request.
func (c *Channel) GetLocalDiskUsage(ctx context.Context) ([]byte, error) {
	return c.invokeRaw(ctx, localCASServiceName+"GetLocalDiskUsage", nil)
}
