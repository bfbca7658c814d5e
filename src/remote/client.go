// Package remote implements the Remote Client: a connection to a single
// remote CAS/index/artifact/asset service, with a capability probe done
// once on first use.
package remote

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	assetv1 "github.com/bazelbuild/remote-apis/build/bazel/remote/asset/v1"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/grpc-ecosystem/go-grpc-middleware/retry"
	bsgrpc "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/thought-machine/plz-cas-cache/src/cacheerrors"
	"github.com/thought-machine/plz-cas-cache/src/cli/logging"
)

var log = logging.Log

// MaxPayloadBytes is the hard ceiling on any single batch request/response,
// regardless of what the server advertises.
const MaxPayloadBytes = 1 << 20

const dialTimeout = 5 * time.Second
const maxRetries = 3

// Spec describes how to reach and authenticate to one remote service.
type Spec struct {
	URL            string
	Push           bool
	InstanceName   string
	ServerCertFile string
	ClientCertFile string
	ClientKeyFile  string
}

// Client is a connection to a single remote, lazily initialised once on
// first use and safe to re-init after Close.
type Client struct {
	spec Spec

	initOnce sync.Once
	initErr  error

	conn         *grpc.ClientConn
	cas          repb.ContentAddressableStorageClient
	bytestream   bsgrpc.ByteStreamClient
	assetFetch   assetv1.FetchClient
	assetPush    assetv1.PushClient

	maxBatchTotalSizeBytes int64
	canBatchRead           bool
	canBatchUpdate         bool
}

// New returns a Client for spec. The connection is not opened until Init
// (or any method that calls it) is first invoked.
func New(spec Spec) *Client {
	return &Client{spec: spec}
}

// Init establishes the connection and probes capabilities; it is safe to
// call repeatedly, and only does the work once.
func (c *Client) Init() error {
	c.initOnce.Do(c.init)
	return c.initErr
}

func (c *Client) init() {
	c.initErr = func() error {
		creds, err := c.transportCredentials()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
		defer cancel()
		conn, err := grpc.DialContext(ctx, c.spec.URL,
			grpc.WithTransportCredentials(creds),
			grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(maxRetries))),
			grpc.WithBlock())
		if err != nil {
			return &cacheerrors.RemoteNotCompatible{Remote: c.spec.URL, Reason: err.Error()}
		}
		c.conn = conn

		resp, err := repb.NewCapabilitiesClient(conn).GetCapabilities(ctx, &repb.GetCapabilitiesRequest{
			InstanceName: c.spec.InstanceName,
		})
		if err != nil {
			if status.Code(err) == codes.Unimplemented {
				return &cacheerrors.RemoteNotCompatible{Remote: c.spec.URL, Reason: "no capabilities service"}
			}
			return &cacheerrors.RemoteNotCompatible{Remote: c.spec.URL, Reason: err.Error()}
		}
		caps := resp.CacheCapabilities
		if caps == nil {
			return &cacheerrors.RemoteNotCompatible{Remote: c.spec.URL, Reason: "no cache capabilities"}
		}
		c.maxBatchTotalSizeBytes = caps.MaxBatchTotalSizeBytes
		if c.maxBatchTotalSizeBytes == 0 || c.maxBatchTotalSizeBytes > MaxPayloadBytes {
			c.maxBatchTotalSizeBytes = MaxPayloadBytes
		}

		c.cas = repb.NewContentAddressableStorageClient(conn)
		c.bytestream = bsgrpc.NewByteStreamClient(conn)
		c.assetFetch = assetv1.NewFetchClient(conn)
		c.assetPush = assetv1.NewPushClient(conn)

		c.canBatchRead = c.probeBatchReadBlobs(ctx)
		c.canBatchUpdate = c.probeBatchUpdateBlobs(ctx)
		return nil
	}()
}

func (c *Client) probeBatchReadBlobs(ctx context.Context) bool {
	_, err := c.cas.BatchReadBlobs(ctx, &repb.BatchReadBlobsRequest{InstanceName: c.spec.InstanceName})
	return probeSupported(err)
}

func (c *Client) probeBatchUpdateBlobs(ctx context.Context) bool {
	_, err := c.cas.BatchUpdateBlobs(ctx, &repb.BatchUpdateBlobsRequest{InstanceName: c.spec.InstanceName})
	return probeSupported(err)
}

func probeSupported(err error) bool {
	if err == nil {
		return true
	}
	code := status.Code(err)
	return code != codes.Unimplemented && code != codes.PermissionDenied
}

func (c *Client) transportCredentials() (credentials.TransportCredentials, error) {
	if c.spec.ServerCertFile == "" && c.spec.ClientCertFile == "" {
		return insecure.NewCredentials(), nil
	}
	pool := x509.NewCertPool()
	if c.spec.ServerCertFile != "" {
		pem, err := os.ReadFile(c.spec.ServerCertFile)
		if err != nil {
			return nil, fmt.Errorf("reading server cert: %w", err)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("invalid server cert %s", c.spec.ServerCertFile)
		}
	}
	tlsConfig := &tls.Config{RootCAs: pool}
	if c.spec.ClientCertFile != "" && c.spec.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.spec.ClientCertFile, c.spec.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading client keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(tlsConfig), nil
}

// CanBatchRead reports whether the server supports BatchReadBlobs.
func (c *Client) CanBatchRead() bool { return c.canBatchRead }

// CanBatchUpdate reports whether the server supports BatchUpdateBlobs.
func (c *Client) CanBatchUpdate() bool { return c.canBatchUpdate }

// MaxBatchTotalSizeBytes is the negotiated, clamped batch size ceiling.
func (c *Client) MaxBatchTotalSizeBytes() int64 { return c.maxBatchTotalSizeBytes }

// InstanceName is the remote instance name this client was configured with.
func (c *Client) InstanceName() string { return c.spec.InstanceName }

// Push reports whether this remote was configured with push enabled.
func (c *Client) Push() bool { return c.spec.Push }

// URL is the address this client was configured to dial.
func (c *Client) URL() string { return c.spec.URL }

// CAS returns the underlying CAS stub, for use by the Batch Engine.
func (c *Client) CAS() repb.ContentAddressableStorageClient { return c.cas }

// Close tears down the connection; the Client may be re-initialised
// afterwards via a fresh call to Init.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.cas = nil
	c.bytestream = nil
	c.assetFetch = nil
	c.assetPush = nil
	c.initOnce = sync.Once{}
	return err
}
