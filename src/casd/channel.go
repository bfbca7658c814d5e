package casd

import (
	"os"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	bsgrpc "google.golang.org/genproto/googleapis/bytestream"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	assetv1 "github.com/bazelbuild/remote-apis/build/bazel/remote/asset/v1"

	"github.com/thought-machine/plz-cas-cache/src/cacheerrors"
)

// TReady is the hard deadline for the daemon socket to appear.
const TReady = 300 * time.Second

// Channel is a lazily-connected RPC channel to the daemon's UNIX socket.
// The connection is established on first use and shared by every stub
// retrieval thereafter.
type Channel struct {
	socketPath string
	pid        int
	died       <-chan struct{}
	startTime  time.Time

	mutex              sync.Mutex
	conn               *grpc.ClientConn
	shutdownRequested  bool
}

// NewChannel returns a Channel for the given supervisor. The connection is
// not established until first use.
func NewChannel(s *Supervisor) *Channel {
	return &Channel{
		socketPath: s.SocketPath(),
		pid:        s.Pid(),
		died:       s.Died(),
		startTime:  time.Now(),
	}
}

// RequestShutdown suppresses DaemonDied errors from a connection attempt
// that loses the race with an orderly teardown already in progress.
func (c *Channel) RequestShutdown() {
	c.mutex.Lock()
	c.shutdownRequested = true
	c.mutex.Unlock()
}

func (c *Channel) connection() (*grpc.ClientConn, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	if err := c.waitReady(); err != nil {
		return nil, err
	}
	conn, err := grpc.Dial("unix:"+c.socketPath, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, &cacheerrors.CASError{Op: "dial storage daemon", Err: err}
	}
	c.conn = conn
	return conn, nil
}

// waitReady polls for the socket file to appear, bailing out early if the
// daemon process has died or a shutdown was requested.
func (c *Channel) waitReady() error {
	deadline := c.startTime.Add(TReady)
	for {
		if _, err := os.Stat(c.socketPath); err == nil {
			return nil
		}
		select {
		case <-c.died:
			if c.shutdownRequested {
				return &cacheerrors.CASError{Op: "connect", Err: errShutdown}
			}
			return &cacheerrors.DaemonDied{ExitCode: -1}
		default:
		}
		if !processAlive(c.pid) {
			if c.shutdownRequested {
				return &cacheerrors.CASError{Op: "connect", Err: errShutdown}
			}
			return &cacheerrors.DaemonDied{ExitCode: -1}
		}
		if time.Now().After(deadline) {
			return &cacheerrors.CASError{Op: "connect", Err: errTimedOut}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

type sentinelError string

func (e sentinelError) Error() string { return string(e) }

const (
	errShutdown sentinelError = "shutdown requested"
	errTimedOut sentinelError = "timed out waiting for storage daemon to become ready"
)

// CAS returns the standard ContentAddressableStorage stub.
func (c *Channel) CAS() (repb.ContentAddressableStorageClient, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	return repb.NewContentAddressableStorageClient(conn), nil
}

// ByteStream returns the ByteStream stub, used for blobs too large for a
// single batch RPC.
func (c *Channel) ByteStream() (bsgrpc.ByteStreamClient, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	return bsgrpc.NewByteStreamClient(conn), nil
}

// Capabilities returns the server capabilities stub, used to probe batch
// size limits and supported digest functions.
func (c *Channel) Capabilities() (repb.CapabilitiesClient, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	return repb.NewCapabilitiesClient(conn), nil
}

// AssetFetch returns the Remote Asset Fetch stub.
func (c *Channel) AssetFetch() (assetv1.FetchClient, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	return assetv1.NewFetchClient(conn), nil
}

// AssetPush returns the Remote Asset Push stub.
func (c *Channel) AssetPush() (assetv1.PushClient, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	return assetv1.NewPushClient(conn), nil
}
