// Package rawrpc lets callers invoke gRPC methods for which no generated Go
// stub exists, by forcing a codec that passes already-encoded protobuf
// bytes straight through. Used by casd (LocalCAS) and remote (ArtifactService),
// both BuildStream-specific services with no Go package in the dependency set.
package rawrpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// Bytes is an already wire-encoded protobuf message.
type Bytes []byte

type codec struct{}

func (codec) Marshal(v interface{}) ([]byte, error) {
	b, ok := v.(Bytes)
	if !ok {
		return nil, fmt.Errorf("rawrpc: cannot marshal %T", v)
	}
	return b, nil
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	p, ok := v.(*Bytes)
	if !ok {
		return fmt.Errorf("rawrpc: cannot unmarshal into %T", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

func (codec) Name() string { return "proto" }

// Invoke calls method on conn with an already-encoded request, returning the
// already-encoded response.
func Invoke(ctx context.Context, conn *grpc.ClientConn, method string, req []byte) ([]byte, error) {
	var reply Bytes
	if err := conn.Invoke(ctx, method, Bytes(req), &reply, grpc.ForceCodec(codec{})); err != nil {
		return nil, err
	}
	return reply, nil
}
