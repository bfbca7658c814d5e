// Package digest computes content digests and maps them onto their location
// in a content-addressable store.
//
// The hash function is supplied by the caller as a NewFunc; SHA-256 is the
// default. Nothing in this module queries the storage daemon for its digest
// function, so every caller in it uses SHA-256.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"path/filepath"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// A Digest identifies a blob by the hash of its bytes and its length.
// Two digests are equal iff both fields are equal.
type Digest struct {
	Hash string
	Size int64
}

// NewFunc constructs the hash used to digest blobs. A nil NewFunc means
// SHA-256.
type NewFunc func() hash.Hash

// SHA256 is the baseline digest function.
func SHA256() hash.Hash { return sha256.New() }

// New computes the digest of a byte sequence using the given hash function.
func New(newHash NewFunc, b []byte) Digest {
	if newHash == nil {
		newHash = SHA256
	}
	h := newHash()
	h.Write(b)
	return Digest{Hash: hex.EncodeToString(h.Sum(nil)), Size: int64(len(b))}
}

// ForMessage computes the digest of a serialized proto message, per §4.1.
// It returns the digest and the serialized bytes, since callers usually need
// both (to digest it and then to ship it).
func ForMessage(newHash NewFunc, msg proto.Message) (Digest, []byte, error) {
	b, err := proto.Marshal(msg)
	if err != nil {
		return Digest{}, nil, err
	}
	return New(newHash, b), b, nil
}

// ToProto converts a Digest to the REAPI wire representation.
func (d Digest) ToProto() *repb.Digest {
	return &repb.Digest{Hash: d.Hash, SizeBytes: d.Size}
}

// FromProto converts the REAPI wire representation to a Digest.
func FromProto(pb *repb.Digest) Digest {
	if pb == nil {
		return Digest{}
	}
	return Digest{Hash: pb.Hash, Size: pb.SizeBytes}
}

// IsEmpty returns true for the zero Digest (no hash set).
func (d Digest) IsEmpty() bool {
	return d.Hash == ""
}

func (d Digest) String() string {
	return d.Hash
}

// ObjectPath returns the path at which the blob for this digest is stored
// locally: <cas-root>/objects/<hash[0:2]>/<hash[2:]>.
func ObjectPath(casRoot string, d Digest) string {
	return filepath.Join(casRoot, "objects", d.Hash[:2], d.Hash[2:])
}
