// Package artifactproto hand-encodes the Artifact record (spec.md §3) in
// protobuf wire format. There is no published generated Go package for
// BuildStream's own artifact .proto schema, so the handful of fields are
// encoded directly with protowire -- the same low-level library the
// generated REAPI code in github.com/bazelbuild/remote-apis is itself built
// on, rather than inventing a bespoke binary format.
package artifactproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/thought-machine/plz-cas-cache/src/digest"
)

// Field numbers, fixed for the lifetime of the on-disk format.
const (
	fieldFiles      = 1
	fieldBuildtree  = 2
	fieldPublicData = 3
	fieldLogs       = 4
	fieldStrongKey  = 5
	fieldWeakKey    = 6
)

// Artifact is a named record referencing the directory of build outputs,
// an optional build tree, optional public data, zero or more logs, and the
// two cache keys used to look it up.
type Artifact struct {
	Files      digest.Digest
	Buildtree  digest.Digest // zero value means absent
	PublicData digest.Digest // zero value means absent
	Logs       []digest.Digest
	StrongKey  string
	WeakKey    string
}

func appendDigest(b []byte, fieldNum protowire.Number, d digest.Digest) []byte {
	if d.IsEmpty() {
		return b
	}
	inner := encodeDigest(d)
	b = protowire.AppendTag(b, fieldNum, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	return b
}

// encodeDigest encodes a Digest as a tiny two-field message: 1=hash(string), 2=size(int64).
func encodeDigest(d digest.Digest) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, d.Hash)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(d.Size))
	return b
}

func decodeDigest(b []byte) (digest.Digest, error) {
	var d digest.Digest
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return d, fmt.Errorf("malformed digest: bad tag")
		}
		b = b[n:]
		switch num {
		case 1:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return d, fmt.Errorf("malformed digest: bad hash")
			}
			d.Hash = string(v)
			b = b[n:]
		case 2:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return d, fmt.Errorf("malformed digest: bad size")
			}
			d.Size = int64(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return d, fmt.Errorf("malformed digest: unknown field %d", num)
			}
			b = b[n:]
		}
	}
	return d, nil
}

// Marshal serializes the Artifact to its wire bytes; digest(Marshal(a)) is
// the artifact's own content digest.
func Marshal(a *Artifact) []byte {
	var b []byte
	b = appendDigest(b, fieldFiles, a.Files)
	b = appendDigest(b, fieldBuildtree, a.Buildtree)
	b = appendDigest(b, fieldPublicData, a.PublicData)
	for _, l := range a.Logs {
		b = appendDigest(b, fieldLogs, l)
	}
	if a.StrongKey != "" {
		b = protowire.AppendTag(b, fieldStrongKey, protowire.BytesType)
		b = protowire.AppendString(b, a.StrongKey)
	}
	if a.WeakKey != "" {
		b = protowire.AppendTag(b, fieldWeakKey, protowire.BytesType)
		b = protowire.AppendString(b, a.WeakKey)
	}
	return b
}

// Unmarshal parses the wire bytes produced by Marshal.
func Unmarshal(b []byte) (*Artifact, error) {
	a := &Artifact{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed artifact: bad tag")
		}
		b = b[n:]
		switch num {
		case fieldFiles, fieldBuildtree, fieldPublicData, fieldLogs:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed artifact: bad field %d", num)
			}
			d, err := decodeDigest(v)
			if err != nil {
				return nil, err
			}
			switch num {
			case fieldFiles:
				a.Files = d
			case fieldBuildtree:
				a.Buildtree = d
			case fieldPublicData:
				a.PublicData = d
			case fieldLogs:
				a.Logs = append(a.Logs, d)
			}
			b = b[n:]
		case fieldStrongKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed artifact: bad strong_key")
			}
			a.StrongKey = string(v)
			b = b[n:]
		case fieldWeakKey:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("malformed artifact: bad weak_key")
			}
			a.WeakKey = string(v)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed artifact: unknown field %d", num)
			}
			b = b[n:]
		}
	}
	return a, nil
}
