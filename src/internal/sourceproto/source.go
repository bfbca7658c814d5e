// Package sourceproto hand-encodes the Source record (spec.md §3); see
// internal/artifactproto for why this isn't generated by protoc.
package sourceproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/thought-machine/plz-cas-cache/src/digest"
)

const fieldFiles = 1

// Source references the directory tree holding a source's files.
type Source struct {
	Files digest.Digest
}

// Marshal serializes the Source to its wire bytes.
func Marshal(s *Source) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, s.Files.Hash)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(s.Files.Size))
	// Wrap the digest sub-message under field 1 of Source, matching the
	// same nested-message shape artifactproto uses for digests.
	var outer []byte
	outer = protowire.AppendTag(outer, fieldFiles, protowire.BytesType)
	outer = protowire.AppendBytes(outer, b)
	return outer
}

// Unmarshal parses the wire bytes produced by Marshal.
func Unmarshal(b []byte) (*Source, error) {
	s := &Source{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed source: bad tag")
		}
		b = b[n:]
		if num != fieldFiles {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("malformed source: unknown field %d", num)
			}
			b = b[n:]
			continue
		}
		inner, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, fmt.Errorf("malformed source: bad files field")
		}
		b = b[n:]
		for len(inner) > 0 {
			fnum, ftyp, fn := protowire.ConsumeTag(inner)
			if fn < 0 {
				return nil, fmt.Errorf("malformed source digest: bad tag")
			}
			inner = inner[fn:]
			switch fnum {
			case 1:
				v, fn := protowire.ConsumeBytes(inner)
				if fn < 0 {
					return nil, fmt.Errorf("malformed source digest: bad hash")
				}
				s.Files.Hash = string(v)
				inner = inner[fn:]
			case 2:
				v, fn := protowire.ConsumeVarint(inner)
				if fn < 0 {
					return nil, fmt.Errorf("malformed source digest: bad size")
				}
				s.Files.Size = int64(v)
				inner = inner[fn:]
			default:
				fn := protowire.ConsumeFieldValue(fnum, ftyp, inner)
				if fn < 0 {
					return nil, fmt.Errorf("malformed source digest: unknown field %d", fnum)
				}
				inner = inner[fn:]
			}
		}
	}
	return s, nil
}
