// Package remoteartifactproto hand-encodes the small BuildStream-specific
// Artifact service envelope (GetArtifactRequest/Response,
// UpdateArtifactRequest) that wraps an internal/artifactproto.Artifact with
// a cache_key. No generated Go package for this service exists either.
package remoteartifactproto

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/thought-machine/plz-cas-cache/src/internal/artifactproto"
)

// MarshalGetArtifactRequest encodes {cache_key}.
func MarshalGetArtifactRequest(cacheKey string) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, cacheKey)
	return b
}

// UnmarshalGetArtifactResponse decodes {artifact}.
func UnmarshalGetArtifactResponse(b []byte) (*artifactproto.Artifact, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("remoteartifactproto: bad tag")
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, vn := protowire.ConsumeBytes(b)
			if vn < 0 {
				return nil, fmt.Errorf("remoteartifactproto: bad artifact field")
			}
			return artifactproto.Unmarshal(v)
		}
		sn := protowire.ConsumeFieldValue(num, typ, b)
		if sn < 0 {
			return nil, fmt.Errorf("remoteartifactproto: bad field")
		}
		b = b[sn:]
	}
	return nil, fmt.Errorf("remoteartifactproto: response missing artifact field")
}

// MarshalUpdateArtifactRequest encodes {cache_key, artifact}.
func MarshalUpdateArtifactRequest(cacheKey string, a *artifactproto.Artifact) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendString(b, cacheKey)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, artifactproto.Marshal(a))
	return b
}
