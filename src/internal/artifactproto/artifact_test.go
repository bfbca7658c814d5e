package artifactproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/plz-cas-cache/src/digest"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	a := &Artifact{
		Files:     digest.Digest{Hash: "aaa", Size: 10},
		Buildtree: digest.Digest{Hash: "bbb", Size: 20},
		Logs: []digest.Digest{
			{Hash: "ccc", Size: 1},
			{Hash: "ddd", Size: 2},
		},
		StrongKey: "strong",
		WeakKey:   "weak",
	}
	b := Marshal(a)
	got, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, a, got)
}

func TestMarshalOmitsAbsentOptionalFields(t *testing.T) {
	a := &Artifact{Files: digest.Digest{Hash: "x", Size: 1}, StrongKey: "k"}
	got, err := Unmarshal(Marshal(a))
	require.NoError(t, err)
	assert.True(t, got.Buildtree.IsEmpty())
	assert.True(t, got.PublicData.IsEmpty())
	assert.Empty(t, got.Logs)
}
