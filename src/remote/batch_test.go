package remote

import (
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
)

func TestGroupDigestsSplitsOnMaxDigests(t *testing.T) {
	digests := make([]*repb.Digest, MaxDigests+1)
	for i := range digests {
		digests[i] = &repb.Digest{Hash: "h", SizeBytes: 1}
	}
	groups := groupDigests(digests, MaxPayloadBytes)
	if assert.Len(t, groups, 2) {
		assert.Len(t, groups[0], MaxDigests)
		assert.Len(t, groups[1], 1)
	}
}

func TestGroupDigestsSplitsOnByteSize(t *testing.T) {
	digests := []*repb.Digest{
		{Hash: "a", SizeBytes: 600},
		{Hash: "b", SizeBytes: 600},
	}
	groups := groupDigests(digests, 1000)
	assert.Len(t, groups, 2)
}

func TestGroupDigestsSingleGroupWhenSmall(t *testing.T) {
	digests := []*repb.Digest{{Hash: "a", SizeBytes: 10}, {Hash: "b", SizeBytes: 10}}
	groups := groupDigests(digests, MaxPayloadBytes)
	assert.Len(t, groups, 1)
	assert.Len(t, groups[0], 2)
}
