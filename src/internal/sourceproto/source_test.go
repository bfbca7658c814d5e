package sourceproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thought-machine/plz-cas-cache/src/digest"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	s := &Source{Files: digest.Digest{Hash: "feedface", Size: 42}}
	got, err := Unmarshal(Marshal(s))
	require.NoError(t, err)
	assert.Equal(t, s, got)
}
