package remote

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportCredentialsInsecureByDefault(t *testing.T) {
	c := New(Spec{URL: "localhost:1"})
	creds, err := c.transportCredentials()
	require.NoError(t, err)
	assert.Equal(t, "insecure", creds.Info().SecurityProtocol)
}

func TestProbeSupported(t *testing.T) {
	assert.True(t, probeSupported(nil))
}
