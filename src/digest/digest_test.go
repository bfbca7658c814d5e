package digest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// P4: message_digest(B).hash == hex(SHA256(B)) and .size_bytes == len(B).
func TestNewMatchesSHA256(t *testing.T) {
	d := New(SHA256, []byte("hello"))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", d.Hash)
	assert.EqualValues(t, 5, d.Size)
}

func TestObjectPath(t *testing.T) {
	d := Digest{Hash: "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", Size: 5}
	assert.Equal(t, "/cas/objects/2c/f24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", ObjectPath("/cas", d))
}

func TestToFromProtoRoundTrip(t *testing.T) {
	d := Digest{Hash: "abc", Size: 3}
	assert.Equal(t, d, FromProto(d.ToProto()))
}
