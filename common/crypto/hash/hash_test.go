package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHash(t *testing.T) {
	require := require.New(t)

	var empty Hash
	empty.SetEmpty()
	require.True(empty.IsEmpty(), "SetEmpty/IsEmpty")

	h1 := NewFromBytes([]byte("warden hash test vector"))
	h2 := NewFromBytes([]byte("warden hash test vector"))
	require.True(h1.Equal(&h2), "hashing is deterministic")
	require.False(h1.Equal(&empty), "distinct inputs produce distinct hashes")

	// Binary round-trip.
	raw, err := h1.MarshalBinary()
	require.NoError(err, "MarshalBinary")
	var h3 Hash
	require.NoError(h3.UnmarshalBinary(raw), "UnmarshalBinary")
	require.True(h1.Equal(&h3), "binary round-trip")

	require.Equal(ErrMalformed, h3.UnmarshalBinary(raw[1:]), "truncated input")

	// Builder matches one-shot hashing.
	b := NewBuilder()
	_, _ = b.Write([]byte("warden "))
	_, _ = b.Write([]byte("hash test vector"))
	hb := b.Build()
	require.True(h1.Equal(&hb), "builder matches one-shot hash")
}
