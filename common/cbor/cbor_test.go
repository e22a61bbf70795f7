package cbor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOutOfMem1(t *testing.T) {
	require := require.New(t)

	var f []byte
	err := Unmarshal([]byte("\x9b\x00\x00000000"), &f)
	require.Error(err, "Invalid CBOR input should fail to unmarshal")
}

func TestOutOfMem2(t *testing.T) {
	require := require.New(t)

	var f []byte
	err := Unmarshal([]byte("\x9b\x00\x00\x81112233"), &f)
	require.Error(err, "Invalid CBOR input should fail to unmarshal")
}

func TestEncoderDecoder(t *testing.T) {
	require := require.New(t)

	type mapInner struct {
		B uint64 `json:"b"`
		A uint64 `json:"a"`
	}

	// Encoding should be deterministic regardless of field order.
	b1 := Marshal(mapInner{A: 1, B: 2})
	b2 := Marshal(mapInner{B: 2, A: 1})
	require.Equal(b1, b2, "canonical encoding should be deterministic")

	var dec mapInner
	err := Unmarshal(b1, &dec)
	require.NoError(err, "Unmarshal")
	require.EqualValues(1, dec.A)
	require.EqualValues(2, dec.B)

	// nil input should be a no-op.
	var out mapInner
	require.NoError(Unmarshal(nil, &out), "Unmarshal(nil)")
}
