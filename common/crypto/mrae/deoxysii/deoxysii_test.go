package deoxysii

import (
	"crypto/rand"
	"testing"

	"github.com/oasisprotocol/deoxysii"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/go/common/crypto/mrae/api"
)

func TestDeoxysII_Box_Integration(t *testing.T) {
	require := require.New(t)

	alicePub, alicePriv, err := api.GenerateKeyPair(rand.Reader)
	require.NoError(err, "GenerateKeyPair(Alice)")

	bobPub, bobPriv, err := api.GenerateKeyPair(rand.Reader)
	require.NoError(err, "GenerateKeyPair(Bob)")

	var nonce [deoxysii.NonceSize]byte
	_, err = rand.Read(nonce[:])
	require.NoError(err, "rand.Read(nonce)")

	aad := []byte("box integration test aad")
	plaintext := []byte("the quick brown worker key jumps over the lazy enclave")

	ct := Box.Seal(nil, nonce[:], plaintext, aad, bobPub, alicePriv)

	pt, err := Box.Open(nil, nonce[:], ct, aad, alicePub, bobPriv)
	require.NoError(err, "Open")
	require.Equal(plaintext, pt, "Open() should recover the plaintext")

	// Derived keys must agree in both directions.
	var kAB, kBA [deoxysii.KeySize]byte
	Box.DeriveSymmetricKey(kAB[:], bobPub, alicePriv)
	Box.DeriveSymmetricKey(kBA[:], alicePub, bobPriv)
	require.Equal(kAB, kBA, "derived symmetric keys should match")

	// Tampered ciphertext must not open.
	ct[0] ^= 0x23
	_, err = Box.Open(nil, nonce[:], ct, aad, alicePub, bobPriv)
	require.Error(err, "Open(tampered ciphertext)")
}
