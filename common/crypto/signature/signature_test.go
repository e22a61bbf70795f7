package signature

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

var (
	testContextA = NewContext("warden/test: context a")
	testContextB = NewContext("warden/test: context b")
)

func TestContextSignVerify(t *testing.T) {
	require := require.New(t)

	signer, err := NewSigner(rand.Reader)
	require.NoError(err, "NewSigner")

	message := []byte("message under test")
	sig, err := signer.ContextSign(testContextA, message)
	require.NoError(err, "ContextSign")

	pk := signer.Public()
	require.True(pk.Verify(testContextA, message, sig), "Verify")
	require.False(pk.Verify(testContextB, message, sig), "Verify with wrong context")
	require.False(pk.Verify(testContextA, []byte("other message"), sig), "Verify with wrong message")

	_, err = signer.ContextSign(Context("unregistered"), message)
	require.Equal(ErrUnregisteredContext, err, "ContextSign with unregistered context")
}

func TestSignerFromSeed(t *testing.T) {
	require := require.New(t)

	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(err, "rand.Read")

	s1, err := NewSignerFromSeed(seed)
	require.NoError(err, "NewSignerFromSeed")
	s2, err := NewSignerFromSeed(seed)
	require.NoError(err, "NewSignerFromSeed (again)")
	require.Equal(s1.Public(), s2.Public(), "same seed yields same keypair")

	us, ok := s1.(UnsafeSigner)
	require.True(ok, "memory signer exposes UnsafeSigner")
	require.Equal(seed, us.UnsafeBytes(), "UnsafeBytes returns the seed")

	_, err = NewSignerFromSeed(seed[:16])
	require.Error(err, "short seed must be rejected")
}
