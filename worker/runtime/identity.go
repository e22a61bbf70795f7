package runtime

import (
	"crypto/sha512"
	"io"

	"github.com/oasisprotocol/curve25519-voi/primitives/x25519"

	mrae "github.com/wardenlabs/warden/go/common/crypto/mrae/api"
	"github.com/wardenlabs/warden/go/common/crypto/signature"
)

var ecdhDerivationTweak = []byte("warden/worker: ecdh key derivation")

// Identity is the worker's long-term identity: an Ed25519 signing key and
// an X25519 key agreement key, both derived from a single 32 byte seed so
// the key handover protocol only needs to transfer the seed.
type Identity struct {
	signer signature.Signer

	ecdhPublicKey  x25519.PublicKey
	ecdhPrivateKey [32]byte
}

// NewIdentityFromSeed constructs an identity from a 32 byte seed.
func NewIdentityFromSeed(seed []byte) (*Identity, error) {
	signer, err := signature.NewSignerFromSeed(seed)
	if err != nil {
		return nil, err
	}

	id := &Identity{signer: signer}

	h := sha512.New512_256()
	_, _ = h.Write(ecdhDerivationTweak)
	_, _ = h.Write(seed)
	copy(id.ecdhPrivateKey[:], h.Sum(nil))

	var pub [32]byte
	x25519.ScalarBaseMult(&pub, &id.ecdhPrivateKey)
	id.ecdhPublicKey = x25519.PublicKey(pub)

	return id, nil
}

// GenerateIdentity generates a fresh identity from the given entropy source.
func GenerateIdentity(rng io.Reader) (*Identity, error) {
	var entropy [32]byte
	if _, err := io.ReadFull(rng, entropy[:]); err != nil {
		return nil, err
	}

	seed := sha512.Sum512_256(entropy[:]) // Mitigate poor quality entropy.
	mrae.Bzero(entropy[:])
	defer mrae.Bzero(seed[:])

	return NewIdentityFromSeed(seed[:])
}

// Signer returns the identity signing key.
func (id *Identity) Signer() signature.Signer {
	return id.signer
}

// Public returns the identity public key.
func (id *Identity) Public() signature.PublicKey {
	return id.signer.Public()
}

// ECDHPublicKey returns the key agreement public key.
func (id *Identity) ECDHPublicKey() x25519.PublicKey {
	return id.ecdhPublicKey
}

// Seed returns the identity seed. Only the key handover protocol may use
// it, and never in plaintext outside the trusted boundary.
func (id *Identity) Seed() []byte {
	return id.signer.(signature.UnsafeSigner).UnsafeBytes()
}
