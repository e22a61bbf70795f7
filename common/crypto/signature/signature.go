// Package signature provides Ed25519 signatures with domain separation.
package signature

import (
	"encoding"
	"encoding/hex"
	"errors"
	"io"
	"sync"

	"github.com/oasisprotocol/curve25519-voi/primitives/ed25519"

	"github.com/wardenlabs/warden/go/common/crypto/hash"
)

// PublicKeySize is the size of a public key in bytes.
const PublicKeySize = ed25519.PublicKeySize

var (
	// ErrMalformedPublicKey is the error returned when a public key is
	// malformed.
	ErrMalformedPublicKey = errors.New("signature: malformed public key")

	// ErrUnregisteredContext is the error returned when signing or verifying
	// with an unregistered context.
	ErrUnregisteredContext = errors.New("signature: unregistered context")

	errContextAlreadyRegistered = errors.New("signature: context already registered")

	registeredContexts sync.Map

	_ encoding.BinaryMarshaler   = (*PublicKey)(nil)
	_ encoding.BinaryUnmarshaler = (*PublicKey)(nil)
)

// Context is a domain separation context.
type Context string

// NewContext creates and registers a new context.
func NewContext(rawContext string) Context {
	ctx := Context(rawContext)
	if _, loaded := registeredContexts.LoadOrStore(ctx, true); loaded {
		panic(errContextAlreadyRegistered)
	}
	return ctx
}

// PrepareSignerMessage prepares a context-tagged message for signing or
// verification.
func PrepareSignerMessage(context Context, message []byte) ([]byte, error) {
	if _, ok := registeredContexts.Load(context); !ok {
		return nil, ErrUnregisteredContext
	}

	h := hash.NewFromBytes([]byte(context), message)
	return h[:], nil
}

// PublicKey is a public key used for signing.
type PublicKey [PublicKeySize]byte

// Verify returns true iff the signature is valid for the public key over
// the context and message.
func (k PublicKey) Verify(context Context, message, sig []byte) bool {
	data, err := PrepareSignerMessage(context, message)
	if err != nil {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(k[:]), data, sig)
}

// MarshalBinary encodes a public key into binary form.
func (k PublicKey) MarshalBinary() ([]byte, error) {
	return append([]byte{}, k[:]...), nil
}

// UnmarshalBinary decodes a binary marshaled public key.
func (k *PublicKey) UnmarshalBinary(data []byte) error {
	if len(data) != PublicKeySize {
		return ErrMalformedPublicKey
	}
	copy(k[:], data)
	return nil
}

// Equal compares vs another public key for equality.
func (k PublicKey) Equal(cmp PublicKey) bool {
	return k == cmp
}

// String returns the string representation of a public key.
func (k PublicKey) String() string {
	return hex.EncodeToString(k[:])
}

// Signer is an opaque interface for signing keys.
type Signer interface {
	// Public returns the public key corresponding to the signer.
	Public() PublicKey

	// ContextSign generates a signature with the private key over the
	// context and message.
	ContextSign(context Context, message []byte) ([]byte, error)
}

// UnsafeSigner is a Signer that also exposes its private key bytes.
//
// The only consumer of the private key material is the key handover
// protocol, which never lets it leave the trusted boundary in plaintext.
type UnsafeSigner interface {
	Signer

	// UnsafeBytes returns the private key seed bytes.
	UnsafeBytes() []byte
}

type memorySigner struct {
	privateKey ed25519.PrivateKey
}

func (s *memorySigner) Public() PublicKey {
	var pk PublicKey
	copy(pk[:], s.privateKey.Public().(ed25519.PublicKey))
	return pk
}

func (s *memorySigner) ContextSign(context Context, message []byte) ([]byte, error) {
	data, err := PrepareSignerMessage(context, message)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(s.privateKey, data), nil
}

func (s *memorySigner) UnsafeBytes() []byte {
	return s.privateKey.Seed()
}

// NewSigner generates a new in-memory signer using the given entropy source.
func NewSigner(rng io.Reader) (Signer, error) {
	_, privateKey, err := ed25519.GenerateKey(rng)
	if err != nil {
		return nil, err
	}
	return &memorySigner{privateKey: privateKey}, nil
}

// NewSignerFromSeed constructs an in-memory signer from a 32 byte seed.
func NewSignerFromSeed(seed []byte) (Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, errors.New("signature: malformed seed")
	}
	return &memorySigner{privateKey: ed25519.NewKeyFromSeed(seed)}, nil
}
