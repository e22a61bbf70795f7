// Package api defines the worker runtime request/response types and the
// error taxonomy surfaced to callers.
package api

import (
	"errors"

	"github.com/oasisprotocol/curve25519-voi/primitives/x25519"

	"github.com/wardenlabs/warden/go/common/crypto/hash"
	"github.com/wardenlabs/warden/go/common/crypto/signature"
	tee "github.com/wardenlabs/warden/go/tee/api"
)

// MaxEndpointPayloadSize is the maximum encoded size of a signed endpoint
// payload accepted on chain.
const MaxEndpointPayloadSize = 512

// HandoverChallengeWindow is the number of blocks within which a handover
// challenge must be answered before it is considered stale.
const HandoverChallengeWindow = 150

// Signature contexts.
var (
	// EndpointSignatureContext is the context used to sign endpoint
	// announcements.
	EndpointSignatureContext = signature.NewContext("warden/worker: endpoint")

	// MasterKeyApplySignatureContext is the context used to sign master key
	// applications.
	MasterKeyApplySignatureContext = signature.NewContext("warden/worker: master key apply")
)

// Worker runtime errors.
var (
	// ErrSafeMode is the error returned when an operation is not allowed
	// while the worker is running in safe mode.
	ErrSafeMode = errors.New("worker/runtime: operation not allowed in safe mode")

	// ErrStatePending is the error returned when an operation cannot proceed
	// because a state replacement is in progress.
	ErrStatePending = errors.New("worker/runtime: state replacement pending")

	// ErrNotInitialized is the error returned when the runtime has not been
	// initialized yet.
	ErrNotInitialized = errors.New("worker/runtime: not initialized")

	// ErrAlreadyInitialized is the error returned on repeated initialization.
	ErrAlreadyInitialized = errors.New("worker/runtime: already initialized")

	// ErrDebugKeyWithAttestation is the error returned when a debug identity
	// seed is combined with a remote attestation provider.
	ErrDebugKeyWithAttestation = errors.New("worker/runtime: debug identity seed is incompatible with remote attestation")

	// ErrGenesisMismatch is the error returned when persisted runtime data
	// was sealed for a different genesis block.
	ErrGenesisMismatch = errors.New("worker/runtime: genesis block mismatch")

	// ErrInvalidChallenge is the error returned when a handover response does
	// not answer the outstanding challenge.
	ErrInvalidChallenge = errors.New("worker/runtime: invalid handover challenge")

	// ErrStaleChallenge is the error returned when a handover challenge has
	// outlived the challenge window.
	ErrStaleChallenge = errors.New("worker/runtime: handover challenge expired")

	// ErrWrongMachine is the error returned when handover counterparts are
	// not co-located on the same platform.
	ErrWrongMachine = errors.New("worker/runtime: handover counterpart not on the same machine")

	// ErrRollback is the error returned when a handover would move the
	// identity key to an enclave build no newer than the current one.
	ErrRollback = errors.New("worker/runtime: handover to an older or equal enclave build")

	// ErrBuildNotRegistered is the error returned when an enclave build has
	// no on-chain registration record.
	ErrBuildNotRegistered = errors.New("worker/runtime: enclave build not registered on chain")

	// ErrNoEphemeralKey is the error returned when a handover key is received
	// without a prior accepted challenge.
	ErrNoEphemeralKey = errors.New("worker/runtime: no handover key agreement key")

	// ErrEndpointTooLarge is the error returned when a signed endpoint
	// payload exceeds MaxEndpointPayloadSize.
	ErrEndpointTooLarge = errors.New("worker/runtime: endpoint payload too large")

	// ErrEndpointNotSet is the error returned when endpoint info is requested
	// before an endpoint has been configured.
	ErrEndpointNotSet = errors.New("worker/runtime: endpoint not set")

	// ErrCannotLoadChainState is the error returned when out-of-band chain
	// state loading is not possible in the current state.
	ErrCannotLoadChainState = errors.New("worker/runtime: cannot load chain state")

	// ErrAlreadyRegistered is the error returned when loaded chain state
	// already contains a registration for this worker's identity.
	ErrAlreadyRegistered = errors.New("worker/runtime: worker already registered in loaded state")

	// ErrSafeModeRequired is the error returned when an operation requires a
	// higher safe mode level than configured.
	ErrSafeModeRequired = errors.New("worker/runtime: operation requires safe mode level 2")

	// ErrNoPersistentStore is the error returned when a checkpoint operation
	// is attempted without a persistent store.
	ErrNoPersistentStore = errors.New("worker/runtime: no persistent store configured")

	// ErrNoCheckpoint is the error returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("worker/runtime: no checkpoint")
)

// RegistrationInfo is the self-description a worker registers on chain. It
// is attested via the remote attestation report binding its hash.
type RegistrationInfo struct {
	// Version is the worker software version.
	Version uint32 `json:"version"`

	// MachineID identifies the physical machine the worker runs on.
	MachineID []byte `json:"machine_id"`

	// PublicKey is the worker identity public key.
	PublicKey signature.PublicKey `json:"public_key"`

	// ECDHPublicKey is the worker's key agreement public key.
	ECDHPublicKey x25519.PublicKey `json:"ecdh_public_key"`

	// GenesisBlockHash anchors the identity to one chain.
	GenesisBlockHash hash.Hash `json:"genesis_block_hash"`

	// Features are the feature flags supported by this build.
	Features []uint32 `json:"features"`

	// Operator optionally binds the worker to an operator account.
	Operator *signature.PublicKey `json:"operator,omitempty"`
}

// RuntimeInfo is the full worker runtime info returned to the host,
// including the encoded registration info and its attestation.
type RuntimeInfo struct {
	// EncodedRegistrationInfo is the canonical encoding of RegistrationInfo.
	// The attestation report binds its hash.
	EncodedRegistrationInfo []byte `json:"encoded_registration_info"`

	// GenesisBlockHash anchors the identity to one chain.
	GenesisBlockHash hash.Hash `json:"genesis_block_hash"`

	// PublicKey is the worker identity public key.
	PublicKey signature.PublicKey `json:"public_key"`

	// ECDHPublicKey is the worker's key agreement public key.
	ECDHPublicKey x25519.PublicKey `json:"ecdh_public_key"`

	// Attestation is the remote attestation report over the hash of
	// EncodedRegistrationInfo, if attestation is enabled and allowed.
	Attestation *tee.Report `json:"attestation,omitempty"`
}

// Info is the worker status summary.
type Info struct {
	// Initialized is true once the runtime has been initialized.
	Initialized bool `json:"initialized"`

	// GenesisBlockHash is the genesis block hash, if initialized.
	GenesisBlockHash *hash.Hash `json:"genesis_block_hash,omitempty"`

	// PublicKey is the worker identity public key, if initialized.
	PublicKey *signature.PublicKey `json:"public_key,omitempty"`

	// NextHeaderNumber is the next header number to be synchronized.
	NextHeaderNumber uint64 `json:"next_header_number"`

	// NextBlockNumber is the next block number to be applied.
	NextBlockNumber uint64 `json:"next_block_number"`

	// StateRoot is the current chain storage content root.
	StateRoot string `json:"state_root"`

	// StateValidated is true once storage has been consistently validated
	// against a synchronized block.
	StateValidated bool `json:"state_validated"`

	// CanLoadChainState is true while out-of-band chain state loading is
	// still possible.
	CanLoadChainState bool `json:"can_load_chain_state"`

	// SafeModeLevel is the configured safe mode level.
	SafeModeLevel int `json:"safe_mode_level"`

	// DevMode is true when the identity key is a debug key.
	DevMode bool `json:"dev_mode"`

	// CurrentBlockTime is the current block timestamp in milliseconds. In
	// safe mode level 1 it is read directly from storage; in level 2 it is
	// zero as storage contents are not validated.
	CurrentBlockTime uint64 `json:"current_block_time"`

	// PendingMessages is the number of unconfirmed outbound messages.
	PendingMessages int `json:"pending_messages"`

	// Version is the worker software version.
	Version uint32 `json:"version"`

	// GitRevision is the source revision the worker was built from.
	GitRevision string `json:"git_revision"`
}

// HandoverChallenge is the challenge issued by a handover server to a
// candidate successor.
type HandoverChallenge struct {
	// Nonce makes each challenge unique and single use.
	Nonce [32]byte `json:"nonce"`

	// BlockNumber is the server's current block at challenge creation.
	BlockNumber uint64 `json:"block_number"`

	// Now is the current block timestamp in milliseconds.
	Now uint64 `json:"now"`

	// DevMode indicates the server runs with a debug identity; attestation
	// gates are skipped on both sides.
	DevMode bool `json:"dev_mode"`

	// TargetInfo is the server's local attestation target info. Empty in
	// dev mode.
	TargetInfo []byte `json:"target_info,omitempty"`
}

// ChallengeHandler is the client's answer to a handover challenge. The
// client's remote attestation report binds its hash.
type ChallengeHandler struct {
	// Challenge echoes the challenge being answered.
	Challenge HandoverChallenge `json:"challenge"`

	// LocalReport is the client's local attestation report targeted at the
	// server, proving co-location. Empty in dev mode.
	LocalReport []byte `json:"local_report,omitempty"`

	// EphemeralPublicKey is the client's ephemeral key agreement public key
	// under which the identity seed will be encrypted.
	EphemeralPublicKey x25519.PublicKey `json:"ephemeral_public_key"`
}

// HandoverChallengeResponse is the client's attested challenge answer.
type HandoverChallengeResponse struct {
	Handler ChallengeHandler `json:"handler"`

	// Attestation is the client's remote attestation report over the hash
	// of the encoded handler. Nil in dev mode.
	Attestation *tee.Report `json:"attestation,omitempty"`
}

// EncryptedKey is an identity seed encrypted to an ephemeral public key.
type EncryptedKey struct {
	// PublicKey is the sender's ephemeral key agreement public key.
	PublicKey x25519.PublicKey `json:"public_key"`

	// Nonce is the AEAD nonce.
	Nonce []byte `json:"nonce"`

	// Ciphertext is the sealed identity seed.
	Ciphertext []byte `json:"ciphertext"`
}

// EncryptedWorkerKey is the handed-over worker identity. The server's
// remote attestation report binds its hash.
type EncryptedWorkerKey struct {
	// GenesisBlockHash anchors the identity to one chain.
	GenesisBlockHash hash.Hash `json:"genesis_block_hash"`

	// DevMode indicates the identity is a debug key.
	DevMode bool `json:"dev_mode"`

	// EncryptedKey is the encrypted identity seed.
	EncryptedKey EncryptedKey `json:"encrypted_key"`
}

// HandoverWorkerKey is the server's attested handover payload.
type HandoverWorkerKey struct {
	EncryptedWorkerKey EncryptedWorkerKey `json:"encrypted_worker_key"`

	// Attestation is the server's remote attestation report over the hash
	// of the encoded encrypted worker key. Nil in dev mode.
	Attestation *tee.Report `json:"attestation,omitempty"`
}

// EndpointPayload is the worker's signed endpoint announcement.
type EndpointPayload struct {
	// PublicKey is the worker identity public key.
	PublicKey signature.PublicKey `json:"public_key"`

	// Endpoint is the worker's public endpoint address.
	Endpoint string `json:"endpoint"`

	// SigningTime is the block timestamp in milliseconds at signing.
	SigningTime uint64 `json:"signing_time"`
}

// SignedEndpoint is an endpoint payload with the worker's signature.
type SignedEndpoint struct {
	Payload   EndpointPayload `json:"payload"`
	Signature []byte          `json:"signature"`
}

// MasterKeyApply is the worker's signed application for a share of the
// master key.
type MasterKeyApply struct {
	// PublicKey is the worker identity public key.
	PublicKey signature.PublicKey `json:"public_key"`

	// ECDHPublicKey is the key agreement key under which the share is to be
	// delivered.
	ECDHPublicKey x25519.PublicKey `json:"ecdh_public_key"`

	// SigningTime is the block timestamp in milliseconds at signing.
	SigningTime uint64 `json:"signing_time"`
}

// SignedMasterKeyApply is a master key application with the worker's
// signature.
type SignedMasterKeyApply struct {
	Payload   MasterKeyApply `json:"payload"`
	Signature []byte         `json:"signature"`
}
