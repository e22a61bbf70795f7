// Package block defines the header, block and authority-set types consumed
// by the storage synchronizer.
package block

import (
	"github.com/wardenlabs/warden/go/common/crypto/hash"
	"github.com/wardenlabs/warden/go/common/crypto/signature"
)

// HeaderSignatureContext is the context used by authorities to sign
// finalized headers.
var HeaderSignatureContext = signature.NewContext("warden/consensus: header")

// KeyValue is a single storage entry.
type KeyValue struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

// Header is a finalized chain block header.
type Header struct {
	// Number is the block number.
	Number uint64 `json:"number"`

	// ParentHash is the hash of the previous block's header.
	ParentHash hash.Hash `json:"parent_hash"`

	// StateRoot is the storage content root declared by the block.
	StateRoot hash.Hash `json:"state_root"`
}

// Hash returns the header's hash.
func (h *Header) Hash() hash.Hash {
	return hash.NewFrom(h)
}

// AuthoritySet is a finality authority set.
type AuthoritySet struct {
	// ID is the monotonically increasing authority set identifier.
	ID uint64 `json:"id"`

	// Authorities are the member public keys.
	Authorities []signature.PublicKey `json:"authorities"`
}

// Contains returns true iff the given key is a member of the set.
func (s *AuthoritySet) Contains(pk signature.PublicKey) bool {
	for _, a := range s.Authorities {
		if a.Equal(pk) {
			return true
		}
	}
	return false
}

// AuthoritySignature is a single authority's signature over a header.
type AuthoritySignature struct {
	PublicKey signature.PublicKey `json:"public_key"`
	Signature []byte              `json:"signature"`
}

// HeaderToSync is a header together with its finality justification.
type HeaderToSync struct {
	Header     Header               `json:"header"`
	Signatures []AuthoritySignature `json:"signatures"`
}

// AuthoritySetChange schedules a new authority set, taking effect for
// headers after the designated block.
type AuthoritySetChange struct {
	// AtBlock is the last block signed by the outgoing set.
	AtBlock uint64 `json:"at_block"`

	// NewAuthoritySet is the incoming set.
	NewAuthoritySet AuthoritySet `json:"new_authority_set"`
}

// StorageChanges is the set of storage deltas declared by a block.
type StorageChanges struct {
	Writes  []KeyValue `json:"writes"`
	Deletes [][]byte   `json:"deletes"`
}

// BlockWithChanges is a block header bundled with its storage deltas.
type BlockWithChanges struct {
	Header  Header         `json:"header"`
	Changes StorageChanges `json:"changes"`
}

// GenesisBlockInfo is the genesis block data needed to bootstrap the
// synchronizer.
type GenesisBlockInfo struct {
	Header       Header       `json:"header"`
	AuthoritySet AuthoritySet `json:"authority_set"`
}
