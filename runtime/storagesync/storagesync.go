// Package storagesync implements the light-client storage synchronizer:
// header/authority-set tracking and block change application.
package storagesync

import (
	"errors"
	"fmt"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/crypto/hash"
	"github.com/wardenlabs/warden/go/common/logging"
	"github.com/wardenlabs/warden/go/runtime/block"
	"github.com/wardenlabs/warden/go/runtime/chainstate"
)

// Synchronizer errors.
var (
	// ErrNonContiguousHeaders is the error returned when a header batch
	// does not link to the synchronized chain.
	ErrNonContiguousHeaders = errors.New("storagesync: non-contiguous headers")

	// ErrBadJustification is the error returned when a header is not signed
	// by enough members of the recognized authority set.
	ErrBadJustification = errors.New("storagesync: invalid header justification")

	// ErrBadAuthoritySetChange is the error returned when an authority set
	// change is malformed or outside the synced batch.
	ErrBadAuthoritySetChange = errors.New("storagesync: invalid authority set change")

	// ErrUnexpectedBlock is the error returned when a block does not match
	// the next expected block number.
	ErrUnexpectedBlock = errors.New("storagesync: unexpected block number")

	// ErrBlockAheadOfHeaders is the error returned when block application
	// would outrun header synchronization.
	ErrBlockAheadOfHeaders = errors.New("storagesync: block ahead of synced headers")
)

// State is the synchronizer state.
type State int

const (
	// StateUninitialized is the state before genesis has been loaded.
	StateUninitialized State = iota
	// StateSyncing is the state while headers/blocks are being applied.
	StateSyncing
	// StateValidated is the state once headers and a block have been
	// consistently applied.
	StateValidated
)

// Counters are the monotonic synchronization counters.
type Counters struct {
	// NextHeaderNumber is the next header number to be synchronized.
	NextHeaderNumber uint64 `json:"next_header_number"`

	// NextBlockNumber is the next block number to be applied.
	NextBlockNumber uint64 `json:"next_block_number"`
}

// Snapshot is the serializable synchronizer state, used by checkpoints.
type Snapshot struct {
	Counters       Counters           `json:"counters"`
	AuthoritySet   block.AuthoritySet `json:"authority_set"`
	LastHeaderHash hash.Hash          `json:"last_header_hash"`
	Validated      bool               `json:"validated"`
}

// Synchronizer tracks the header chain and applies block storage deltas.
//
// It is not safe for concurrent use; callers serialize access through the
// runtime guard.
type Synchronizer struct {
	logger *logging.Logger

	state    State
	counters Counters

	authoritySet   block.AuthoritySet
	lastHeaderHash hash.Hash
}

// NewFromGenesis creates a synchronizer anchored at the given genesis block.
func NewFromGenesis(genesis *block.GenesisBlockInfo) *Synchronizer {
	n := genesis.Header.Number
	return &Synchronizer{
		logger: logging.GetLogger("runtime/storagesync"),
		state:  StateSyncing,
		counters: Counters{
			NextHeaderNumber: n + 1,
			NextBlockNumber:  n + 1,
		},
		authoritySet:   genesis.AuthoritySet,
		lastHeaderHash: genesis.Header.Hash(),
	}
}

// NewFromSnapshot restores a synchronizer from a checkpoint snapshot.
func NewFromSnapshot(snap *Snapshot) *Synchronizer {
	state := StateSyncing
	if snap.Validated {
		state = StateValidated
	}
	return &Synchronizer{
		logger:         logging.GetLogger("runtime/storagesync"),
		state:          state,
		counters:       snap.Counters,
		authoritySet:   snap.AuthoritySet,
		lastHeaderHash: snap.LastHeaderHash,
	}
}

// Snapshot returns the serializable synchronizer state.
func (s *Synchronizer) Snapshot() *Snapshot {
	return &Snapshot{
		Counters:       s.counters,
		AuthoritySet:   s.authoritySet,
		LastHeaderHash: s.lastHeaderHash,
		Validated:      s.state == StateValidated,
	}
}

// Counters returns the current synchronization counters.
func (s *Synchronizer) Counters() Counters {
	return s.counters
}

// StateValidated returns true once headers and an initial block have been
// consistently applied.
func (s *Synchronizer) StateValidated() bool {
	return s.state == StateValidated
}

// AuthoritySet returns the current authority set.
func (s *Synchronizer) AuthoritySet() block.AuthoritySet {
	return s.authoritySet
}

// SyncHeader advances the header chain, verifying each header's link to the
// previous one and applying the authority set change at its designated
// block. The whole batch is validated before anything is committed, so a
// failure leaves the synchronizer state unchanged. Returns the last
// accepted header number.
func (s *Synchronizer) SyncHeader(headers []block.HeaderToSync, change *block.AuthoritySetChange) (uint64, error) {
	if len(headers) == 0 {
		return s.counters.NextHeaderNumber - 1, nil
	}

	// Validate the whole batch against scratch state first.
	set := s.authoritySet
	lastHash := s.lastHeaderHash
	next := s.counters.NextHeaderNumber
	changePending := change != nil

	for i := range headers {
		h := &headers[i]

		if h.Header.Number != next {
			return 0, fmt.Errorf("%w: expected %d, got %d", ErrNonContiguousHeaders, next, h.Header.Number)
		}
		if !lastHash.IsEmpty() && !h.Header.ParentHash.Equal(&lastHash) {
			return 0, fmt.Errorf("%w: parent hash mismatch at %d", ErrNonContiguousHeaders, h.Header.Number)
		}
		if err := verifyJustification(&set, h); err != nil {
			return 0, err
		}

		if changePending && change.AtBlock == h.Header.Number {
			if change.NewAuthoritySet.ID != set.ID+1 || len(change.NewAuthoritySet.Authorities) == 0 {
				return 0, ErrBadAuthoritySetChange
			}
			set = change.NewAuthoritySet
			changePending = false
		}

		lastHash = h.Header.Hash()
		next++
	}

	if changePending {
		return 0, fmt.Errorf("%w: designated block %d not in batch", ErrBadAuthoritySetChange, change.AtBlock)
	}

	// Commit.
	s.authoritySet = set
	s.lastHeaderHash = lastHash
	s.counters.NextHeaderNumber = next

	s.logger.Debug("synced headers",
		"next_header_number", next,
		"authority_set_id", set.ID,
	)

	return next - 1, nil
}

// FeedBlock applies one block's storage deltas to the given chain storage,
// verifying the block's declared state root against the storage root after
// mutation unless dropProofs is set. Advances the next block counter.
func (s *Synchronizer) FeedBlock(blk *block.BlockWithChanges, storage *chainstate.ChainStorage, dropProofs bool) error {
	if blk.Header.Number != s.counters.NextBlockNumber {
		return fmt.Errorf("%w: expected %d, got %d", ErrUnexpectedBlock, s.counters.NextBlockNumber, blk.Header.Number)
	}
	if blk.Header.Number >= s.counters.NextHeaderNumber {
		return fmt.Errorf("%w: block %d, headers synced to %d",
			ErrBlockAheadOfHeaders, blk.Header.Number, s.counters.NextHeaderNumber-1)
	}

	var expectedRoot *hash.Hash
	if !dropProofs {
		expectedRoot = &blk.Header.StateRoot
	}
	if err := storage.ApplyChecked(blk.Changes, expectedRoot); err != nil {
		return err
	}

	s.counters.NextBlockNumber++
	s.state = StateValidated
	return nil
}

// AssumeAtBlock forcibly positions the synchronizer at the given block,
// skipping validation. Used when loading out-of-band chain state; the
// caller assumes responsibility for trusting that state. The next synced
// header is accepted without a parent link check.
func (s *Synchronizer) AssumeAtBlock(n uint64) error {
	if n == 0 {
		return fmt.Errorf("storagesync: cannot assume block 0")
	}

	s.counters.NextHeaderNumber = n + 1
	s.counters.NextBlockNumber = n + 1
	s.lastHeaderHash = hash.Hash{}
	s.lastHeaderHash.SetEmpty()
	s.state = StateSyncing
	return nil
}

func verifyJustification(set *block.AuthoritySet, h *block.HeaderToSync) error {
	rawHeader := cbor.Marshal(h.Header)

	signers := make(map[string]bool)
	for _, sig := range h.Signatures {
		if !set.Contains(sig.PublicKey) {
			return fmt.Errorf("%w: signer not in authority set %d", ErrBadJustification, set.ID)
		}
		if !sig.PublicKey.Verify(block.HeaderSignatureContext, rawHeader, sig.Signature) {
			return fmt.Errorf("%w: bad signature at header %d", ErrBadJustification, h.Header.Number)
		}
		signers[sig.PublicKey.String()] = true
	}

	// More than two thirds of the authority set must have signed.
	if len(signers)*3 <= len(set.Authorities)*2 {
		return fmt.Errorf("%w: insufficient signatures at header %d", ErrBadJustification, h.Header.Number)
	}
	return nil
}
