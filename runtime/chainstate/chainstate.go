// Package chainstate implements the synchronized view of selected on-chain
// storage: an ordered key/value snapshot with a deterministic content root.
package chainstate

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"

	"github.com/google/btree"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/crypto/hash"
	"github.com/wardenlabs/warden/go/common/crypto/signature"
	"github.com/wardenlabs/warden/go/runtime/block"
	"github.com/wardenlabs/warden/go/runtime/mq"
)

// Well-known storage keys. The layout mirrors the on-chain runtime modules
// this worker consumes.
const (
	// TimestampKey holds the current block timestamp in milliseconds.
	TimestampKey = "well_known/timestamp"

	// messagesKey holds the inbound messages enqueued for workers at the
	// current block.
	messagesKey = "well_known/mq/messages"

	// mqOffsetPrefix holds the next expected outbound sequence number,
	// per sending origin.
	mqOffsetPrefix = "well_known/mq/offset/"

	// workerRegistryPrefix holds worker registration records keyed by
	// identity public key.
	workerRegistryPrefix = "registry/workers/"

	// buildRegistryPrefix holds the on-chain registration timestamp of
	// each allowed enclave build, keyed by measurement hash.
	buildRegistryPrefix = "registry/builds/"
)

// ErrRootMismatch is the error returned when the declared state root does
// not match the computed content root after mutation.
var ErrRootMismatch = errors.New("chainstate: state root mismatch")

type item struct {
	key   []byte
	value []byte
}

func itemLess(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// ChainStorage is a versioned key/value snapshot of on-chain storage.
//
// Reads may proceed concurrently with each other; writes take the internal
// write lock. Callers are expected to serialize mutations through the
// runtime guard.
type ChainStorage struct {
	mu sync.RWMutex

	tree *btree.BTreeG[item]

	root      hash.Hash
	rootValid bool
}

// New creates an empty chain storage.
func New() *ChainStorage {
	return &ChainStorage{
		tree: btree.NewG(2, itemLess),
	}
}

// NewFromPairs creates a chain storage populated with the given entries.
func NewFromPairs(pairs []block.KeyValue) *ChainStorage {
	cs := New()
	cs.InsertPairs(pairs)
	return cs
}

// InsertPairs materializes the given entries, replacing existing values.
// Used for genesis/manual loads and for proof-derived subsets.
func (cs *ChainStorage) InsertPairs(pairs []block.KeyValue) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, kv := range pairs {
		cs.tree.ReplaceOrInsert(item{
			key:   append([]byte{}, kv.Key...),
			value: append([]byte{}, kv.Value...),
		})
	}
	cs.rootValid = false
}

// Get returns the value stored under the given key, or nil if not present.
func (cs *ChainStorage) Get(key []byte) []byte {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	if it, ok := cs.tree.Get(item{key: key}); ok {
		return append([]byte{}, it.value...)
	}
	return nil
}

// Len returns the number of stored entries.
func (cs *ChainStorage) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	return cs.tree.Len()
}

// Root returns the deterministic content root over all entries.
func (cs *ChainStorage) Root() hash.Hash {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !cs.rootValid {
		cs.root = computeRoot(cs.tree)
		cs.rootValid = true
	}
	return cs.root
}

// ApplyChecked applies one block's storage deltas. When expectedRoot is
// non-nil, the deltas are first applied to a copy-on-write clone and the
// resulting root is verified against it; on mismatch nothing is committed
// and ErrRootMismatch is returned.
func (cs *ChainStorage) ApplyChecked(changes block.StorageChanges, expectedRoot *hash.Hash) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	next := cs.tree.Clone()
	for _, kv := range changes.Writes {
		next.ReplaceOrInsert(item{
			key:   append([]byte{}, kv.Key...),
			value: append([]byte{}, kv.Value...),
		})
	}
	for _, key := range changes.Deletes {
		next.Delete(item{key: key})
	}

	root := computeRoot(next)
	if expectedRoot != nil && !root.Equal(expectedRoot) {
		return ErrRootMismatch
	}

	cs.tree = next
	cs.root = root
	cs.rootValid = true
	return nil
}

// Pairs returns a snapshot of all entries in key order.
func (cs *ChainStorage) Pairs() []block.KeyValue {
	cs.mu.RLock()
	defer cs.mu.RUnlock()

	pairs := make([]block.KeyValue, 0, cs.tree.Len())
	cs.tree.Ascend(func(it item) bool {
		pairs = append(pairs, block.KeyValue{
			Key:   append([]byte{}, it.key...),
			Value: append([]byte{}, it.value...),
		})
		return true
	})
	return pairs
}

func computeRoot(tree *btree.BTreeG[item]) hash.Hash {
	b := hash.NewBuilder()
	var scratch [binary.MaxVarintLen64]byte
	tree.Ascend(func(it item) bool {
		n := binary.PutUvarint(scratch[:], uint64(len(it.key)))
		_, _ = b.Write(scratch[:n])
		_, _ = b.Write(it.key)
		n = binary.PutUvarint(scratch[:], uint64(len(it.value)))
		_, _ = b.Write(scratch[:n])
		_, _ = b.Write(it.value)
		return true
	})
	return b.Build()
}

// TimestampNow returns the current block timestamp in milliseconds, as
// recorded in storage. Returns zero if not present.
func (cs *ChainStorage) TimestampNow() uint64 {
	var ts uint64
	if raw := cs.Get([]byte(TimestampKey)); raw != nil {
		_ = cbor.Unmarshal(raw, &ts)
	}
	return ts
}

// Messages returns the inbound messages enqueued at the current block.
func (cs *ChainStorage) Messages() []mq.Message {
	var msgs []mq.Message
	if raw := cs.Get([]byte(messagesKey)); raw != nil {
		_ = cbor.Unmarshal(raw, &msgs)
	}
	return msgs
}

// MessageOffset returns the next outbound sequence number the chain expects
// from the given origin. Messages below this offset have been received.
func (cs *ChainStorage) MessageOffset(origin string) uint64 {
	var offset uint64
	if raw := cs.Get([]byte(mqOffsetPrefix + origin)); raw != nil {
		_ = cbor.Unmarshal(raw, &offset)
	}
	return offset
}

// WorkerRegistered returns true iff the given worker identity key has a
// registration record on chain.
func (cs *ChainStorage) WorkerRegistered(pk signature.PublicKey) bool {
	return cs.Get([]byte(workerRegistryPrefix+hex.EncodeToString(pk[:]))) != nil
}

// BuildAddedAt returns the on-chain registration timestamp of the enclave
// build with the given measurement hash.
func (cs *ChainStorage) BuildAddedAt(measurement hash.Hash) (uint64, bool) {
	raw := cs.Get([]byte(buildRegistryPrefix + measurement.String()))
	if raw == nil {
		return 0, false
	}
	var ts uint64
	if err := cbor.Unmarshal(raw, &ts); err != nil {
		return 0, false
	}
	return ts, true
}

// WellKnownPair is a helper for constructing well-known storage entries in
// tests and genesis documents.
func WellKnownPair(key string, value interface{}) block.KeyValue {
	return block.KeyValue{
		Key:   []byte(key),
		Value: cbor.Marshal(value),
	}
}

// WorkerRegistryKey returns the storage key of a worker registration record.
func WorkerRegistryKey(pk signature.PublicKey) string {
	return workerRegistryPrefix + hex.EncodeToString(pk[:])
}

// BuildRegistryKey returns the storage key of an enclave build record.
func BuildRegistryKey(measurement hash.Hash) string {
	return buildRegistryPrefix + measurement.String()
}

// MessagesKey returns the storage key of the inbound message queue.
func MessagesKey() string {
	return messagesKey
}

// MessageOffsetKey returns the storage key of an origin's outbound offset.
func MessageOffsetKey(origin string) string {
	return mqOffsetPrefix + origin
}
