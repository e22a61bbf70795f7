package storagesync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/go/runtime/block"
	"github.com/wardenlabs/warden/go/runtime/blocktest"
	"github.com/wardenlabs/warden/go/runtime/chainstate"
)

func TestSyncHeaderSplitEquivalence(t *testing.T) {
	require := require.New(t)

	chain := blocktest.NewChain(4, nil)
	headers, _ := chain.NextBlocks(8)

	// Applying the whole sequence at once.
	whole := NewFromGenesis(chain.Genesis())
	syncedWhole, err := whole.SyncHeader(headers, nil)
	require.NoError(err, "SyncHeader(whole)")

	// Applying in two chunks, split at every possible point, yields the
	// same last-synced number and authority set.
	for split := 0; split <= len(headers); split++ {
		s := NewFromGenesis(chain.Genesis())
		_, err := s.SyncHeader(headers[:split], nil)
		require.NoError(err, "SyncHeader(first chunk)")
		synced, err := s.SyncHeader(headers[split:], nil)
		require.NoError(err, "SyncHeader(second chunk)")
		require.Equal(syncedWhole, synced, "split application matches whole application")
		require.Equal(whole.Counters(), s.Counters(), "counters match")
		require.Equal(whole.AuthoritySet(), s.AuthoritySet(), "authority set matches")
	}
}

func TestSyncHeaderRejectsBadBatches(t *testing.T) {
	require := require.New(t)

	chain := blocktest.NewChain(4, nil)
	headers, _ := chain.NextBlocks(4)

	s := NewFromGenesis(chain.Genesis())
	before := s.Counters()

	// Non-contiguous: skip a header.
	_, err := s.SyncHeader(headers[1:], nil)
	require.ErrorIs(err, ErrNonContiguousHeaders, "gap in batch")
	require.Equal(before, s.Counters(), "failed sync leaves state unchanged")

	// Unrecognized authority set: strip signatures.
	bad := make([]block.HeaderToSync, len(headers))
	copy(bad, headers)
	bad[0].Signatures = nil
	_, err = s.SyncHeader(bad, nil)
	require.ErrorIs(err, ErrBadJustification, "missing justification")
	require.Equal(before, s.Counters(), "failed sync leaves state unchanged")

	// Foreign signers.
	foreign := blocktest.NewChain(4, nil)
	foreignHeaders, _ := foreign.NextBlocks(1)
	_, err = s.SyncHeader(foreignHeaders, nil)
	require.ErrorIs(err, ErrBadJustification, "foreign authority set")

	// The original batch still applies cleanly afterwards.
	synced, err := s.SyncHeader(headers, nil)
	require.NoError(err, "SyncHeader after failures")
	require.EqualValues(4, synced, "synced to last header")
}

func TestSyncHeaderAuthoritySetChange(t *testing.T) {
	require := require.New(t)

	chain := blocktest.NewChain(4, nil)
	first, _ := chain.NextBlocks(2)
	change := chain.ScheduleAuthorityChange(5)
	atChange, _ := chain.NextBlocks(1)
	after, _ := chain.NextBlocks(2)

	s := NewFromGenesis(chain.Genesis())
	_, err := s.SyncHeader(first, nil)
	require.NoError(err, "SyncHeader(before change)")

	// Headers signed by the new set must fail before the change is applied.
	_, err = s.SyncHeader(append(append([]block.HeaderToSync{}, atChange...), after...), nil)
	require.ErrorIs(err, ErrBadJustification, "new set not yet recognized")

	// With the change supplied, the whole batch applies.
	synced, err := s.SyncHeader(append(append([]block.HeaderToSync{}, atChange...), after...), change)
	require.NoError(err, "SyncHeader(with change)")
	require.EqualValues(5, synced)
	require.Equal(change.NewAuthoritySet.ID, s.AuthoritySet().ID, "authority set rotated")

	// A change whose designated block is outside the batch must fail.
	s2 := NewFromGenesis(chain.Genesis())
	_, err = s2.SyncHeader(first, change)
	require.ErrorIs(err, ErrBadAuthoritySetChange, "designated block outside batch")
}

func TestFeedBlock(t *testing.T) {
	require := require.New(t)

	chain := blocktest.NewChain(1, nil)
	h1, b1 := chain.NextBlock(block.StorageChanges{
		Writes: []block.KeyValue{{Key: []byte("k"), Value: []byte("v")}},
	})
	h2, b2 := chain.NextBlock(block.StorageChanges{})

	s := NewFromGenesis(chain.Genesis())
	storage := chainstate.New()

	// Feeding a block ahead of synced headers must fail.
	err := s.FeedBlock(&b1, storage, false)
	require.ErrorIs(err, ErrBlockAheadOfHeaders, "block must not outrun headers")

	_, err = s.SyncHeader([]block.HeaderToSync{h1, h2}, nil)
	require.NoError(err, "SyncHeader")

	// Out-of-order block.
	err = s.FeedBlock(&b2, storage, false)
	require.ErrorIs(err, ErrUnexpectedBlock, "out of order block")

	require.False(s.StateValidated(), "not validated before first block")
	require.NoError(s.FeedBlock(&b1, storage, false), "FeedBlock(b1)")
	require.True(s.StateValidated(), "validated after first block")
	require.NoError(s.FeedBlock(&b2, storage, false), "FeedBlock(b2)")

	require.Equal([]byte("v"), storage.Get([]byte("k")), "changes applied")
	require.EqualValues(3, s.Counters().NextBlockNumber, "block counter advanced")

	// Declared root mismatch aborts without advancing.
	h3, b3 := chain.NextBlock(block.StorageChanges{
		Writes: []block.KeyValue{{Key: []byte("k2"), Value: []byte("v2")}},
	})
	_, err = s.SyncHeader([]block.HeaderToSync{h3}, nil)
	require.NoError(err, "SyncHeader(h3)")
	tampered := b3
	tampered.Changes = block.StorageChanges{
		Writes: []block.KeyValue{{Key: []byte("k2"), Value: []byte("tampered")}},
	}
	err = s.FeedBlock(&tampered, storage, false)
	require.ErrorIs(err, chainstate.ErrRootMismatch, "tampered changes rejected")
	require.EqualValues(3, s.Counters().NextBlockNumber, "counter unchanged on failure")

	// With proofs dropped the same block applies.
	require.NoError(s.FeedBlock(&tampered, storage, true), "FeedBlock with dropped proofs")
}

func TestAssumeAtBlock(t *testing.T) {
	require := require.New(t)

	chain := blocktest.NewChain(2, nil)
	s := NewFromGenesis(chain.Genesis())

	require.Error(s.AssumeAtBlock(0), "block 0 rejected")
	require.NoError(s.AssumeAtBlock(42), "AssumeAtBlock")
	require.Equal(Counters{NextHeaderNumber: 43, NextBlockNumber: 43}, s.Counters())
	require.False(s.StateValidated(), "assumed state is not validated")

	// Snapshot round-trip.
	restored := NewFromSnapshot(s.Snapshot())
	require.Equal(s.Counters(), restored.Counters(), "snapshot round-trip")
}
