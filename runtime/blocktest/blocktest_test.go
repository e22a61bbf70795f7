package blocktest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/go/runtime/block"
)

func TestGenesisIsStable(t *testing.T) {
	require := require.New(t)

	chain := NewChain(2, []block.KeyValue{
		{Key: []byte("k"), Value: []byte("v")},
	})
	genesis := chain.Genesis()
	pairs := chain.GenesisPairs()

	require.EqualValues(0, genesis.Header.Number, "genesis is block zero")

	// Producing blocks, writing storage, and rotating the authority set
	// must not move the genesis anchor.
	chain.NextBlocks(3)
	chain.ScheduleAuthorityChange(3)
	chain.NextBlock(block.StorageChanges{
		Writes: []block.KeyValue{{Key: []byte("k"), Value: []byte("v2")}},
	})

	require.Equal(genesis, chain.Genesis(), "genesis header and authority set unchanged")
	require.Equal(pairs, chain.GenesisPairs(), "genesis storage unchanged")

	require.EqualValues(4, chain.LastHeader().Number, "chain advanced")
}
