// Package blocktest provides helpers for constructing signed header chains
// in tests.
package blocktest

import (
	"crypto/rand"
	"fmt"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/crypto/signature"
	"github.com/wardenlabs/warden/go/runtime/block"
	"github.com/wardenlabs/warden/go/runtime/chainstate"
)

// Chain is a test chain producing correctly linked and signed headers with
// matching storage change sets.
type Chain struct {
	signers []signature.Signer
	set     block.AuthoritySet

	pendingChange        *block.AuthoritySetChange
	pendingChangeSigners []signature.Signer

	genesisHeader block.Header
	genesisSet    block.AuthoritySet
	genesisPairs  []block.KeyValue

	lastHeader block.Header
	scratch    *chainstate.ChainStorage
}

func newSigners(n int) ([]signature.Signer, []signature.PublicKey) {
	signers := make([]signature.Signer, 0, n)
	pks := make([]signature.PublicKey, 0, n)
	for i := 0; i < n; i++ {
		signer, err := signature.NewSigner(rand.Reader)
		if err != nil {
			panic(fmt.Sprintf("blocktest: failed to create signer: %v", err))
		}
		signers = append(signers, signer)
		pks = append(pks, signer.Public())
	}
	return signers, pks
}

// NewChain creates a test chain with the given number of authorities and
// genesis storage entries.
func NewChain(numAuthorities int, genesisPairs []block.KeyValue) *Chain {
	signers, pks := newSigners(numAuthorities)
	scratch := chainstate.NewFromPairs(genesisPairs)

	set := block.AuthoritySet{ID: 0, Authorities: pks}
	genesisHeader := block.Header{
		Number:    0,
		StateRoot: scratch.Root(),
	}

	return &Chain{
		signers:       signers,
		set:           set,
		genesisHeader: genesisHeader,
		genesisSet:    set,
		genesisPairs:  scratch.Pairs(),
		lastHeader:    genesisHeader,
		scratch:       scratch,
	}
}

// Genesis returns the genesis block info anchoring the chain. It is fixed at
// chain creation time, so synchronizers constructed after blocks have been
// produced still anchor at block zero.
func (c *Chain) Genesis() *block.GenesisBlockInfo {
	return &block.GenesisBlockInfo{
		Header:       c.genesisHeader,
		AuthoritySet: c.genesisSet,
	}
}

// GenesisPairs returns the storage contents at genesis.
func (c *Chain) GenesisPairs() []block.KeyValue {
	return c.genesisPairs
}

// LastHeader returns the most recently produced header.
func (c *Chain) LastHeader() block.Header {
	return c.lastHeader
}

// ScheduleAuthorityChange schedules an authority set rotation taking effect
// after the next produced block, and returns the change to feed to the
// synchronizer.
func (c *Chain) ScheduleAuthorityChange(numAuthorities int) *block.AuthoritySetChange {
	signers, pks := newSigners(numAuthorities)
	change := &block.AuthoritySetChange{
		AtBlock: c.lastHeader.Number + 1,
		NewAuthoritySet: block.AuthoritySet{
			ID:          c.set.ID + 1,
			Authorities: pks,
		},
	}
	c.pendingChange = change
	c.pendingChangeSigners = signers
	return change
}

// NextBlock produces the next block applying the given storage changes,
// returning both the signed header and the block with changes.
func (c *Chain) NextBlock(changes block.StorageChanges) (block.HeaderToSync, block.BlockWithChanges) {
	if err := c.scratch.ApplyChecked(changes, nil); err != nil {
		panic(fmt.Sprintf("blocktest: failed to apply changes: %v", err))
	}

	header := block.Header{
		Number:     c.lastHeader.Number + 1,
		ParentHash: c.lastHeader.Hash(),
		StateRoot:  c.scratch.Root(),
	}

	rawHeader := cbor.Marshal(header)
	sigs := make([]block.AuthoritySignature, 0, len(c.signers))
	for _, signer := range c.signers {
		sig, err := signer.ContextSign(block.HeaderSignatureContext, rawHeader)
		if err != nil {
			panic(fmt.Sprintf("blocktest: failed to sign header: %v", err))
		}
		sigs = append(sigs, block.AuthoritySignature{
			PublicKey: signer.Public(),
			Signature: sig,
		})
	}

	c.lastHeader = header
	if c.pendingChange != nil && header.Number == c.pendingChange.AtBlock {
		c.set = c.pendingChange.NewAuthoritySet
		c.signers = c.pendingChangeSigners
		c.pendingChange = nil
		c.pendingChangeSigners = nil
	}

	return block.HeaderToSync{Header: header, Signatures: sigs},
		block.BlockWithChanges{Header: header, Changes: changes}
}

// NextBlocks produces n consecutive empty blocks.
func (c *Chain) NextBlocks(n int) ([]block.HeaderToSync, []block.BlockWithChanges) {
	headers := make([]block.HeaderToSync, 0, n)
	blocks := make([]block.BlockWithChanges, 0, n)
	for i := 0; i < n; i++ {
		h, b := c.NextBlock(block.StorageChanges{})
		headers = append(headers, h)
		blocks = append(blocks, b)
	}
	return headers, blocks
}
