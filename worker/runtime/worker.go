// Package runtime implements the worker runtime core: the guarded runtime
// state, chain synchronization, the key handover protocol and checkpoints.
package runtime

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/crypto/hash"
	"github.com/wardenlabs/warden/go/common/crypto/signature"
	"github.com/wardenlabs/warden/go/common/logging"
	"github.com/wardenlabs/warden/go/common/persistent"
	"github.com/wardenlabs/warden/go/runtime/block"
	"github.com/wardenlabs/warden/go/runtime/chainstate"
	"github.com/wardenlabs/warden/go/runtime/mq"
	"github.com/wardenlabs/warden/go/runtime/storagesync"
	"github.com/wardenlabs/warden/go/tee/attestation"
	tee "github.com/wardenlabs/warden/go/tee/api"
	"github.com/wardenlabs/warden/go/worker/runtime/api"
	"github.com/wardenlabs/warden/go/worker/runtime/config"
)

// maxAttestationAge is how long a cached registration attestation remains
// usable before a fresh report is created.
const maxAttestationAge = time.Hour

// BlockContext is the per-block context passed to the application system.
type BlockContext struct {
	// BlockNumber is the block being processed.
	BlockNumber uint64

	// NowMS is the block timestamp in milliseconds.
	NowMS uint64

	// Storage is the synchronized chain storage view.
	Storage *chainstate.ChainStorage

	// SendQueue is the outbound message queue.
	SendQueue *mq.SendQueue

	// Dispatcher is the inbound message dispatcher. Handlers registered
	// here receive the block's inbound messages.
	Dispatcher *mq.Dispatcher
}

// System is the pluggable application logic driven by the block processing
// loop. All methods are invoked with the runtime lock held.
type System interface {
	// WillProcessBlock is called before the block's inbound messages are
	// dispatched.
	WillProcessBlock(ctx *BlockContext)

	// ProcessMessages is called after the block's inbound messages have been
	// dispatched to registered consumers.
	ProcessMessages(ctx *BlockContext)

	// DidProcessBlock is called after all block processing is done.
	DidProcessBlock(ctx *BlockContext)
}

// SystemFactory constructs the application system during initialization,
// giving it a chance to register inbound message handlers.
type SystemFactory func(identity *Identity, state *RuntimeState) (System, error)

type noopSystem struct{}

func (noopSystem) WillProcessBlock(*BlockContext) {}
func (noopSystem) ProcessMessages(*BlockContext)  {}
func (noopSystem) DidProcessBlock(*BlockContext)  {}

// RuntimeState is the chain-derived runtime state, created at
// initialization and replaced only by checkpoint restore or out-of-band
// chain state loading.
type RuntimeState struct {
	// GenesisBlockHash anchors the state to one chain.
	GenesisBlockHash hash.Hash

	// Storage is the synchronized chain storage view.
	Storage *chainstate.ChainStorage

	// Synchronizer tracks headers and applies block deltas.
	Synchronizer *storagesync.Synchronizer

	// SendQueue is the outbound message queue.
	SendQueue *mq.SendQueue

	// Dispatcher is the inbound message dispatcher.
	Dispatcher *mq.Dispatcher
}

// Worker is the runtime core. All operations serialize through the runtime
// lock; see lock for the safe mode and state replacement admission rules.
type Worker struct {
	mu           sync.Mutex
	statePending uint32

	logger *logging.Logger

	cfg      config.Config
	platform tee.Platform
	store    *persistent.ServiceStore
	provider tee.Provider

	systemFactory SystemFactory

	// Fields below are guarded by mu.

	identity        *Identity
	identityGenesis *hash.Hash
	devMode         bool
	trustedKey      bool

	state  *RuntimeState
	system System

	runtimeInfo *api.RuntimeInfo

	endpoint       string
	signedEndpoint *api.SignedEndpoint

	challenge    *api.HandoverChallenge
	handoverPub  *[32]byte
	handoverPriv *[32]byte

	blockTimeMS    uint64
	lastCheckpoint time.Time

	exitFn func()
}

// New creates a new worker runtime. The store may be nil, in which case
// identity sealing and checkpoints are unavailable.
func New(cfg config.Config, platform tee.Platform, store *persistent.ServiceStore, factory SystemFactory) (*Worker, error) {
	initMetrics()

	var errs *multierror.Error
	var provider tee.Provider
	switch cfg.AttestationProvider {
	case "":
	case string(tee.ProviderIAS):
		provider = tee.ProviderIAS
	case string(tee.ProviderDCAP):
		provider = tee.ProviderDCAP
	default:
		errs = multierror.Append(errs, fmt.Errorf("%w: %s", tee.ErrUnsupportedProvider, cfg.AttestationProvider))
	}
	if cfg.SafeModeLevel < 0 || cfg.SafeModeLevel > 2 {
		errs = multierror.Append(errs, fmt.Errorf("worker/runtime: invalid safe mode level: %d", cfg.SafeModeLevel))
	}
	if cfg.CheckpointEnabled && cfg.CheckpointInterval < 0 {
		errs = multierror.Append(errs, fmt.Errorf("worker/runtime: invalid checkpoint interval: %s", cfg.CheckpointInterval))
	}
	if err := errs.ErrorOrNil(); err != nil {
		return nil, err
	}

	return &Worker{
		logger:        logging.GetLogger("worker/runtime"),
		cfg:           cfg,
		platform:      platform,
		store:         store,
		provider:      provider,
		systemFactory: factory,
		exitFn:        func() { os.Exit(0) },
	}, nil
}

func (w *Worker) requireState() (*RuntimeState, error) {
	if w.state == nil {
		return nil, api.ErrNotInitialized
	}
	return w.state, nil
}

// GetInfo returns the worker status summary.
func (w *Worker) GetInfo() (*api.Info, error) {
	g, err := w.lock(true, true)
	if err != nil {
		return nil, err
	}
	defer g.release()

	info := &api.Info{
		SafeModeLevel: w.cfg.SafeModeLevel,
		DevMode:       w.devMode,
		Version:       w.cfg.Version,
		GitRevision:   w.cfg.GitRevision,
	}

	state := w.state
	if state == nil {
		return info, nil
	}

	counters := state.Synchronizer.Counters()
	root := state.Storage.Root()
	gh := state.GenesisBlockHash
	pk := w.identity.Public()

	info.Initialized = true
	info.GenesisBlockHash = &gh
	info.PublicKey = &pk
	info.NextHeaderNumber = counters.NextHeaderNumber
	info.NextBlockNumber = counters.NextBlockNumber
	info.StateRoot = root.String()
	info.StateValidated = state.Synchronizer.StateValidated()
	info.CanLoadChainState = !info.StateValidated
	info.PendingMessages = state.SendQueue.Count()

	// In safe mode the block processing loop does not run, so the in-memory
	// block time is never advanced; read it from storage instead. At level 2
	// storage contents are unvalidated and the time is not reported at all.
	switch w.cfg.SafeModeLevel {
	case 0:
		info.CurrentBlockTime = w.blockTimeMS
	case 1:
		info.CurrentBlockTime = state.Storage.TimestampNow()
	}

	return info, nil
}

// SyncHeader advances the synchronized header chain. Returns the last
// accepted header number.
func (w *Worker) SyncHeader(headers []block.HeaderToSync, change *block.AuthoritySetChange) (uint64, error) {
	g, err := w.lock(false, true)
	if err != nil {
		return 0, err
	}
	defer g.release()

	state, err := w.requireState()
	if err != nil {
		return 0, err
	}

	return state.Synchronizer.SyncHeader(headers, change)
}

// DispatchBlocks applies a batch of blocks. Blocks already applied are
// skipped; the first out-of-order or inconsistent block aborts the batch.
// Returns the last applied block number (or the current one on an empty
// batch).
func (w *Worker) DispatchBlocks(blocks []block.BlockWithChanges) (uint64, error) {
	g, err := w.lock(false, true)
	if err != nil {
		return 0, err
	}
	defer g.release()

	state, err := w.requireState()
	if err != nil {
		return 0, err
	}

	lastApplied := state.Synchronizer.Counters().NextBlockNumber - 1
	for i := range blocks {
		blk := &blocks[i]
		if blk.Header.Number < state.Synchronizer.Counters().NextBlockNumber {
			continue
		}

		// At safe mode level 2 storage proofs are unavailable, so declared
		// state roots cannot be checked.
		dropProofs := w.cfg.SafeModeLevel >= 2
		if err := state.Synchronizer.FeedBlock(blk, state.Storage, dropProofs); err != nil {
			return 0, err
		}
		blocksProcessed.Inc()
		lastApplied = blk.Header.Number

		// Safe mode syncs storage only; no message or system processing.
		if w.cfg.SafeModeLevel > 0 {
			continue
		}

		state.SendQueue.PurgeConfirmed(state.Storage.MessageOffset)
		w.processBlock(state, blk.Header.Number)
	}

	if w.cfg.SafeModeLevel == 0 {
		if err := w.maybeTakeCheckpointLocked(); err != nil {
			w.logger.Error("failed to take checkpoint",
				"err", err,
			)
		}
	}

	return lastApplied, nil
}

func (w *Worker) processBlock(state *RuntimeState, blockNumber uint64) {
	w.blockTimeMS = state.Storage.TimestampNow()

	ctx := &BlockContext{
		BlockNumber: blockNumber,
		NowMS:       w.blockTimeMS,
		Storage:     state.Storage,
		SendQueue:   state.SendQueue,
		Dispatcher:  state.Dispatcher,
	}

	w.system.WillProcessBlock(ctx)
	for _, msg := range state.Storage.Messages() {
		msg := msg
		state.Dispatcher.Dispatch(&msg)
	}
	w.system.ProcessMessages(ctx)
	w.system.DidProcessBlock(ctx)

	if n := state.Dispatcher.Clear(); n > 0 {
		unhandledMessages.Add(float64(n))
		w.logger.Warn("dropped inbound messages with no consumer",
			"count", n,
			"block_number", blockNumber,
		)
	}
}

// GetEgressMessages returns a snapshot of all pending outbound messages,
// grouped by origin.
func (w *Worker) GetEgressMessages() ([]mq.OriginMessages, error) {
	g, err := w.lock(true, false)
	if err != nil {
		return nil, err
	}
	defer g.release()

	state, err := w.requireState()
	if err != nil {
		return nil, err
	}

	return state.SendQueue.Messages(), nil
}

// GetRuntimeInfo returns the worker's registration info with a remote
// attestation report. A cached report is reused until it ages out; pass
// forceRefresh to discard it. A non-nil operator rebinds the registration
// to the given operator account and invalidates the cached report.
func (w *Worker) GetRuntimeInfo(forceRefresh bool, operator *signature.PublicKey) (*api.RuntimeInfo, error) {
	g, err := w.lock(true, false)
	if err != nil {
		return nil, err
	}
	defer g.release()

	state, err := w.requireState()
	if err != nil {
		return nil, err
	}
	info := w.runtimeInfo
	if info == nil {
		// Cleared when a handover replaces the identity; registration info
		// for the previous identity must not be served.
		return nil, api.ErrNotInitialized
	}

	if operator != nil {
		var reg api.RegistrationInfo
		if err := cbor.Unmarshal(info.EncodedRegistrationInfo, &reg); err != nil {
			return nil, fmt.Errorf("worker/runtime: corrupted registration info: %w", err)
		}
		reg.Operator = operator
		info.EncodedRegistrationInfo = cbor.Marshal(reg)
		info.Attestation = nil
	}

	if info.Attestation != nil {
		age := uint64(time.Now().Unix()) - info.Attestation.Timestamp
		if forceRefresh || age > uint64(maxAttestationAge/time.Second) {
			info.Attestation = nil
		}
	}

	if info.Attestation == nil && w.provider != "" {
		validatedState := state.Synchronizer.StateValidated()
		validatedIdentity := w.trustedKey || state.Storage.WorkerRegistered(w.identity.Public())
		switch {
		case validatedState && validatedIdentity:
			payload := hash.NewFromBytes(info.EncodedRegistrationInfo)
			report, err := attestation.Create(
				w.platform,
				w.provider,
				payload[:],
				w.cfg.AttestationTimeout,
				w.cfg.AttestationMaxRetries,
			)
			if err != nil {
				return nil, err
			}
			info.Attestation = report
		default:
			w.logger.Debug("attestation not available yet",
				"validated_state", validatedState,
				"validated_identity", validatedIdentity,
			)
		}
	}

	return copyRuntimeInfo(info), nil
}

func copyRuntimeInfo(info *api.RuntimeInfo) *api.RuntimeInfo {
	out := *info
	out.EncodedRegistrationInfo = append([]byte{}, info.EncodedRegistrationInfo...)
	if info.Attestation != nil {
		att := *info.Attestation
		att.EncodedReport = append([]byte{}, info.Attestation.EncodedReport...)
		out.Attestation = &att
	}
	return &out
}

func (w *Worker) signEndpointLocked() (*api.SignedEndpoint, error) {
	payload := api.EndpointPayload{
		PublicKey:   w.identity.Public(),
		Endpoint:    w.endpoint,
		SigningTime: w.blockTimeMS,
	}
	raw := cbor.Marshal(payload)
	if len(raw) > api.MaxEndpointPayloadSize {
		return nil, api.ErrEndpointTooLarge
	}

	sig, err := w.identity.Signer().ContextSign(api.EndpointSignatureContext, raw)
	if err != nil {
		return nil, err
	}

	w.signedEndpoint = &api.SignedEndpoint{Payload: payload, Signature: sig}
	return w.signedEndpoint, nil
}

// SetEndpoint sets and signs the worker's public endpoint announcement.
func (w *Worker) SetEndpoint(endpoint string) (*api.SignedEndpoint, error) {
	g, err := w.lock(false, false)
	if err != nil {
		return nil, err
	}
	defer g.release()

	if _, err := w.requireState(); err != nil {
		return nil, err
	}

	old := w.endpoint
	w.endpoint = endpoint
	se, err := w.signEndpointLocked()
	if err != nil {
		w.endpoint = old
		return nil, err
	}
	return se, nil
}

// RefreshEndpointSigningTime re-signs the current endpoint announcement
// with the current block time.
func (w *Worker) RefreshEndpointSigningTime() (*api.SignedEndpoint, error) {
	g, err := w.lock(false, false)
	if err != nil {
		return nil, err
	}
	defer g.release()

	if _, err := w.requireState(); err != nil {
		return nil, err
	}
	if w.endpoint == "" {
		return nil, api.ErrEndpointNotSet
	}

	return w.signEndpointLocked()
}

// GetEndpointInfo returns the signed endpoint announcement.
func (w *Worker) GetEndpointInfo() (*api.SignedEndpoint, error) {
	g, err := w.lock(true, false)
	if err != nil {
		return nil, err
	}
	defer g.release()

	if _, err := w.requireState(); err != nil {
		return nil, err
	}
	if w.endpoint == "" {
		return nil, api.ErrEndpointNotSet
	}
	if w.signedEndpoint != nil {
		return w.signedEndpoint, nil
	}

	return w.signEndpointLocked()
}

// GetMasterKeyApply returns a signed application for a share of the master
// key, delivered under the worker's key agreement key.
func (w *Worker) GetMasterKeyApply() (*api.SignedMasterKeyApply, error) {
	g, err := w.lock(true, false)
	if err != nil {
		return nil, err
	}
	defer g.release()

	if _, err := w.requireState(); err != nil {
		return nil, err
	}

	payload := api.MasterKeyApply{
		PublicKey:     w.identity.Public(),
		ECDHPublicKey: w.identity.ECDHPublicKey(),
		SigningTime:   w.blockTimeMS,
	}
	sig, err := w.identity.Signer().ContextSign(api.MasterKeyApplySignatureContext, cbor.Marshal(payload))
	if err != nil {
		return nil, err
	}

	return &api.SignedMasterKeyApply{Payload: payload, Signature: sig}, nil
}

// Echo returns the payload unchanged. Used for host liveness probes.
func (w *Worker) Echo(payload []byte) []byte {
	return append([]byte{}, payload...)
}

// LoadChainState positions the worker at the given block using an
// out-of-band storage snapshot, skipping block-by-block synchronization.
// Only possible before any block has been validated, and refused if the
// snapshot already contains a registration for this worker's identity.
func (w *Worker) LoadChainState(blockNumber uint64, pairs []block.KeyValue) error {
	g, err := w.lock(false, false)
	if err != nil {
		return err
	}
	defer g.release()

	state, err := w.requireState()
	if err != nil {
		return err
	}
	if blockNumber == 0 {
		return fmt.Errorf("%w: block 0", api.ErrCannotLoadChainState)
	}
	if state.Synchronizer.StateValidated() {
		return api.ErrCannotLoadChainState
	}

	g.setStatePending(true)
	defer g.setStatePending(false)

	storage := chainstate.NewFromPairs(pairs)
	if storage.WorkerRegistered(w.identity.Public()) {
		return api.ErrAlreadyRegistered
	}
	if err := state.Synchronizer.AssumeAtBlock(blockNumber); err != nil {
		return err
	}

	state.Storage = storage
	w.blockTimeMS = storage.TimestampNow()

	w.logger.Info("chain state loaded",
		"block_number", blockNumber,
		"num_pairs", len(pairs),
	)
	return nil
}

// LoadStorageProof materializes a proof-derived storage subset. Only
// available at safe mode level 2, where full storage sync is disabled.
func (w *Worker) LoadStorageProof(pairs []block.KeyValue) error {
	g, err := w.lock(false, true)
	if err != nil {
		return err
	}
	defer g.release()

	if w.cfg.SafeModeLevel < 2 {
		return api.ErrSafeModeRequired
	}
	state, err := w.requireState()
	if err != nil {
		return err
	}

	state.Storage.InsertPairs(pairs)
	return nil
}

// Stop terminates the worker process, optionally removing persisted
// checkpoints first.
func (w *Worker) Stop(removeCheckpoints bool) error {
	g, err := w.lock(true, true)
	if err != nil {
		return err
	}
	defer g.release()

	if removeCheckpoints && w.store != nil {
		if err := w.store.Delete(checkpointKey); err != nil && err != persistent.ErrNotFound {
			return err
		}
	}

	w.logger.Info("stopping",
		"remove_checkpoints", removeCheckpoints,
	)
	w.exitFn()
	return nil
}
