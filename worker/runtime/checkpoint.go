package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/wardenlabs/warden/go/common/crypto/hash"
	mrae "github.com/wardenlabs/warden/go/common/crypto/mrae/api"
	"github.com/wardenlabs/warden/go/common/persistent"
	"github.com/wardenlabs/warden/go/runtime/block"
	"github.com/wardenlabs/warden/go/runtime/chainstate"
	"github.com/wardenlabs/warden/go/runtime/mq"
	"github.com/wardenlabs/warden/go/runtime/storagesync"
	"github.com/wardenlabs/warden/go/worker/runtime/api"
)

var (
	checkpointKey = []byte("checkpoint")

	checkpointAAD = []byte("warden/worker: sealed checkpoint")
)

// checkpointData is the serialized runtime state persisted by a checkpoint.
// Identity material is not included; it lives in the separately sealed
// runtime data.
type checkpointData struct {
	BlockNumber      uint64                `json:"block_number"`
	GenesisBlockHash hash.Hash             `json:"genesis_block_hash"`
	Pairs            []block.KeyValue      `json:"pairs"`
	Sync             *storagesync.Snapshot `json:"sync"`
	Queue            *mq.QueueSnapshot     `json:"queue"`
	Endpoint         string                `json:"endpoint,omitempty"`
	BlockTimeMS      uint64                `json:"block_time_ms"`
}

// maybeTakeCheckpointLocked takes a checkpoint if checkpoints are enabled
// and the configured interval has elapsed since the last one.
func (w *Worker) maybeTakeCheckpointLocked() error {
	if !w.cfg.CheckpointEnabled || w.store == nil {
		return nil
	}
	if time.Since(w.lastCheckpoint) < w.cfg.CheckpointInterval {
		return nil
	}
	_, err := w.takeCheckpointLocked()
	return err
}

func (w *Worker) takeCheckpointLocked() (uint64, error) {
	if w.store == nil {
		return 0, api.ErrNoPersistentStore
	}
	state, err := w.requireState()
	if err != nil {
		return 0, err
	}

	snap := state.Synchronizer.Snapshot()
	data := checkpointData{
		BlockNumber:      snap.Counters.NextBlockNumber - 1,
		GenesisBlockHash: state.GenesisBlockHash,
		Pairs:            state.Storage.Pairs(),
		Sync:             snap,
		Queue:            state.SendQueue.Snapshot(),
		Endpoint:         w.endpoint,
		BlockTimeMS:      w.blockTimeMS,
	}
	if err := w.sealTo(checkpointKey, checkpointAAD, &data); err != nil {
		return 0, err
	}

	w.lastCheckpoint = time.Now()
	checkpointsTaken.Inc()
	w.logger.Info("checkpoint taken",
		"block_number", data.BlockNumber,
		"num_pairs", len(data.Pairs),
	)
	return data.BlockNumber, nil
}

// TakeCheckpoint persists a sealed checkpoint of the runtime state,
// regardless of the checkpoint interval. Returns the checkpointed block
// number.
func (w *Worker) TakeCheckpoint() (uint64, error) {
	g, err := w.lock(false, false)
	if err != nil {
		return 0, err
	}
	defer g.release()

	return w.takeCheckpointLocked()
}

// RestoreCheckpoint restores the runtime state from the persisted
// checkpoint and the sealed identity, in place of initialization. Returns
// the checkpointed block number.
func (w *Worker) RestoreCheckpoint() (uint64, error) {
	g, err := w.lock(false, true)
	if err != nil {
		return 0, err
	}
	defer g.release()

	if w.state != nil {
		return 0, api.ErrAlreadyInitialized
	}
	if w.store == nil {
		return 0, api.ErrNoPersistentStore
	}

	g.setStatePending(true)
	defer g.setStatePending(false)

	var data checkpointData
	if err := w.unsealFrom(checkpointKey, checkpointAAD, &data); err != nil {
		if errors.Is(err, persistent.ErrNotFound) {
			return 0, api.ErrNoCheckpoint
		}
		return 0, err
	}

	var d runtimeData
	if err := w.unsealFrom(runtimeDataKey, runtimeDataAAD, &d); err != nil {
		return 0, fmt.Errorf("worker/runtime: checkpoint without runtime data: %w", err)
	}
	if !d.GenesisBlockHash.Equal(&data.GenesisBlockHash) {
		mrae.Bzero(d.Seed)
		return 0, api.ErrGenesisMismatch
	}
	identity, err := NewIdentityFromSeed(d.Seed)
	mrae.Bzero(d.Seed)
	if err != nil {
		return 0, err
	}

	state := &RuntimeState{
		GenesisBlockHash: data.GenesisBlockHash,
		Storage:          chainstate.NewFromPairs(data.Pairs),
		Synchronizer:     storagesync.NewFromSnapshot(data.Sync),
		SendQueue:        mq.NewSendQueueFromSnapshot(identity.Signer(), data.Queue),
		Dispatcher:       mq.NewDispatcher(),
	}

	genesisHash := data.GenesisBlockHash
	w.identity = identity
	w.identityGenesis = &genesisHash
	w.devMode = d.DevMode
	w.trustedKey = d.TrustedKey
	if w.devMode && w.provider != "" {
		return 0, api.ErrDebugKeyWithAttestation
	}

	var system System = noopSystem{}
	if w.systemFactory != nil {
		if system, err = w.systemFactory(identity, state); err != nil {
			return 0, fmt.Errorf("worker/runtime: failed to construct system: %w", err)
		}
	}

	w.state = state
	w.system = system
	w.runtimeInfo = w.buildRuntimeInfo(data.GenesisBlockHash, nil)
	w.endpoint = data.Endpoint
	w.signedEndpoint = nil
	w.blockTimeMS = data.BlockTimeMS
	w.lastCheckpoint = time.Now()

	w.logger.Info("checkpoint restored",
		"block_number", data.BlockNumber,
		"num_pairs", len(data.Pairs),
	)
	return data.BlockNumber, nil
}
