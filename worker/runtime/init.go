package runtime

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/oasisprotocol/deoxysii"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/crypto/hash"
	mrae "github.com/wardenlabs/warden/go/common/crypto/mrae/api"
	"github.com/wardenlabs/warden/go/common/crypto/signature"
	"github.com/wardenlabs/warden/go/common/persistent"
	"github.com/wardenlabs/warden/go/runtime/block"
	"github.com/wardenlabs/warden/go/runtime/chainstate"
	"github.com/wardenlabs/warden/go/runtime/mq"
	"github.com/wardenlabs/warden/go/runtime/storagesync"
	"github.com/wardenlabs/warden/go/worker/runtime/api"
)

var (
	runtimeDataKey = []byte("runtime_data")

	runtimeDataAAD = []byte("warden/worker: sealed runtime data")
)

// runtimeData is the identity material persisted across restarts, sealed
// under the platform sealing key.
type runtimeData struct {
	Seed             []byte    `json:"seed"`
	GenesisBlockHash hash.Hash `json:"genesis_block_hash"`
	DevMode          bool      `json:"dev_mode"`
	TrustedKey       bool      `json:"trusted_key"`
}

// sealedBlob is an AEAD-sealed value at rest.
type sealedBlob struct {
	Nonce      [deoxysii.NonceSize]byte `json:"nonce"`
	Ciphertext []byte                   `json:"ciphertext"`
}

func (w *Worker) sealTo(storeKey, aad []byte, value interface{}) error {
	key, err := w.platform.SealingKey()
	if err != nil {
		return fmt.Errorf("worker/runtime: failed to derive sealing key: %w", err)
	}
	aead, err := deoxysii.New(key[:])
	mrae.Bzero(key[:])
	if err != nil {
		return err
	}

	var blob sealedBlob
	if _, err := rand.Read(blob.Nonce[:]); err != nil {
		return err
	}
	plaintext := cbor.Marshal(value)
	blob.Ciphertext = aead.Seal(nil, blob.Nonce[:], plaintext, aad)
	mrae.Bzero(plaintext)

	return w.store.PutCBOR(storeKey, blob)
}

func (w *Worker) unsealFrom(storeKey, aad []byte, value interface{}) error {
	var blob sealedBlob
	if err := w.store.GetCBOR(storeKey, &blob); err != nil {
		return err
	}

	key, err := w.platform.SealingKey()
	if err != nil {
		return fmt.Errorf("worker/runtime: failed to derive sealing key: %w", err)
	}
	aead, err := deoxysii.New(key[:])
	mrae.Bzero(key[:])
	if err != nil {
		return err
	}

	plaintext, err := aead.Open(nil, blob.Nonce[:], blob.Ciphertext, aad)
	if err != nil {
		return fmt.Errorf("worker/runtime: failed to unseal: %w", err)
	}
	err = cbor.Unmarshal(plaintext, value)
	mrae.Bzero(plaintext)
	return err
}

func (w *Worker) saveRuntimeData(seed []byte, genesisHash hash.Hash, devMode, trustedKey bool) error {
	if w.store == nil {
		return nil
	}
	d := runtimeData{
		Seed:             seed,
		GenesisBlockHash: genesisHash,
		DevMode:          devMode,
		TrustedKey:       trustedKey,
	}
	return w.sealTo(runtimeDataKey, runtimeDataAAD, &d)
}

// initRuntimeData resolves the worker identity for the given genesis:
// a handed-over identity if one was adopted, a debug seed if supplied, the
// persisted sealed identity, or a freshly generated one, in that order.
func (w *Worker) initRuntimeData(genesisHash hash.Hash, debugSeed []byte) error {
	switch {
	case w.identity != nil:
		// Adopted via key handover before initialization.
		if w.identityGenesis != nil && !w.identityGenesis.Equal(&genesisHash) {
			return api.ErrGenesisMismatch
		}

	case debugSeed != nil:
		id, err := NewIdentityFromSeed(debugSeed)
		if err != nil {
			return err
		}
		w.identity = id
		w.devMode = true
		w.trustedKey = false
		if err := w.saveRuntimeData(debugSeed, genesisHash, true, false); err != nil {
			return err
		}

	default:
		var d runtimeData
		err := persistent.ErrNotFound
		if w.store != nil {
			err = w.unsealFrom(runtimeDataKey, runtimeDataAAD, &d)
		}
		switch {
		case err == nil:
			if !d.GenesisBlockHash.Equal(&genesisHash) {
				return api.ErrGenesisMismatch
			}
			id, err := NewIdentityFromSeed(d.Seed)
			mrae.Bzero(d.Seed)
			if err != nil {
				return err
			}
			w.identity = id
			w.devMode = d.DevMode
			w.trustedKey = d.TrustedKey

		case errors.Is(err, persistent.ErrNotFound):
			id, err := GenerateIdentity(rand.Reader)
			if err != nil {
				return err
			}
			w.identity = id
			w.devMode = false
			w.trustedKey = true
			seed := id.Seed()
			err = w.saveRuntimeData(seed, genesisHash, false, true)
			mrae.Bzero(seed)
			if err != nil {
				return err
			}

		default:
			return err
		}
	}

	w.identityGenesis = &genesisHash

	// A debug identity must never be remotely attested.
	if w.devMode && w.provider != "" {
		return api.ErrDebugKeyWithAttestation
	}
	return nil
}

func (w *Worker) buildRegistrationInfo(genesisHash hash.Hash, operator *signature.PublicKey) api.RegistrationInfo {
	return api.RegistrationInfo{
		Version:          w.cfg.Version,
		MachineID:        append([]byte{}, w.cfg.MachineID...),
		PublicKey:        w.identity.Public(),
		ECDHPublicKey:    w.identity.ECDHPublicKey(),
		GenesisBlockHash: genesisHash,
		Operator:         operator,
	}
}

func (w *Worker) buildRuntimeInfo(genesisHash hash.Hash, operator *signature.PublicKey) *api.RuntimeInfo {
	reg := w.buildRegistrationInfo(genesisHash, operator)
	return &api.RuntimeInfo{
		EncodedRegistrationInfo: cbor.Marshal(reg),
		GenesisBlockHash:        genesisHash,
		PublicKey:               w.identity.Public(),
		ECDHPublicKey:           w.identity.ECDHPublicKey(),
	}
}

// InitRuntime performs the one-shot runtime initialization: it verifies the
// genesis storage snapshot against the genesis header's state root, resolves
// the worker identity and constructs the runtime state and the application
// system. A non-nil debugSeed makes the identity deterministic and puts the
// worker in dev mode, which is incompatible with remote attestation.
func (w *Worker) InitRuntime(
	genesis *block.GenesisBlockInfo,
	genesisState []block.KeyValue,
	operator *signature.PublicKey,
	debugSeed []byte,
) (*api.RuntimeInfo, error) {
	g, err := w.lock(false, false)
	if err != nil {
		return nil, err
	}
	defer g.release()

	if w.state != nil {
		return nil, api.ErrAlreadyInitialized
	}

	g.setStatePending(true)
	defer g.setStatePending(false)

	storage := chainstate.NewFromPairs(genesisState)
	root := storage.Root()
	if !root.Equal(&genesis.Header.StateRoot) {
		return nil, fmt.Errorf("worker/runtime: genesis state: %w", chainstate.ErrRootMismatch)
	}
	genesisHash := genesis.Header.Hash()

	if err := w.initRuntimeData(genesisHash, debugSeed); err != nil {
		return nil, err
	}

	state := &RuntimeState{
		GenesisBlockHash: genesisHash,
		Storage:          storage,
		Synchronizer:     storagesync.NewFromGenesis(genesis),
		SendQueue:        mq.NewSendQueue(w.identity.Signer()),
		Dispatcher:       mq.NewDispatcher(),
	}

	var system System = noopSystem{}
	if w.systemFactory != nil {
		if system, err = w.systemFactory(w.identity, state); err != nil {
			return nil, fmt.Errorf("worker/runtime: failed to construct system: %w", err)
		}
	}

	w.state = state
	w.system = system
	w.runtimeInfo = w.buildRuntimeInfo(genesisHash, operator)
	w.blockTimeMS = storage.TimestampNow()

	w.logger.Info("runtime initialized",
		"genesis_block_hash", genesisHash,
		"public_key", w.identity.Public(),
		"dev_mode", w.devMode,
	)

	return copyRuntimeInfo(w.runtimeInfo), nil
}
