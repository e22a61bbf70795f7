package runtime

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oasisprotocol/deoxysii"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/crypto/hash"
	mrae "github.com/wardenlabs/warden/go/common/crypto/mrae/api"
	mraebox "github.com/wardenlabs/warden/go/common/crypto/mrae/deoxysii"
	"github.com/wardenlabs/warden/go/tee/attestation"
	"github.com/wardenlabs/warden/go/worker/runtime/api"
)

var handoverKeyAAD = []byte("warden/worker: handover key")

// secureHandover returns true when the handover attestation gates apply.
// In dev mode the identity is a debug key and there is nothing worth
// attesting; without a provider remote attestation is unavailable.
func (w *Worker) secureHandover(devMode bool) bool {
	return !devMode && w.provider != ""
}

// CreateHandoverChallenge issues a single-use challenge for a candidate
// successor. Issuing a new challenge invalidates any outstanding one.
func (w *Worker) CreateHandoverChallenge() (*api.HandoverChallenge, error) {
	g, err := w.lock(false, true)
	if err != nil {
		return nil, err
	}
	defer g.release()

	state, err := w.requireState()
	if err != nil {
		return nil, err
	}

	challenge := api.HandoverChallenge{
		BlockNumber: state.Synchronizer.Counters().NextBlockNumber - 1,
		Now:         state.Storage.TimestampNow(),
		DevMode:     w.devMode,
	}
	if _, err := rand.Read(challenge.Nonce[:]); err != nil {
		return nil, err
	}
	if w.secureHandover(w.devMode) {
		if challenge.TargetInfo, err = w.platform.LocalTargetInfo(); err != nil {
			return nil, fmt.Errorf("worker/runtime: failed to get local target info: %w", err)
		}
	}

	w.challenge = &challenge

	w.logger.Info("handover challenge created",
		"block_number", challenge.BlockNumber,
		"dev_mode", challenge.DevMode,
	)
	return &challenge, nil
}

// AcceptHandoverChallenge answers a handover challenge on the successor
// side: it generates an ephemeral key agreement key, proves co-location via
// a local attestation report targeted at the challenger, and remotely
// attests the whole answer.
func (w *Worker) AcceptHandoverChallenge(challenge *api.HandoverChallenge) (*api.HandoverChallengeResponse, error) {
	g, err := w.lock(false, true)
	if err != nil {
		return nil, err
	}
	defer g.release()

	pub, priv, err := mrae.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	if w.handoverPriv != nil {
		mrae.Bzero(w.handoverPriv[:])
	}
	w.handoverPub, w.handoverPriv = pub, priv

	handler := api.ChallengeHandler{
		Challenge:          *challenge,
		EphemeralPublicKey: *pub,
	}

	resp := &api.HandoverChallengeResponse{}
	if w.secureHandover(challenge.DevMode) {
		reportData := hash.NewFromBytes(pub[:])
		if handler.LocalReport, err = w.platform.LocalReport(challenge.TargetInfo, reportData[:]); err != nil {
			return nil, fmt.Errorf("worker/runtime: failed to create local report: %w", err)
		}

		handlerHash := hash.NewFrom(handler)
		resp.Attestation, err = attestation.Create(
			w.platform,
			w.provider,
			handlerHash[:],
			w.cfg.AttestationTimeout,
			w.cfg.AttestationMaxRetries,
		)
		if err != nil {
			return nil, err
		}
	}
	resp.Handler = handler

	w.logger.Info("handover challenge accepted",
		"block_number", challenge.BlockNumber,
		"dev_mode", challenge.DevMode,
	)
	return resp, nil
}

// HandoverStart validates a challenge answer and, if every gate passes,
// returns the worker identity seed encrypted to the successor's ephemeral
// key. Gates, in order: the successor's remote attestation must verify and
// bind the answer; the answer must consume the single outstanding
// challenge; the successor must prove co-location; the challenge must be
// younger than the challenge window; and the successor's enclave build must
// be registered on chain strictly later than this worker's own build.
func (w *Worker) HandoverStart(resp *api.HandoverChallengeResponse) (*api.HandoverWorkerKey, error) {
	g, err := w.lock(false, true)
	if err != nil {
		return nil, err
	}
	defer g.release()

	state, err := w.requireState()
	if err != nil {
		return nil, err
	}

	handler := &resp.Handler
	secure := w.secureHandover(w.devMode)
	blockNumber := state.Synchronizer.Counters().NextBlockNumber - 1

	// Remote attestation over the challenge answer.
	var successorBuild *hash.Hash
	if secure {
		handlerHash := hash.NewFrom(handler)
		nowSec := state.Storage.TimestampNow() / 1000
		body, err := attestation.Validate(
			w.platform,
			resp.Attestation,
			handlerHash[:],
			nowSec,
			attestation.DefaultFreshnessWindow,
		)
		if err != nil {
			return nil, err
		}
		build := body.Identity.MeasurementHash()
		successorBuild = &build
	} else {
		w.logger.Warn("handover: skipping attestation gates",
			"dev_mode", w.devMode,
			"provider", w.provider,
		)
	}

	// The answer must consume the single outstanding challenge. Take it
	// first so a failed attempt cannot be retried with the same challenge.
	outstanding := w.challenge
	w.challenge = nil
	if outstanding == nil || !cborEqual(outstanding, &handler.Challenge) {
		return nil, api.ErrInvalidChallenge
	}

	// Co-location: the local report must verify on this platform and report
	// the same enclave build as the remote attestation.
	if secure {
		reportIdentity, err := w.platform.VerifyLocalReport(handler.LocalReport)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", api.ErrWrongMachine, err)
		}
		if build := reportIdentity.MeasurementHash(); !build.Equal(successorBuild) {
			return nil, fmt.Errorf("%w: local and remote reports disagree", api.ErrWrongMachine)
		}
	}

	// Challenge age.
	if outstanding.BlockNumber > blockNumber ||
		blockNumber-outstanding.BlockNumber > api.HandoverChallengeWindow {
		return nil, api.ErrStaleChallenge
	}

	// Anti-rollback: the successor's build must have been registered on
	// chain strictly later than this worker's own build.
	if secure {
		ownIdentity := w.platform.EnclaveIdentity()
		myAddedAt, ok := state.Storage.BuildAddedAt(ownIdentity.MeasurementHash())
		if !ok {
			return nil, fmt.Errorf("%w: own build", api.ErrBuildNotRegistered)
		}
		successorAddedAt, ok := state.Storage.BuildAddedAt(*successorBuild)
		if !ok {
			return nil, fmt.Errorf("%w: successor build", api.ErrBuildNotRegistered)
		}
		if successorAddedAt <= myAddedAt {
			return nil, api.ErrRollback
		}
	}

	// Encrypt the identity seed to the successor's ephemeral key under a
	// fresh ephemeral key of our own.
	pub, priv, err := mrae.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, err
	}
	defer mrae.Bzero(priv[:])

	nonce := make([]byte, deoxysii.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	seed := w.identity.Seed()
	peer := [32]byte(handler.EphemeralPublicKey)
	ciphertext := mraebox.Box.Seal(nil, nonce, seed, handoverKeyAAD, &peer, priv)
	mrae.Bzero(seed)

	workerKey := &api.HandoverWorkerKey{
		EncryptedWorkerKey: api.EncryptedWorkerKey{
			GenesisBlockHash: state.GenesisBlockHash,
			DevMode:          w.devMode,
			EncryptedKey: api.EncryptedKey{
				PublicKey:  *pub,
				Nonce:      nonce,
				Ciphertext: ciphertext,
			},
		},
	}

	if secure {
		payloadHash := hash.NewFrom(workerKey.EncryptedWorkerKey)
		workerKey.Attestation, err = attestation.Create(
			w.platform,
			w.provider,
			payloadHash[:],
			w.cfg.AttestationTimeout,
			w.cfg.AttestationMaxRetries,
		)
		if err != nil {
			return nil, err
		}
	}

	w.logger.Info("handover started",
		"block_number", blockNumber,
		"dev_mode", w.devMode,
	)
	return workerKey, nil
}

// HandoverReceive completes the handover on the successor side: it
// validates the predecessor's attestation, decrypts the identity seed with
// the ephemeral key from the accepted challenge and adopts the identity.
// The adopted key is not trusted until its registration is observed on
// chain. Ephemeral key material is destroyed on every exit path.
func (w *Worker) HandoverReceive(workerKey *api.HandoverWorkerKey) error {
	g, err := w.lock(false, true)
	if err != nil {
		return err
	}
	defer g.release()

	priv := w.handoverPriv
	w.handoverPub, w.handoverPriv = nil, nil
	if priv == nil {
		return api.ErrNoEphemeralKey
	}
	defer mrae.Bzero(priv[:])

	encrypted := &workerKey.EncryptedWorkerKey
	if w.secureHandover(encrypted.DevMode) {
		payloadHash := hash.NewFrom(encrypted)
		nowSec := uint64(time.Now().Unix())
		if _, err := attestation.Validate(
			w.platform,
			workerKey.Attestation,
			payloadHash[:],
			nowSec,
			attestation.DefaultFreshnessWindow,
		); err != nil {
			return err
		}
	}

	peer := [32]byte(encrypted.EncryptedKey.PublicKey)
	seed, err := mraebox.Box.Open(
		nil,
		encrypted.EncryptedKey.Nonce,
		encrypted.EncryptedKey.Ciphertext,
		handoverKeyAAD,
		&peer,
		priv,
	)
	if err != nil {
		return fmt.Errorf("worker/runtime: failed to decrypt handover key: %w", err)
	}
	defer mrae.Bzero(seed)

	g.setStatePending(true)
	defer g.setStatePending(false)

	identity, err := NewIdentityFromSeed(seed)
	if err != nil {
		return err
	}
	if err := w.saveRuntimeData(seed, encrypted.GenesisBlockHash, encrypted.DevMode, false); err != nil {
		return err
	}

	genesisHash := encrypted.GenesisBlockHash
	w.identity = identity
	w.identityGenesis = &genesisHash
	w.devMode = encrypted.DevMode
	w.trustedKey = false
	w.runtimeInfo = nil
	w.signedEndpoint = nil

	w.logger.Info("handover key received",
		"public_key", identity.Public(),
		"dev_mode", encrypted.DevMode,
	)
	return nil
}

func cborEqual(a, b interface{}) bool {
	return bytes.Equal(cbor.Marshal(a), cbor.Marshal(b))
}
