package runtime

import (
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/crypto/hash"
	"github.com/wardenlabs/warden/go/common/crypto/signature"
	"github.com/wardenlabs/warden/go/common/sgx"
	"github.com/wardenlabs/warden/go/runtime/block"
	"github.com/wardenlabs/warden/go/runtime/blocktest"
	"github.com/wardenlabs/warden/go/runtime/chainstate"
	"github.com/wardenlabs/warden/go/runtime/mq"
	"github.com/wardenlabs/warden/go/tee/attestation"
	"github.com/wardenlabs/warden/go/worker/runtime/api"
	"github.com/wardenlabs/warden/go/worker/runtime/config"
)

const testGenesisTime = uint64(1_000_000)

func testConfig() config.Config {
	return config.Config{
		Version:               1,
		GitRevision:           "test",
		MachineID:             []byte("test-machine"),
		AttestationTimeout:    time.Second,
		AttestationMaxRetries: 1,
		GuardWarnThreshold:    time.Second,
	}
}

func testEnclaveIdentity(name string) sgx.EnclaveIdentity {
	var id sgx.EnclaveIdentity
	mre := hash.NewFromBytes([]byte("mrenclave: " + name))
	mrs := hash.NewFromBytes([]byte("mrsigner: " + name))
	copy(id.MrEnclave[:], mre[:])
	copy(id.MrSigner[:], mrs[:])
	return id
}

func testPlatformID(name string) [32]byte {
	return hash.NewFromBytes([]byte("platform: " + name))
}

func testGenesisPairs(extra ...block.KeyValue) []block.KeyValue {
	pairs := []block.KeyValue{
		chainstate.WellKnownPair(chainstate.TimestampKey, testGenesisTime),
	}
	return append(pairs, extra...)
}

// testSystem records block processing callbacks and echoes inbound
// "topic-echo" messages back to the outbound queue.
type testSystem struct {
	processed []uint64
	echoes    []string
}

func (s *testSystem) factory() SystemFactory {
	return func(_ *Identity, state *RuntimeState) (System, error) {
		state.Dispatcher.RegisterHandler("topic-echo", func(msg *mq.Message) {
			s.echoes = append(s.echoes, string(msg.Payload))
			_, _ = state.SendQueue.Enqueue("worker", "chain", msg.Payload)
		})
		return s, nil
	}
}

func (s *testSystem) WillProcessBlock(*BlockContext) {}
func (s *testSystem) ProcessMessages(*BlockContext)  {}
func (s *testSystem) DidProcessBlock(ctx *BlockContext) {
	s.processed = append(s.processed, ctx.BlockNumber)
}

func newTestWorker(t *testing.T, cfg config.Config, pairs []block.KeyValue) (*Worker, *blocktest.Chain, *attestation.MockPlatform, *testSystem) {
	chain := blocktest.NewChain(1, pairs)
	platform := attestation.NewMockPlatform(testEnclaveIdentity("worker"), testPlatformID("machine"))
	sys := &testSystem{}
	w, err := New(cfg, platform, nil, sys.factory())
	require.NoError(t, err, "New")
	return w, chain, platform, sys
}

func TestInitRuntime(t *testing.T) {
	require := require.New(t)

	w, chain, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())

	_, err := w.GetRuntimeInfo(false, nil)
	require.ErrorIs(err, api.ErrNotInitialized, "GetRuntimeInfo before init")

	info, err := w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, nil)
	require.NoError(err, "InitRuntime")

	genesisHash := chain.Genesis().Header.Hash()
	require.True(info.GenesisBlockHash.Equal(&genesisHash), "genesis block hash")

	var reg api.RegistrationInfo
	require.NoError(cbor.Unmarshal(info.EncodedRegistrationInfo, &reg), "registration info decodes")
	require.Equal(info.PublicKey, reg.PublicKey, "registration public key")
	require.Equal(info.ECDHPublicKey, reg.ECDHPublicKey, "registration ecdh key")
	require.Nil(reg.Operator, "no operator bound")

	status, err := w.GetInfo()
	require.NoError(err, "GetInfo")
	require.True(status.Initialized)
	require.False(status.DevMode)
	require.EqualValues(1, status.NextBlockNumber)
	require.EqualValues(testGenesisTime, status.CurrentBlockTime, "block time from genesis storage")
	require.True(status.CanLoadChainState, "chain state loadable before validation")

	_, err = w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, nil)
	require.ErrorIs(err, api.ErrAlreadyInitialized, "repeated init")
}

func TestInitRuntimeBadGenesis(t *testing.T) {
	require := require.New(t)

	w, chain, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())

	// Tampered genesis state must not pass root verification.
	tampered := append([]block.KeyValue{}, chain.GenesisPairs()...)
	tampered = append(tampered, block.KeyValue{Key: []byte("extra"), Value: []byte("entry")})
	_, err := w.InitRuntime(chain.Genesis(), tampered, nil, nil)
	require.ErrorIs(err, chainstate.ErrRootMismatch, "tampered genesis state")

	status, err := w.GetInfo()
	require.NoError(err, "GetInfo")
	require.False(status.Initialized, "failed init leaves worker uninitialized")
}

func TestInitRuntimeDebugSeed(t *testing.T) {
	require := require.New(t)

	seed := make([]byte, 32)
	copy(seed, "debug seed for deterministic key")

	// A debug seed is refused when remote attestation is enabled.
	cfg := testConfig()
	cfg.AttestationProvider = "ias"
	w, chain, _, _ := newTestWorker(t, cfg, testGenesisPairs())
	_, err := w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, seed)
	require.ErrorIs(err, api.ErrDebugKeyWithAttestation, "debug seed with attestation provider")

	// Without a provider the identity is deterministic and dev mode is on.
	w1, chain1, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())
	info1, err := w1.InitRuntime(chain1.Genesis(), chain1.GenesisPairs(), nil, seed)
	require.NoError(err, "InitRuntime(debug seed)")

	w2, chain2, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())
	info2, err := w2.InitRuntime(chain2.Genesis(), chain2.GenesisPairs(), nil, seed)
	require.NoError(err, "InitRuntime(debug seed, second worker)")
	require.Equal(info1.PublicKey, info2.PublicKey, "deterministic debug identity")

	status, err := w1.GetInfo()
	require.NoError(err, "GetInfo")
	require.True(status.DevMode, "debug seed implies dev mode")
}

func TestDispatchBlocks(t *testing.T) {
	require := require.New(t)

	w, chain, _, sys := newTestWorker(t, testConfig(), testGenesisPairs())
	_, err := w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, nil)
	require.NoError(err, "InitRuntime")

	h1, b1 := chain.NextBlock(block.StorageChanges{Writes: []block.KeyValue{
		chainstate.WellKnownPair(chainstate.TimestampKey, testGenesisTime+100),
		chainstate.WellKnownPair(chainstate.MessagesKey(), []mq.Message{
			{Sender: "chain", Destination: "topic-echo", Payload: []byte("ping")},
			{Sender: "chain", Destination: "topic-unknown", Payload: []byte("dropme")},
		}),
	}})
	h2, b2 := chain.NextBlock(block.StorageChanges{Writes: []block.KeyValue{
		chainstate.WellKnownPair(chainstate.MessagesKey(), []mq.Message{}),
	}})

	// Blocks cannot outrun headers.
	_, err = w.DispatchBlocks([]block.BlockWithChanges{b1})
	require.Error(err, "blocks ahead of headers")

	synced, err := w.SyncHeader([]block.HeaderToSync{h1, h2}, nil)
	require.NoError(err, "SyncHeader")
	require.EqualValues(2, synced)

	last, err := w.DispatchBlocks([]block.BlockWithChanges{b1, b2})
	require.NoError(err, "DispatchBlocks")
	require.EqualValues(2, last)
	require.Equal([]string{"ping"}, sys.echoes, "registered consumer receives its messages")
	require.Equal([]uint64{1, 2}, sys.processed, "system sees every block")

	egress, err := w.GetEgressMessages()
	require.NoError(err, "GetEgressMessages")
	require.Len(egress, 1)
	require.Equal("worker", egress[0].Origin)
	require.Len(egress[0].Messages, 1, "echo reply queued")

	// Re-dispatching already applied blocks is a no-op.
	last, err = w.DispatchBlocks([]block.BlockWithChanges{b1, b2})
	require.NoError(err, "DispatchBlocks(duplicate)")
	require.EqualValues(2, last)
	require.Equal([]string{"ping"}, sys.echoes, "duplicate blocks are not reprocessed")

	// An empty batch reports the current block.
	last, err = w.DispatchBlocks(nil)
	require.NoError(err, "DispatchBlocks(empty)")
	require.EqualValues(2, last)

	status, err := w.GetInfo()
	require.NoError(err, "GetInfo")
	require.EqualValues(testGenesisTime+100, status.CurrentBlockTime, "block time advanced")
	require.True(status.StateValidated)
	require.False(status.CanLoadChainState, "chain state not loadable after validation")

	// Chain-confirmed outbound messages are purged.
	h3, b3 := chain.NextBlock(block.StorageChanges{Writes: []block.KeyValue{
		chainstate.WellKnownPair(chainstate.MessageOffsetKey("worker"), uint64(1)),
	}})
	_, err = w.SyncHeader([]block.HeaderToSync{h3}, nil)
	require.NoError(err, "SyncHeader(h3)")
	_, err = w.DispatchBlocks([]block.BlockWithChanges{b3})
	require.NoError(err, "DispatchBlocks(b3)")

	egress, err = w.GetEgressMessages()
	require.NoError(err, "GetEgressMessages after purge")
	require.Len(egress, 0, "confirmed messages purged")
}

func TestStatePendingFailFast(t *testing.T) {
	require := require.New(t)

	w, chain, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())
	_, err := w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, nil)
	require.NoError(err, "InitRuntime")

	atomic.StoreUint32(&w.statePending, 1)
	defer atomic.StoreUint32(&w.statePending, 0)

	_, err = w.SyncHeader(nil, nil)
	require.ErrorIs(err, api.ErrStatePending, "SyncHeader fails fast during state replacement")

	_, err = w.GetInfo()
	require.NoError(err, "GetInfo tolerates pending state")
	_, err = w.GetEgressMessages()
	require.NoError(err, "GetEgressMessages tolerates pending state")
}

func TestGetRuntimeInfoAttestation(t *testing.T) {
	require := require.New(t)

	cfg := testConfig()
	cfg.AttestationProvider = "ias"
	w, chain, platform, _ := newTestWorker(t, cfg, testGenesisPairs())

	var clock uint64 = 100
	platform.Clock = func() uint64 { return clock }

	_, err := w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, nil)
	require.NoError(err, "InitRuntime")

	// Not attestable before state validation.
	info, err := w.GetRuntimeInfo(false, nil)
	require.NoError(err, "GetRuntimeInfo before validation")
	require.Nil(info.Attestation, "no attestation before state validation")

	h1, b1 := chain.NextBlock(block.StorageChanges{})
	_, err = w.SyncHeader([]block.HeaderToSync{h1}, nil)
	require.NoError(err, "SyncHeader")
	_, err = w.DispatchBlocks([]block.BlockWithChanges{b1})
	require.NoError(err, "DispatchBlocks")

	info, err = w.GetRuntimeInfo(false, nil)
	require.NoError(err, "GetRuntimeInfo")
	require.NotNil(info.Attestation, "attestation after state validation")

	payload := hash.NewFromBytes(info.EncodedRegistrationInfo)
	body, err := attestation.Validate(platform, info.Attestation, payload[:], clock, attestation.DefaultFreshnessWindow)
	require.NoError(err, "attestation validates against registration info")
	require.Equal(platform.EnclaveIdentity(), body.Identity)
	require.EqualValues(100, body.Timestamp)

	// The report is cached until it ages out or a refresh is forced.
	clock = 200
	info, err = w.GetRuntimeInfo(false, nil)
	require.NoError(err, "GetRuntimeInfo(cached)")
	body, err = platform.VerifyReport(info.Attestation.Provider, info.Attestation.EncodedReport)
	require.NoError(err)
	require.EqualValues(100, body.Timestamp, "cached report reused")

	info, err = w.GetRuntimeInfo(true, nil)
	require.NoError(err, "GetRuntimeInfo(force refresh)")
	body, err = platform.VerifyReport(info.Attestation.Provider, info.Attestation.EncodedReport)
	require.NoError(err)
	require.EqualValues(200, body.Timestamp, "forced refresh creates a new report")

	// Binding an operator rewrites the registration info and re-attests it.
	opSigner, err := signature.NewSigner(strings.NewReader(strings.Repeat("operator entropy", 8)))
	require.NoError(err, "NewSigner")
	operator := opSigner.Public()

	info, err = w.GetRuntimeInfo(false, &operator)
	require.NoError(err, "GetRuntimeInfo(operator)")
	var reg api.RegistrationInfo
	require.NoError(cbor.Unmarshal(info.EncodedRegistrationInfo, &reg))
	require.NotNil(reg.Operator, "operator bound")
	require.Equal(operator, *reg.Operator)
	payload = hash.NewFromBytes(info.EncodedRegistrationInfo)
	_, err = attestation.Validate(platform, info.Attestation, payload[:], clock, attestation.DefaultFreshnessWindow)
	require.NoError(err, "new attestation binds the rebound registration info")
}

func TestEndpoint(t *testing.T) {
	require := require.New(t)

	w, chain, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())

	_, err := w.GetEndpointInfo()
	require.ErrorIs(err, api.ErrNotInitialized, "GetEndpointInfo before init")

	_, err = w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, nil)
	require.NoError(err, "InitRuntime")

	_, err = w.GetEndpointInfo()
	require.ErrorIs(err, api.ErrEndpointNotSet, "GetEndpointInfo before SetEndpoint")

	se, err := w.SetEndpoint("https://worker.example.com:8000")
	require.NoError(err, "SetEndpoint")
	require.EqualValues(testGenesisTime, se.Payload.SigningTime)
	require.True(se.Payload.PublicKey.Verify(
		api.EndpointSignatureContext, cbor.Marshal(se.Payload), se.Signature,
	), "endpoint signature verifies")

	// Oversized payloads are refused and the previous endpoint survives.
	_, err = w.SetEndpoint(strings.Repeat("x", api.MaxEndpointPayloadSize+1))
	require.ErrorIs(err, api.ErrEndpointTooLarge, "oversized endpoint")
	se, err = w.GetEndpointInfo()
	require.NoError(err, "GetEndpointInfo")
	require.Equal("https://worker.example.com:8000", se.Payload.Endpoint, "previous endpoint kept")

	// Refresh picks up the advanced block time.
	h1, b1 := chain.NextBlock(block.StorageChanges{Writes: []block.KeyValue{
		chainstate.WellKnownPair(chainstate.TimestampKey, testGenesisTime+500),
	}})
	_, err = w.SyncHeader([]block.HeaderToSync{h1}, nil)
	require.NoError(err, "SyncHeader")
	_, err = w.DispatchBlocks([]block.BlockWithChanges{b1})
	require.NoError(err, "DispatchBlocks")

	se, err = w.RefreshEndpointSigningTime()
	require.NoError(err, "RefreshEndpointSigningTime")
	require.EqualValues(testGenesisTime+500, se.Payload.SigningTime, "signing time refreshed")
}

func TestGetMasterKeyApply(t *testing.T) {
	require := require.New(t)

	w, chain, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())
	info, err := w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, nil)
	require.NoError(err, "InitRuntime")

	apply, err := w.GetMasterKeyApply()
	require.NoError(err, "GetMasterKeyApply")
	require.Equal(info.PublicKey, apply.Payload.PublicKey)
	require.Equal(info.ECDHPublicKey, apply.Payload.ECDHPublicKey)
	require.True(apply.Payload.PublicKey.Verify(
		api.MasterKeyApplySignatureContext, cbor.Marshal(apply.Payload), apply.Signature,
	), "master key apply signature verifies")
}

func TestLoadChainState(t *testing.T) {
	require := require.New(t)

	w, chain, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())
	info, err := w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, nil)
	require.NoError(err, "InitRuntime")

	_, err = w.GetInfo()
	require.NoError(err)

	err = w.LoadChainState(0, testGenesisPairs())
	require.ErrorIs(err, api.ErrCannotLoadChainState, "block 0 refused")

	// A snapshot already containing this worker's registration is refused.
	registered := testGenesisPairs(
		chainstate.WellKnownPair(chainstate.WorkerRegistryKey(info.PublicKey), uint64(1)),
	)
	err = w.LoadChainState(42, registered)
	require.ErrorIs(err, api.ErrAlreadyRegistered, "already registered state refused")

	err = w.LoadChainState(42, testGenesisPairs())
	require.NoError(err, "LoadChainState")

	status, err := w.GetInfo()
	require.NoError(err, "GetInfo")
	require.EqualValues(43, status.NextBlockNumber, "positioned at the loaded block")
	require.False(status.StateValidated, "loaded state is not validated")

	// Once a block has been validated, loading is no longer possible.
	w2, chain2, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())
	_, err = w2.InitRuntime(chain2.Genesis(), chain2.GenesisPairs(), nil, nil)
	require.NoError(err, "InitRuntime(w2)")
	h1, b1 := chain2.NextBlock(block.StorageChanges{})
	_, err = w2.SyncHeader([]block.HeaderToSync{h1}, nil)
	require.NoError(err)
	_, err = w2.DispatchBlocks([]block.BlockWithChanges{b1})
	require.NoError(err)
	err = w2.LoadChainState(42, testGenesisPairs())
	require.ErrorIs(err, api.ErrCannotLoadChainState, "loading after validation refused")
}

func TestEcho(t *testing.T) {
	w, _, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())
	require.Equal(t, []byte("hello"), w.Echo([]byte("hello")), "Echo")
}

func TestStop(t *testing.T) {
	require := require.New(t)

	w, chain, _, _ := newTestWorker(t, testConfig(), testGenesisPairs())
	_, err := w.InitRuntime(chain.Genesis(), chain.GenesisPairs(), nil, nil)
	require.NoError(err, "InitRuntime")

	var stopped bool
	w.exitFn = func() { stopped = true }

	require.NoError(w.Stop(false), "Stop")
	require.True(stopped, "exit hook invoked")
}
