package runtime

import (
	"github.com/wardenlabs/warden/go/common/crypto/signature"
	"github.com/wardenlabs/warden/go/common/workerpool"
	"github.com/wardenlabs/warden/go/runtime/block"
	"github.com/wardenlabs/warden/go/runtime/mq"
	"github.com/wardenlabs/warden/go/worker/runtime/api"
)

// Service exposes the worker operations over a single-worker execution
// pool, decoupling host request threads from the runtime itself.
type Service struct {
	worker *Worker
	pool   *workerpool.Pool
}

// NewService creates a service facade around the given worker.
func NewService(w *Worker) *Service {
	pool := workerpool.New("worker/runtime")
	pool.Resize(1)
	return &Service{
		worker: w,
		pool:   pool,
	}
}

// Worker returns the underlying worker.
func (s *Service) Worker() *Worker {
	return s.worker
}

// Stop stops the service's execution pool. In-flight operations run to
// completion; later submissions fail with workerpool.ErrPoolStopped.
func (s *Service) Stop() {
	s.pool.Stop()
}

// Quit returns a channel that is closed when the service stops.
func (s *Service) Quit() <-chan struct{} {
	return s.pool.Quit()
}

func submit[T any](s *Service, fn func() (T, error)) (T, error) {
	var out T
	err := <-s.pool.Submit(func() error {
		var err error
		out, err = fn()
		return err
	})
	return out, err
}

func submitErr(s *Service, fn func() error) error {
	return <-s.pool.Submit(fn)
}

// GetInfo returns the worker status summary.
func (s *Service) GetInfo() (*api.Info, error) {
	return submit(s, s.worker.GetInfo)
}

// InitRuntime performs the one-shot runtime initialization.
func (s *Service) InitRuntime(
	genesis *block.GenesisBlockInfo,
	genesisState []block.KeyValue,
	operator *signature.PublicKey,
	debugSeed []byte,
) (*api.RuntimeInfo, error) {
	return submit(s, func() (*api.RuntimeInfo, error) {
		return s.worker.InitRuntime(genesis, genesisState, operator, debugSeed)
	})
}

// GetRuntimeInfo returns the worker's attested registration info.
func (s *Service) GetRuntimeInfo(forceRefresh bool, operator *signature.PublicKey) (*api.RuntimeInfo, error) {
	return submit(s, func() (*api.RuntimeInfo, error) {
		return s.worker.GetRuntimeInfo(forceRefresh, operator)
	})
}

// SyncHeader advances the synchronized header chain.
func (s *Service) SyncHeader(headers []block.HeaderToSync, change *block.AuthoritySetChange) (uint64, error) {
	return submit(s, func() (uint64, error) {
		return s.worker.SyncHeader(headers, change)
	})
}

// DispatchBlocks applies a batch of blocks.
func (s *Service) DispatchBlocks(blocks []block.BlockWithChanges) (uint64, error) {
	return submit(s, func() (uint64, error) {
		return s.worker.DispatchBlocks(blocks)
	})
}

// GetEgressMessages returns all pending outbound messages.
func (s *Service) GetEgressMessages() ([]mq.OriginMessages, error) {
	return submit(s, s.worker.GetEgressMessages)
}

// SetEndpoint sets and signs the worker's endpoint announcement.
func (s *Service) SetEndpoint(endpoint string) (*api.SignedEndpoint, error) {
	return submit(s, func() (*api.SignedEndpoint, error) {
		return s.worker.SetEndpoint(endpoint)
	})
}

// RefreshEndpointSigningTime re-signs the endpoint announcement.
func (s *Service) RefreshEndpointSigningTime() (*api.SignedEndpoint, error) {
	return submit(s, s.worker.RefreshEndpointSigningTime)
}

// GetEndpointInfo returns the signed endpoint announcement.
func (s *Service) GetEndpointInfo() (*api.SignedEndpoint, error) {
	return submit(s, s.worker.GetEndpointInfo)
}

// GetMasterKeyApply returns a signed master key application.
func (s *Service) GetMasterKeyApply() (*api.SignedMasterKeyApply, error) {
	return submit(s, s.worker.GetMasterKeyApply)
}

// CreateHandoverChallenge issues a handover challenge.
func (s *Service) CreateHandoverChallenge() (*api.HandoverChallenge, error) {
	return submit(s, s.worker.CreateHandoverChallenge)
}

// AcceptHandoverChallenge answers a handover challenge.
func (s *Service) AcceptHandoverChallenge(challenge *api.HandoverChallenge) (*api.HandoverChallengeResponse, error) {
	return submit(s, func() (*api.HandoverChallengeResponse, error) {
		return s.worker.AcceptHandoverChallenge(challenge)
	})
}

// HandoverStart validates a challenge answer and returns the encrypted
// worker key.
func (s *Service) HandoverStart(resp *api.HandoverChallengeResponse) (*api.HandoverWorkerKey, error) {
	return submit(s, func() (*api.HandoverWorkerKey, error) {
		return s.worker.HandoverStart(resp)
	})
}

// HandoverReceive decrypts and adopts a handed-over worker identity.
func (s *Service) HandoverReceive(workerKey *api.HandoverWorkerKey) error {
	return submitErr(s, func() error {
		return s.worker.HandoverReceive(workerKey)
	})
}

// LoadChainState positions the worker using an out-of-band snapshot.
func (s *Service) LoadChainState(blockNumber uint64, pairs []block.KeyValue) error {
	return submitErr(s, func() error {
		return s.worker.LoadChainState(blockNumber, pairs)
	})
}

// LoadStorageProof materializes a proof-derived storage subset.
func (s *Service) LoadStorageProof(pairs []block.KeyValue) error {
	return submitErr(s, func() error {
		return s.worker.LoadStorageProof(pairs)
	})
}

// TakeCheckpoint persists a sealed checkpoint.
func (s *Service) TakeCheckpoint() (uint64, error) {
	return submit(s, s.worker.TakeCheckpoint)
}

// RestoreCheckpoint restores the runtime state from the persisted
// checkpoint.
func (s *Service) RestoreCheckpoint() (uint64, error) {
	return submit(s, s.worker.RestoreCheckpoint)
}

// Echo returns the payload unchanged.
func (s *Service) Echo(payload []byte) ([]byte, error) {
	return submit(s, func() ([]byte, error) {
		return s.worker.Echo(payload), nil
	})
}

// StopWorker terminates the worker process.
func (s *Service) StopWorker(removeCheckpoints bool) error {
	return submitErr(s, func() error {
		return s.worker.Stop(removeCheckpoints)
	})
}
