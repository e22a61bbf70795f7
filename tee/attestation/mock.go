package attestation

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/wardenlabs/warden/go/common/cbor"
	"github.com/wardenlabs/warden/go/common/sgx"
	"github.com/wardenlabs/warden/go/tee/api"
)

// Mock platform errors.
var (
	errMockCreateFailed   = errors.New("attestation/mock: report creation failed")
	errMockWrongTarget    = errors.New("attestation/mock: target info for another platform")
	errMockWrongPlatform  = errors.New("attestation/mock: report from another platform")
	errMockMalformedBlob  = errors.New("attestation/mock: malformed report")
	errMockBadReportData  = errors.New("attestation/mock: oversized report data")
	errMockNoSuchProvider = api.ErrUnsupportedProvider
)

type mockQuote struct {
	Body ReportedBody `json:"body"`
}

// ReportedBody is the mock report payload.
type ReportedBody struct {
	PlatformID [32]byte            `json:"platform_id"`
	Identity   sgx.EnclaveIdentity `json:"identity"`
	ReportData []byte              `json:"report_data"`
	Timestamp  uint64              `json:"timestamp"`
}

type mockTargetInfo struct {
	PlatformID [32]byte `json:"platform_id"`
}

type mockLocalReport struct {
	PlatformID [32]byte            `json:"platform_id"`
	Identity   sgx.EnclaveIdentity `json:"identity"`
	ReportData []byte              `json:"report_data"`
}

// MockPlatform is a software-only Platform implementation used by tests and
// non-TEE deployments. Reports are structurally identical to hardware ones
// but carry no hardware signature chain.
type MockPlatform struct {
	mu sync.Mutex

	identity   sgx.EnclaveIdentity
	platformID [32]byte
	sealingKey [32]byte

	// Clock overrides the report timestamp source. Defaults to time.Now.
	Clock func() uint64

	// FailCreateReports makes the next N CreateReport calls fail, to
	// exercise the retry path.
	FailCreateReports int
}

// NewMockPlatform creates a new mock platform with the given enclave
// identity, co-located with all other mock platforms sharing platformID.
func NewMockPlatform(identity sgx.EnclaveIdentity, platformID [32]byte) *MockPlatform {
	var sealingKey [32]byte
	if _, err := rand.Read(sealingKey[:]); err != nil {
		panic(err)
	}
	return &MockPlatform{
		identity:   identity,
		platformID: platformID,
		sealingKey: sealingKey,
	}
}

func (p *MockPlatform) now() uint64 {
	if p.Clock != nil {
		return p.Clock()
	}
	return uint64(time.Now().Unix())
}

// CreateReport implements api.Platform.
func (p *MockPlatform) CreateReport(provider api.Provider, reportData []byte, _ time.Duration) ([]byte, error) {
	if provider != api.ProviderIAS && provider != api.ProviderDCAP {
		return nil, errMockNoSuchProvider
	}
	if len(reportData) > api.ReportDataSize {
		return nil, errMockBadReportData
	}

	p.mu.Lock()
	if p.FailCreateReports > 0 {
		p.FailCreateReports--
		p.mu.Unlock()
		return nil, errMockCreateFailed
	}
	p.mu.Unlock()

	return cbor.Marshal(mockQuote{
		Body: ReportedBody{
			PlatformID: p.platformID,
			Identity:   p.identity,
			ReportData: append([]byte{}, reportData...),
			Timestamp:  p.now(),
		},
	}), nil
}

// VerifyReport implements api.Platform.
func (p *MockPlatform) VerifyReport(provider api.Provider, encodedReport []byte) (*api.ReportBody, error) {
	if provider != api.ProviderIAS && provider != api.ProviderDCAP {
		return nil, errMockNoSuchProvider
	}

	var quote mockQuote
	if err := cbor.Unmarshal(encodedReport, &quote); err != nil {
		return nil, errMockMalformedBlob
	}

	return &api.ReportBody{
		Identity:   quote.Body.Identity,
		ReportData: quote.Body.ReportData,
		Timestamp:  quote.Body.Timestamp,
	}, nil
}

// LocalTargetInfo implements api.Platform.
func (p *MockPlatform) LocalTargetInfo() ([]byte, error) {
	return cbor.Marshal(mockTargetInfo{PlatformID: p.platformID}), nil
}

// LocalReport implements api.Platform.
func (p *MockPlatform) LocalReport(targetInfo, reportData []byte) ([]byte, error) {
	var target mockTargetInfo
	if err := cbor.Unmarshal(targetInfo, &target); err != nil {
		return nil, errMockMalformedBlob
	}
	if target.PlatformID != p.platformID {
		return nil, errMockWrongTarget
	}
	if len(reportData) > api.ReportDataSize {
		return nil, errMockBadReportData
	}

	return cbor.Marshal(mockLocalReport{
		PlatformID: p.platformID,
		Identity:   p.identity,
		ReportData: append([]byte{}, reportData...),
	}), nil
}

// VerifyLocalReport implements api.Platform.
func (p *MockPlatform) VerifyLocalReport(report []byte) (*sgx.EnclaveIdentity, error) {
	var lr mockLocalReport
	if err := cbor.Unmarshal(report, &lr); err != nil {
		return nil, errMockMalformedBlob
	}
	if lr.PlatformID != p.platformID {
		return nil, errMockWrongPlatform
	}
	identity := lr.Identity
	return &identity, nil
}

// EnclaveIdentity implements api.Platform.
func (p *MockPlatform) EnclaveIdentity() sgx.EnclaveIdentity {
	return p.identity
}

// SealingKey implements api.Platform.
func (p *MockPlatform) SealingKey() ([32]byte, error) {
	return p.sealingKey, nil
}
