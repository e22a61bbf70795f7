// Package api defines the trusted execution environment interfaces
// required by the worker runtime.
package api

import (
	"errors"
	"time"

	"github.com/wardenlabs/warden/go/common/sgx"
)

// ReportDataSize is the size of the caller-supplied data bound to a report.
const ReportDataSize = 64

// ErrUnsupportedProvider is the error returned when an attestation provider
// is not supported by the platform.
var ErrUnsupportedProvider = errors.New("tee: unsupported attestation provider")

// Provider is a remote attestation provider.
type Provider string

const (
	// ProviderIAS is the Intel Attestation Service (EPID) provider.
	ProviderIAS Provider = "ias"
	// ProviderDCAP is the Intel DCAP (ECDSA) provider.
	ProviderDCAP Provider = "dcap"
)

// Report is a remote attestation report, together with the metadata needed
// to validate and expire it.
type Report struct {
	// Provider is the attestation provider that issued the report.
	Provider Provider `json:"provider"`

	// EncodedReport is the provider-specific encoded report.
	EncodedReport []byte `json:"encoded_report"`

	// Timestamp is the UNIX time in seconds at which the report was created.
	Timestamp uint64 `json:"timestamp"`
}

// ReportBody is the verified content of a remote attestation report.
type ReportBody struct {
	// Identity is the attested enclave identity.
	Identity sgx.EnclaveIdentity `json:"identity"`

	// ReportData is the caller-supplied data bound to the report.
	ReportData []byte `json:"report_data"`

	// Timestamp is the UNIX time in seconds embedded in the report by the
	// attestation provider. It is trusted as the provider signs it.
	Timestamp uint64 `json:"timestamp"`
}

// Platform is the hardware attestation primitive surface.
//
// Report creation and verification are blocking hardware (or attestation
// provider) round-trips and may be slow.
type Platform interface {
	// CreateReport creates a remote attestation report binding the provided
	// report data.
	CreateReport(provider Provider, reportData []byte, timeout time.Duration) ([]byte, error)

	// VerifyReport verifies a remote attestation report's signature chain
	// and returns its verified body.
	VerifyReport(provider Provider, encodedReport []byte) (*ReportBody, error)

	// LocalTargetInfo returns the local attestation target info describing
	// this enclave.
	LocalTargetInfo() ([]byte, error)

	// LocalReport creates a local attestation report targeted at the enclave
	// described by targetInfo.
	LocalReport(targetInfo, reportData []byte) ([]byte, error)

	// VerifyLocalReport verifies a local attestation report, proving that
	// the report was generated on the same physical machine, and returns
	// the reporting enclave's identity.
	VerifyLocalReport(report []byte) (*sgx.EnclaveIdentity, error)

	// EnclaveIdentity returns the identity of the running enclave.
	EnclaveIdentity() sgx.EnclaveIdentity

	// SealingKey derives the enclave sealing key used to encrypt state at
	// rest.
	SealingKey() ([32]byte, error)
}
