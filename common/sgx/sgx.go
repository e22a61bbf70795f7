// Package sgx provides common Intel SGX datatypes and utilities.
package sgx

import (
	"encoding/hex"
	"errors"

	"github.com/wardenlabs/warden/go/common/crypto/hash"
)

const (
	// MrEnclaveSize is the size of an MrEnclave in bytes.
	MrEnclaveSize = 32

	// MrSignerSize is the size of an MrSigner in bytes.
	MrSignerSize = 32
)

// MrEnclave is a SGX enclave identity register value (MRENCLAVE).
type MrEnclave [MrEnclaveSize]byte

// MarshalBinary encodes a MrEnclave into binary form.
func (m *MrEnclave) MarshalBinary() (data []byte, err error) {
	data = append([]byte{}, m[:]...)
	return
}

// UnmarshalBinary decodes a binary marshaled MrEnclave.
func (m *MrEnclave) UnmarshalBinary(data []byte) error {
	if len(data) != MrEnclaveSize {
		return errors.New("sgx: malformed MRENCLAVE")
	}

	copy(m[:], data)

	return nil
}

// String returns the string representation of a MrEnclave.
func (m MrEnclave) String() string {
	return hex.EncodeToString(m[:])
}

// MrSigner is a SGX enclave signer register value (MRSIGNER).
type MrSigner [MrSignerSize]byte

// MarshalBinary encodes a MrSigner into binary form.
func (m *MrSigner) MarshalBinary() (data []byte, err error) {
	data = append([]byte{}, m[:]...)
	return
}

// UnmarshalBinary decodes a binary marshaled MrSigner.
func (m *MrSigner) UnmarshalBinary(data []byte) error {
	if len(data) != MrSignerSize {
		return errors.New("sgx: malformed MRSIGNER")
	}

	copy(m[:], data)

	return nil
}

// String returns the string representation of a MrSigner.
func (m MrSigner) String() string {
	return hex.EncodeToString(m[:])
}

// EnclaveIdentity is a byte serialized MRSIGNER/MRENCLAVE pair, together
// with the ISV product identity and security version.
type EnclaveIdentity struct {
	MrEnclave MrEnclave `json:"mr_enclave"`
	MrSigner  MrSigner  `json:"mr_signer"`
	ProdID    uint16    `json:"prod_id"`
	SVN       uint16    `json:"svn"`
}

// MeasurementHash returns the hash binding the full enclave identity, used
// as the lookup key for on-chain build registration records.
func (id *EnclaveIdentity) MeasurementHash() hash.Hash {
	return hash.NewFrom(id)
}

// String returns the string representation of an EnclaveIdentity.
func (id EnclaveIdentity) String() string {
	return id.MrEnclave.String() + id.MrSigner.String()
}
