// Package attestation implements the remote attestation report lifecycle:
// creation with bounded retry, and validation against a freshness window
// and an expected payload binding.
package attestation

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wardenlabs/warden/go/common/logging"
	"github.com/wardenlabs/warden/go/tee/api"
)

const (
	// DefaultFreshnessWindow is the window within which a report's embedded
	// timestamp must fall relative to the reference time. Provider-issued
	// report timestamps are trusted, so a report outside this window means
	// either a stalled counterpart or a replay.
	DefaultFreshnessWindow = 10 * time.Hour

	retryInitialInterval = 1 * time.Second
	retryMaxInterval     = 8 * time.Second
)

var (
	// ErrReportDataMismatch is the error returned when the report's bound
	// data does not match the expected payload.
	ErrReportDataMismatch = errors.New("attestation: report data mismatch")

	// ErrReportStale is the error returned when the report's embedded
	// timestamp is outside the acceptable freshness window.
	ErrReportStale = errors.New("attestation: report timestamp outside freshness window")

	logger = logging.GetLogger("tee/attestation")
)

// Create invokes the platform attestation primitive to create a remote
// attestation report binding reportData. Transient failures are retried
// with exponential backoff (1s, 2s, 4s, capped at 8s) up to maxRetries
// before failing permanently.
func Create(
	platform api.Platform,
	provider api.Provider,
	reportData []byte,
	timeout time.Duration,
	maxRetries uint64,
) (*api.Report, error) {
	var encodedReport []byte

	op := func() error {
		var err error
		encodedReport, err = platform.CreateReport(provider, reportData, timeout)
		if err != nil {
			logger.Error("failed to create attestation report",
				"err", err,
				"provider", provider,
			)
		}
		return err
	}

	boff := backoff.NewExponentialBackOff()
	boff.InitialInterval = retryInitialInterval
	boff.MaxInterval = retryMaxInterval
	boff.Multiplier = 2.0
	boff.RandomizationFactor = 0.0
	boff.MaxElapsedTime = 0

	if err := backoff.Retry(op, backoff.WithMaxRetries(boff, maxRetries)); err != nil {
		return nil, fmt.Errorf("attestation: failed to create report: %w", err)
	}

	return &api.Report{
		Provider:      provider,
		EncodedReport: encodedReport,
		Timestamp:     uint64(time.Now().Unix()),
	}, nil
}

// Validate verifies the given report and checks that it binds the expected
// payload and that its embedded timestamp falls within the freshness window
// around referenceTime (UNIX seconds). It returns the verified report body.
func Validate(
	platform api.Platform,
	report *api.Report,
	expectedReportData []byte,
	referenceTime uint64,
	window time.Duration,
) (*api.ReportBody, error) {
	if report == nil {
		return nil, errors.New("attestation: missing report")
	}

	body, err := platform.VerifyReport(report.Provider, report.EncodedReport)
	if err != nil {
		return nil, fmt.Errorf("attestation: report verification failed: %w", err)
	}

	if !bytes.Equal(body.ReportData, expectedReportData) {
		return nil, ErrReportDataMismatch
	}

	windowSec := uint64(window / time.Second)
	var age uint64
	if body.Timestamp > referenceTime {
		age = body.Timestamp - referenceTime
	} else {
		age = referenceTime - body.Timestamp
	}
	if age > windowSec {
		return nil, ErrReportStale
	}

	return body, nil
}
