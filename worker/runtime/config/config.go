// Package config defines the worker runtime configuration flags.
package config

import (
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// CfgDataDir is the worker data directory.
	CfgDataDir = "worker.runtime.data_dir"

	// CfgSafeModeLevel is the safe mode level (0 disabled, 1 degraded,
	// 2 degraded without storage proof validation).
	CfgSafeModeLevel = "worker.runtime.safe_mode_level"

	// CfgAttestationProvider is the remote attestation provider ("ias",
	// "dcap" or empty to disable remote attestation).
	CfgAttestationProvider = "worker.runtime.attestation.provider"

	// CfgAttestationTimeout is the per-attempt report creation timeout.
	CfgAttestationTimeout = "worker.runtime.attestation.timeout"

	// CfgAttestationMaxRetries is the number of report creation retries.
	CfgAttestationMaxRetries = "worker.runtime.attestation.max_retries"

	// CfgCheckpointEnabled enables periodic checkpoints.
	CfgCheckpointEnabled = "worker.runtime.checkpoint.enabled"

	// CfgCheckpointInterval is the minimum interval between checkpoints.
	CfgCheckpointInterval = "worker.runtime.checkpoint.interval"

	// CfgGuardWarnThreshold is the lock hold duration above which a warning
	// is logged.
	CfgGuardWarnThreshold = "worker.runtime.guard.warn_threshold"
)

// Config is the materialized worker runtime configuration.
type Config struct {
	// DataDir is the worker data directory.
	DataDir string

	// Version is the worker software version.
	Version uint32

	// GitRevision is the source revision the worker was built from.
	GitRevision string

	// MachineID identifies the physical machine the worker runs on.
	MachineID []byte

	// SafeModeLevel is the safe mode level.
	SafeModeLevel int

	// AttestationProvider is the remote attestation provider, empty when
	// remote attestation is disabled.
	AttestationProvider string

	// AttestationTimeout is the per-attempt report creation timeout.
	AttestationTimeout time.Duration

	// AttestationMaxRetries is the number of report creation retries.
	AttestationMaxRetries uint64

	// CheckpointEnabled enables periodic checkpoints.
	CheckpointEnabled bool

	// CheckpointInterval is the minimum interval between checkpoints.
	CheckpointInterval time.Duration

	// GuardWarnThreshold is the lock hold duration above which a warning is
	// logged.
	GuardWarnThreshold time.Duration
}

// GetConfig reads the worker runtime configuration from viper.
func GetConfig() Config {
	return Config{
		DataDir:               viper.GetString(CfgDataDir),
		SafeModeLevel:         viper.GetInt(CfgSafeModeLevel),
		AttestationProvider:   viper.GetString(CfgAttestationProvider),
		AttestationTimeout:    viper.GetDuration(CfgAttestationTimeout),
		AttestationMaxRetries: viper.GetUint64(CfgAttestationMaxRetries),
		CheckpointEnabled:     viper.GetBool(CfgCheckpointEnabled),
		CheckpointInterval:    viper.GetDuration(CfgCheckpointInterval),
		GuardWarnThreshold:    viper.GetDuration(CfgGuardWarnThreshold),
	}
}

// Flags has the configuration flags.
var Flags = flag.NewFlagSet("", flag.ContinueOnError)

func init() {
	Flags.String(CfgDataDir, "", "worker data directory")
	Flags.Int(CfgSafeModeLevel, 0, "safe mode level (0-2)")
	Flags.String(CfgAttestationProvider, "", "remote attestation provider (ias, dcap; empty to disable)")
	Flags.Duration(CfgAttestationTimeout, 10*time.Second, "attestation report creation timeout")
	Flags.Uint64(CfgAttestationMaxRetries, 3, "attestation report creation retries")
	Flags.Bool(CfgCheckpointEnabled, false, "enable periodic checkpoints")
	Flags.Duration(CfgCheckpointInterval, 5*time.Minute, "minimum interval between checkpoints")
	Flags.Duration(CfgGuardWarnThreshold, time.Second, "runtime lock hold duration warning threshold")

	_ = viper.BindPFlags(Flags)
}
