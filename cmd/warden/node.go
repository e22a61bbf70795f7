package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wardenlabs/warden/go/common/crypto/hash"
	"github.com/wardenlabs/warden/go/common/logging"
	"github.com/wardenlabs/warden/go/common/persistent"
	"github.com/wardenlabs/warden/go/common/sgx"
	"github.com/wardenlabs/warden/go/tee/attestation"
	workerRuntime "github.com/wardenlabs/warden/go/worker/runtime"
	workerConfig "github.com/wardenlabs/warden/go/worker/runtime/config"
)

const cfgMetricsAddr = "metrics.address"

var metricsFlags = flag.NewFlagSet("", flag.ContinueOnError)

func runNode(_ *cobra.Command, _ []string) error {
	if err := initLogging(); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logging.GetLogger("warden")

	cfg := workerConfig.GetConfig()
	cfg.Version = SoftwareVersion
	cfg.GitRevision = GitRevision
	if cfg.DataDir == "" {
		return fmt.Errorf("data directory not configured (%s)", workerConfig.CfgDataDir)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return err
	}
	machineID := hash.NewFromBytes([]byte(hostname))
	cfg.MachineID = machineID[:]

	commonStore, err := persistent.NewCommonStore(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open persistent store: %w", err)
	}
	defer commonStore.Close()

	store, err := commonStore.GetServiceStore("worker/runtime")
	if err != nil {
		return err
	}

	// Software-only platform. Hardware-backed platforms plug in through the
	// same interface.
	enclaveIdentity := sgx.EnclaveIdentity{SVN: uint16(SoftwareVersion)}
	mre := hash.NewFromBytes([]byte("warden build: " + GitRevision))
	copy(enclaveIdentity.MrEnclave[:], mre[:])
	platform := attestation.NewMockPlatform(enclaveIdentity, machineID)

	worker, err := workerRuntime.New(cfg, platform, store, nil)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}
	svc := workerRuntime.NewService(worker)
	defer svc.Stop()

	if addr := viper.GetString(cfgMetricsAddr); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server failed",
					"err", err,
				)
			}
		}()
	}

	if cfg.CheckpointEnabled {
		if n, err := svc.RestoreCheckpoint(); err == nil {
			logger.Info("restored from checkpoint",
				"block_number", n,
			)
		} else {
			logger.Info("no checkpoint restored",
				"err", err,
			)
		}
	}

	logger.Info("worker started",
		"version", SoftwareVersion,
		"git_revision", GitRevision,
		"safe_mode_level", cfg.SafeModeLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("received termination signal")
	case <-svc.Quit():
	}

	return nil
}

func init() {
	metricsFlags.String(cfgMetricsAddr, "", "prometheus metrics address (empty to disable)")
	_ = viper.BindPFlags(metricsFlags)
}
