package main

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/go/common/logging"
)

func TestLogLevels(t *testing.T) {
	require := require.New(t)
	defer viper.Set(cfgLogLevel, "warn")

	// Flag default.
	base, modules, err := logLevels()
	require.NoError(err, "logLevels(default)")
	require.Equal(logging.LevelWarn, base)
	require.Empty(modules)

	// Single base level.
	viper.Set(cfgLogLevel, "debug")
	base, modules, err = logLevels()
	require.NoError(err, "logLevels(debug)")
	require.Equal(logging.LevelDebug, base)
	require.Empty(modules)

	// Per-module map with a default entry.
	viper.Set(cfgLogLevel, map[string]string{
		"default":        "error",
		"worker/runtime": "debug",
	})
	base, modules, err = logLevels()
	require.NoError(err, "logLevels(map)")
	require.Equal(logging.LevelError, base)
	require.Equal(map[string]logging.Level{"worker/runtime": logging.LevelDebug}, modules)

	// Malformed levels are rejected.
	viper.Set(cfgLogLevel, "noisy")
	_, _, err = logLevels()
	require.Error(err, "logLevels(malformed)")

	viper.Set(cfgLogLevel, map[string]string{"worker/runtime": "noisy"})
	_, _, err = logLevels()
	require.Error(err, "logLevels(malformed module)")
}
