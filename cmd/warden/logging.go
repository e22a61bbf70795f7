package main

import (
	"fmt"
	"io"
	"os"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/wardenlabs/warden/go/common/logging"
)

const (
	cfgLogFile  = "log.file"
	cfgLogFmt   = "log.format"
	cfgLogLevel = "log.level"
)

var loggingFlags = flag.NewFlagSet("", flag.ContinueOnError)

// logLevels resolves the configured log levels. The flag form sets a single
// base level; per-module overrides are only expressible through the config
// file, as a map with an optional "default" entry.
func logLevels() (logging.Level, map[string]logging.Level, error) {
	base := logging.LevelWarn
	modules := map[string]logging.Level{}

	if raw := viper.GetString(cfgLogLevel); raw != "" {
		if err := base.Set(raw); err != nil {
			return base, nil, fmt.Errorf("malformed %s: %w", cfgLogLevel, err)
		}
		return base, modules, nil
	}

	for module, raw := range viper.GetStringMapString(cfgLogLevel) {
		var lvl logging.Level
		if err := lvl.Set(raw); err != nil {
			return base, nil, fmt.Errorf("malformed %s for %q: %w", cfgLogLevel, module, err)
		}
		if module == "default" {
			base = lvl
			continue
		}
		modules[module] = lvl
	}

	return base, modules, nil
}

func initLogging() error {
	logLevel, moduleLevels, err := logLevels()
	if err != nil {
		return err
	}

	var logFmt logging.Format
	if err = logFmt.Set(viper.GetString(cfgLogFmt)); err != nil {
		return err
	}

	var w io.Writer = os.Stdout
	if logFile := viper.GetString(cfgLogFile); logFile != "" {
		if w, err = os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err != nil {
			return err
		}
	}

	return logging.Initialize(w, logFmt, logLevel, moduleLevels)
}

func init() {
	logFmt := logging.FmtLogfmt
	logLevel := logging.LevelWarn

	loggingFlags.String(cfgLogFile, "", "log file")
	loggingFlags.Var(&logFmt, cfgLogFmt, "log format")
	loggingFlags.Var(&logLevel, cfgLogLevel, "log level")

	_ = viper.BindPFlags(loggingFlags)
}
