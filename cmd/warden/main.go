// warden is the TEE worker node executable.
package main

import (
	"os"

	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	workerConfig "github.com/wardenlabs/warden/go/worker/runtime/config"
)

// SoftwareVersion is the worker software version. GitRevision is set at
// build time via -ldflags.
const SoftwareVersion uint32 = 1

var GitRevision = "unknown"

const cfgConfigFile = "config"

var (
	rootCmd = &cobra.Command{
		Use:   "warden",
		Short: "Warden TEE worker node",
		RunE:  runNode,
	}

	rootFlags = flag.NewFlagSet("", flag.ContinueOnError)
)

func initConfig() {
	cfgFile := viper.GetString(cfgConfigFile)
	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		cobra.CheckErr(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootFlags.String(cfgConfigFile, "", "config file")
	_ = viper.BindPFlags(rootFlags)

	rootCmd.PersistentFlags().AddFlagSet(rootFlags)
	rootCmd.PersistentFlags().AddFlagSet(loggingFlags)
	rootCmd.Flags().AddFlagSet(metricsFlags)
	rootCmd.Flags().AddFlagSet(workerConfig.Flags)
}
