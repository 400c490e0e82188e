// Package cmd implements the CLI commands for tsp.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/gotsp/tsproc/internal/config"
	"github.com/gotsp/tsproc/internal/observability"
	"github.com/gotsp/tsproc/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "tsp",
	Short:   "Transport stream processor",
	Version: version.Short(),
	Long: `tsp is a transport stream processing pipeline. It reads an MPEG-2
transport stream from one input plugin, passes it through a chain of
packet-processing plugins, and writes the result to one output plugin.

Plugins run as concurrent executors sharing one circular packet buffer.
The pipeline tracks input bitrate continuously (from the input plugin,
from PCR analysis, or from DTS timestamps when no PCR is usable; the
--bitrate value is not applied) so that plugins needing a
steady clock, such as artificial stuffing or regulated output, keep pace
with the real stream.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tsp.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	mustBindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/tsp")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tsp")
	}

	viper.SetEnvPrefix("TSP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// initLogging configures the slog default logger based on configuration.
func initLogging() error {
	cfg := config.LoggingConfig{
		Level:  strings.ToLower(viper.GetString("logging.level")),
		Format: strings.ToLower(viper.GetString("logging.format")),
	}
	observability.SetDefault(observability.NewLogger(cfg))
	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
