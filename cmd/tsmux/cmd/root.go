// Package cmd implements the CLI commands for tsmux.
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
	Use:     "tsmux",
	Short:   "Multi-input transport stream multiplexer",
	Version: version.Short(),
	Long: `tsmux merges N transport-stream inputs into one output at a
configured bitrate. It rebuilds PAT/CAT/NIT/SDT/BAT from whatever each
input carries, assigns the first input that delivers a valid TDT/TOT as
the whole output's time reference, and holds each input's packets back
until their PCR-implied natural position in the output has arrived.`,
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

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.tsmux.yaml)")
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
		viper.AddConfigPath("/etc/tsmux")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".tsmux")
	}

	viper.SetEnvPrefix("TSMUX")
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
