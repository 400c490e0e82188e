// Package config provides configuration management for tsproc using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultBufferSizeMB         = 8
	defaultBitrateAdjustMS      = 500
	defaultInitBitrateAdjustPkt = 128
	defaultMaxFlushedPackets    = 10
	defaultMaxInputPackets      = 128
	defaultMaxOutputPackets     = 128
	defaultReceiveTimeoutMS     = 0 // infinite
	defaultFinalWaitMS          = 5000
	defaultControlPort          = 0 // disabled
	defaultControlTimeoutMS     = 5000
	defaultEITBacklogSize       = 128
	defaultResetPercent         = 10
	defaultOverflowAlertCount   = 16
	defaultMuxCycle             = time.Millisecond
	defaultTablesRetransmitMS   = 500
)

// Config holds all configuration for the application.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Control  ControlConfig  `mapstructure:"control"`
	Stuffing StuffingConfig `mapstructure:"stuffing"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Merge    MergeConfig    `mapstructure:"merge"`
	Mux      MuxConfig      `mapstructure:"mux"`
}

// EngineConfig holds tsp pipeline engine configuration (spec.md §6 global options).
type EngineConfig struct {
	// BufferSize is the shared packet buffer size ("--buffer-size-mb").
	BufferSize ByteSize `mapstructure:"buffer_size"`
	// BitrateAdjustInterval is how often bitrate is reevaluated ("--bitrate-adjust-interval").
	BitrateAdjustInterval Duration `mapstructure:"bitrate_adjust_interval"`
	// InitBitrateAdjustPackets reevaluates bitrate every N packets while unknown.
	InitBitrateAdjustPackets int `mapstructure:"init_bitrate_adjust_packets"`
	// MaxFlushedPackets bounds how many packets a processor accumulates before a forced flush.
	MaxFlushedPackets int `mapstructure:"max_flushed_packets"`
	// MaxInputPackets bounds one read from the input plugin.
	MaxInputPackets int `mapstructure:"max_input_packets"`
	// MaxOutputPackets bounds one write to the output plugin.
	MaxOutputPackets int `mapstructure:"max_output_packets"`
	// ReceiveTimeout bounds waitWork(); zero means infinite.
	ReceiveTimeout Duration `mapstructure:"receive_timeout"`
	// FinalWait bounds how long shutdown waits for executors to drain.
	FinalWait Duration `mapstructure:"final_wait"`
	// Realtime requests real-time OS scheduling for plugin threads where supported.
	Realtime bool `mapstructure:"realtime"`
	// LogPluginIndex prefixes log lines with the originating plugin's index.
	LogPluginIndex bool `mapstructure:"log_plugin_index"`
	// BitrateOverride forces the input bitrate instead of estimating it ("--bitrate").
	BitrateOverride uint64 `mapstructure:"bitrate_override"`
}

// ControlConfig holds control-server configuration (spec.md §4.3).
type ControlConfig struct {
	Port         int           `mapstructure:"port"`
	LocalAddress string        `mapstructure:"local_address"`
	AllowSources []string      `mapstructure:"allow_sources"`
	Timeout      Duration      `mapstructure:"timeout"`
	ReusePort    bool          `mapstructure:"reuse_port"`
	TLSCertFile  string        `mapstructure:"tls_cert_file"`
	TLSKeyFile   string        `mapstructure:"tls_key_file"`
}

// StuffingConfig holds artificial input-stuffing configuration (spec.md §4.2).
type StuffingConfig struct {
	StartPackets int `mapstructure:"start_packets"` // instuff_start
	StopPackets  int `mapstructure:"stop_packets"`  // instuff_stop
	CycleNull    int `mapstructure:"cycle_null"`    // instuff_nullpkt
	CycleInput   int `mapstructure:"cycle_input"`   // instuff_inpkt
}

// MonitorConfig controls the optional gRPC/HTTP monitor surface (SPEC_FULL §1.5).
type MonitorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	GRPCAddr string `mapstructure:"grpc_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // trace, debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// MergeConfig holds PSI merger configuration (spec.md §4.7).
type MergeConfig struct {
	EITBacklogSize int  `mapstructure:"eit_backlog_size"`
	KeepMainTDT    bool `mapstructure:"keep_main_tdt"`
	KeepMergeTDT   bool `mapstructure:"keep_merge_tdt"`
	NullMerged     bool `mapstructure:"null_merged"`
	NullUnmerged   bool `mapstructure:"null_unmerged"`
}

// MuxConfig holds tsmux configuration (spec.md §4.10).
type MuxConfig struct {
	OutputBitrate      uint64   `mapstructure:"output_bitrate"`
	CycleInterval      Duration `mapstructure:"cycle_interval"`
	TablesRetransmit   Duration `mapstructure:"tables_retransmit"`
	IgnoreConflicts    bool     `mapstructure:"ignore_conflicts"`
	ResetPercent       int      `mapstructure:"reset_percent"`
	OverflowAlertCount int      `mapstructure:"overflow_alert_count"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with TSP_ and use underscores for nesting.
// Example: TSP_ENGINE_BUFFER_SIZE=16MB.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/tsproc")
		v.AddConfigPath("$HOME/.tsproc")
	}

	v.SetEnvPrefix("TSP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("engine.buffer_size", defaultBufferSizeMB*1024*1024)
	v.SetDefault("engine.bitrate_adjust_interval", time.Duration(defaultBitrateAdjustMS)*time.Millisecond)
	v.SetDefault("engine.init_bitrate_adjust_packets", defaultInitBitrateAdjustPkt)
	v.SetDefault("engine.max_flushed_packets", defaultMaxFlushedPackets)
	v.SetDefault("engine.max_input_packets", defaultMaxInputPackets)
	v.SetDefault("engine.max_output_packets", defaultMaxOutputPackets)
	v.SetDefault("engine.receive_timeout", time.Duration(defaultReceiveTimeoutMS)*time.Millisecond)
	v.SetDefault("engine.final_wait", time.Duration(defaultFinalWaitMS)*time.Millisecond)
	v.SetDefault("engine.realtime", false)
	v.SetDefault("engine.log_plugin_index", false)
	v.SetDefault("engine.bitrate_override", 0)

	v.SetDefault("control.port", defaultControlPort)
	v.SetDefault("control.local_address", "")
	v.SetDefault("control.allow_sources", []string{"127.0.0.1"})
	v.SetDefault("control.timeout", time.Duration(defaultControlTimeoutMS)*time.Millisecond)
	v.SetDefault("control.reuse_port", false)

	v.SetDefault("stuffing.start_packets", 0)
	v.SetDefault("stuffing.stop_packets", 0)
	v.SetDefault("stuffing.cycle_null", 0)
	v.SetDefault("stuffing.cycle_input", 1)

	v.SetDefault("monitor.enabled", false)
	v.SetDefault("monitor.grpc_addr", "127.0.0.1:9190")
	v.SetDefault("monitor.http_addr", "127.0.0.1:9191")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	v.SetDefault("merge.eit_backlog_size", defaultEITBacklogSize)
	v.SetDefault("merge.keep_main_tdt", true)
	v.SetDefault("merge.keep_merge_tdt", false)
	v.SetDefault("merge.null_merged", false)
	v.SetDefault("merge.null_unmerged", false)

	v.SetDefault("mux.output_bitrate", 0)
	v.SetDefault("mux.cycle_interval", defaultMuxCycle)
	v.SetDefault("mux.tables_retransmit", time.Duration(defaultTablesRetransmitMS)*time.Millisecond)
	v.SetDefault("mux.ignore_conflicts", false)
	v.SetDefault("mux.reset_percent", defaultResetPercent)
	v.SetDefault("mux.overflow_alert_count", defaultOverflowAlertCount)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Control.Port < 0 || c.Control.Port > maxPort {
		return fmt.Errorf("control.port must be between 0 and %d", maxPort)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Engine.MaxFlushedPackets < 1 {
		return fmt.Errorf("engine.max_flushed_packets must be at least 1")
	}
	if c.Engine.BufferSize.Int64() < 188 {
		return fmt.Errorf("engine.buffer_size must hold at least one packet (188 bytes)")
	}
	if c.Stuffing.CycleInput < 1 {
		return fmt.Errorf("stuffing.cycle_input must be at least 1")
	}
	if c.Merge.EITBacklogSize < 1 {
		return fmt.Errorf("merge.eit_backlog_size must be at least 1")
	}
	if c.Mux.ResetPercent < 1 || c.Mux.ResetPercent > 100 {
		return fmt.Errorf("mux.reset_percent must be between 1 and 100")
	}

	return nil
}

// ControlAddress returns the control server bind address in host:port format.
func (c *ControlConfig) ControlAddress() string {
	return fmt.Sprintf("%s:%d", c.LocalAddress, c.Port)
}
