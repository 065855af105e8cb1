// Package config loads and validates the daemon configuration. Sources in
// order of precedence: AGROBUS_* environment variables, the YAML file passed
// to Load, built-in defaults. No configuration value is bound to a CLI flag.
package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the full daemon configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Network sizes the network manager.
	Network NetworkConfig `mapstructure:"network" yaml:"network"`

	// TCClient tunes the task controller client handshake.
	TCClient TCClientConfig `mapstructure:"tc_client" yaml:"tc_client"`

	// TCServer describes the capabilities of the task controller server.
	TCServer TCServerConfig `mapstructure:"tc_server" yaml:"tc_server"`

	// Metrics configures the diagnostics HTTP listener.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level: DEBUG, INFO, WARN or ERROR.
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format is text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// NetworkConfig sizes the network manager at construction time.
type NetworkConfig struct {
	// NumPorts is the number of CAN ports the stack owns.
	NumPorts int `mapstructure:"num_ports" validate:"min=1,max=8" yaml:"num_ports"`

	// EnableBusLoad toggles the rolling bus-load estimator.
	EnableBusLoad bool `mapstructure:"enable_bus_load" yaml:"enable_bus_load"`

	// MaxTxSessionsPerPort caps concurrent outgoing transport sessions.
	MaxTxSessionsPerPort int `mapstructure:"max_tx_sessions_per_port" validate:"min=1" yaml:"max_tx_sessions_per_port"`

	// RxBatchPerUpdate bounds frames drained per port per tick.
	RxBatchPerUpdate int `mapstructure:"rx_batch_per_update" validate:"min=1" yaml:"rx_batch_per_update"`
}

// TCClientConfig tunes the task controller client.
type TCClientConfig struct {
	// TimeoutMS bounds every intermediate handshake state.
	TimeoutMS uint32 `mapstructure:"timeout_ms" validate:"min=1" yaml:"timeout_ms"`

	// RetryOnPoolError retries the pool transfer once before giving up.
	RetryOnPoolError bool `mapstructure:"retry_on_pool_error" yaml:"retry_on_pool_error"`

	// BootDelayMS delays the first handshake step after connect.
	BootDelayMS uint32 `mapstructure:"boot_delay_ms" yaml:"boot_delay_ms"`
}

// TCServerConfig describes the advertised server capabilities.
type TCServerConfig struct {
	TCNumber    uint8 `mapstructure:"tc_number" validate:"max=31" yaml:"tc_number"`
	TCVersion   uint8 `mapstructure:"tc_version" yaml:"tc_version"`
	NumBooms    uint8 `mapstructure:"num_booms" yaml:"num_booms"`
	NumSections uint8 `mapstructure:"num_sections" yaml:"num_sections"`
	NumChannels uint8 `mapstructure:"num_channels" yaml:"num_channels"`

	// Options lists capability names: documentation, tc_geo_without_position,
	// tc_geo_with_position, peer_control, implement_section_control.
	Options []string `mapstructure:"options" validate:"dive,oneof=documentation tc_geo_without_position tc_geo_with_position peer_control implement_section_control" yaml:"options"`

	// StatusIntervalMS is the status broadcast cadence.
	StatusIntervalMS uint32 `mapstructure:"status_interval_ms" validate:"min=1" yaml:"status_interval_ms"`
}

// MetricsConfig configures the diagnostics HTTP listener.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" validate:"required_if=Enabled true" yaml:"listen"`
}

// OptionBits maps the configured option names to the status bitfield.
func (c TCServerConfig) OptionBits() uint8 {
	var bits uint8
	for _, opt := range c.Options {
		switch strings.ToLower(opt) {
		case "documentation":
			bits |= 0x01
		case "tc_geo_without_position":
			bits |= 0x02
		case "tc_geo_with_position":
			bits |= 0x04
		case "peer_control":
			bits |= 0x08
		case "implement_section_control":
			bits |= 0x10
		}
	}
	return bits
}

// Load reads the configuration from path (optional) plus environment and
// returns the validated result.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("AGROBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %q: %w", path, err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
