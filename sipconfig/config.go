// Package sipconfig loads the configuration for the cmd/ demo binaries
// using viper, the way firestige-Otus's internal/config package loads its
// capture-agent configuration.
package sipconfig

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level static configuration for a siptx daemon.
type Config struct {
	Listen  ListenConfig  `mapstructure:"listen"`
	TLS     TLSConfig     `mapstructure:"tls"`
	Server  UASConfig     `mapstructure:"server"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ListenConfig describes the transport(s) a daemon listens on.
type ListenConfig struct {
	Network string `mapstructure:"network"` // udp | tcp | ws | tls | wss
	Addr    string `mapstructure:"addr"`
}

// TLSConfig configures a TLS/WSS listener.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

// UASConfig configures the core.Pipeline's default UAS behavior.
type UASConfig struct {
	Name        string   `mapstructure:"name"`         // Server header value
	Supported   []string `mapstructure:"supported"`    // Supported header / Require validation
	DetectLoops bool     `mapstructure:"detect_loops"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// LogConfig configures zerolog's global level and output format.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug | info | warn | error
	Format string `mapstructure:"format"` // json | console
}

// Load reads configuration from path (yaml, json or toml, detected by viper
// from the file extension), applies defaults, overlays SIPTX_-prefixed
// environment variables, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("SIPTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("sipconfig: failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("sipconfig: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sipconfig: invalid config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.network", "udp")
	v.SetDefault("listen.addr", "0.0.0.0:5060")

	v.SetDefault("server.name", "SIPGO")
	v.SetDefault("server.detect_loops", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9092")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Validate rejects configuration combinations that would fail at runtime
// rather than at startup.
func (c *Config) Validate() error {
	switch c.Listen.Network {
	case "udp", "tcp", "ws", "tls", "wss":
	default:
		return fmt.Errorf("unsupported listen.network: %s", c.Listen.Network)
	}

	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}

	switch c.Listen.Network {
	case "tls", "wss":
		if !c.TLS.Enabled {
			return fmt.Errorf("listen.network %s requires tls.enabled", c.Listen.Network)
		}
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.enabled requires tls.cert_file and tls.key_file")
		}
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s", c.Log.Level)
	}

	return nil
}
