// =============================================================================
// File: internal/config/config.go
// Configuration loading, defaults, and validation (C12). Grounded on the
// teacher's internal/config/config.go: a Load(path) that unmarshals YAML
// onto a DefaultConfig() base, a Validate() step returning wrapped errors
// on the first violation found, and port/field cross-checks that mirror
// the way the teacher validates its own nested sections.
// =============================================================================
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/relaywire/relaywire/internal/wire"
	"gopkg.in/yaml.v3"
)

// ControlStreamConfig configures the reliable control connection (§4.2,
// §4.15).
type ControlStreamConfig struct {
	Listen           string        `yaml:"listen"`
	UTLS             bool          `yaml:"utls"`
	Fingerprint      string        `yaml:"fingerprint"` // chrome | firefox | safari
	ServerName       string        `yaml:"server_name"`
	InsecureSkipTLS  bool          `yaml:"insecure_skip_tls"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// MetricsConfig configures the optional Prometheus /metrics server (C13).
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// Config is the full set of tunables for one connection's protocol
// behavior, matching §6's Configuration table plus the connection
// parameters of §3.
type Config struct {
	MTUBytes          int `yaml:"mtu_bytes"`
	PacketsPerChunk   int `yaml:"packets_per_chunk"`
	NumChannels       int `yaml:"num_channels"`
	ChannelBasePort   int `yaml:"channel_base_port"`
	RTOMs             int `yaml:"rto_ms"`
	BaseRTTMs         int `yaml:"base_rtt_ms"`
	AlphaMs           int `yaml:"alpha_ms"`
	NackDelayMs       int `yaml:"nack_delay_ms"`
	MaxInflightChunks int `yaml:"max_inflight_chunks"`

	ECKData      int `yaml:"ec_k_data"`
	ECMParity    int `yaml:"ec_m_parity"`
	ECMaxRetries int `yaml:"ec_max_retries"`

	WindowSizeDisplay int           `yaml:"window_size"`
	ProgressTimeout   time.Duration `yaml:"progress_timeout"`

	ChannelTransport string `yaml:"channel_transport"` // "udp" | "websocket"

	ControlStream ControlStreamConfig `yaml:"control_stream"`
	Metrics       MetricsConfig       `yaml:"metrics"`

	LogLevel string `yaml:"log_level"`
}

// Load reads a YAML file onto DefaultConfig and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration a plain sender or receiver runs
// with when no YAML file overrides a field, matching §6's defaults.
func DefaultConfig() *Config {
	return &Config{
		MTUBytes:          wire.MaxPayload,
		PacketsPerChunk:   64,
		NumChannels:       1,
		ChannelBasePort:   45000,
		RTOMs:             300,
		BaseRTTMs:         100,
		AlphaMs:           50,
		NackDelayMs:       100,
		MaxInflightChunks: 256,

		ECKData:      8,
		ECMParity:    2,
		ECMaxRetries: 3,

		WindowSizeDisplay: 256,
		ProgressTimeout:   30 * time.Second,

		ChannelTransport: "udp",

		ControlStream: ControlStreamConfig{
			Listen:           ":45099",
			UTLS:             false,
			Fingerprint:      "chrome",
			HandshakeTimeout: 10 * time.Second,
		},

		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  ":9110",
			Path:    "/metrics",
		},

		LogLevel: "info",
	}
}

// Validate rejects out-of-range or contradictory fields, mirroring the
// teacher's style: return the first wrapped error found rather than
// accumulating a list.
func (c *Config) Validate() error {
	if c.MTUBytes <= 0 || c.MTUBytes > wire.MaxPayload {
		return fmt.Errorf("config: mtu_bytes must be in (0, %d]", wire.MaxPayload)
	}
	if c.PacketsPerChunk <= 0 {
		return fmt.Errorf("config: packets_per_chunk must be > 0")
	}
	if c.NumChannels <= 0 {
		return fmt.Errorf("config: num_channels must be > 0")
	}
	if c.ChannelBasePort <= 0 || c.ChannelBasePort+c.NumChannels > 65535 {
		return fmt.Errorf("config: channel_base_port..+num_channels must fit in the port space")
	}
	if c.RTOMs <= 0 {
		return fmt.Errorf("config: rto_ms must be > 0")
	}
	if c.MaxInflightChunks <= 0 {
		return fmt.Errorf("config: max_inflight_chunks must be > 0")
	}
	if c.ECKData < 0 || c.ECMParity < 0 {
		return fmt.Errorf("config: ec_k_data/ec_m_parity must be >= 0")
	}
	if c.ECKData > 0 && c.ECMParity <= 0 {
		return fmt.Errorf("config: ec_m_parity must be > 0 when ec_k_data is set")
	}
	if c.ECKData > 0 && c.ECMaxRetries <= 0 {
		return fmt.Errorf("config: ec_max_retries must be > 0 when erasure coding is enabled")
	}
	switch c.ChannelTransport {
	case "udp", "websocket":
	default:
		return fmt.Errorf("config: channel_transport must be \"udp\" or \"websocket\", got %q", c.ChannelTransport)
	}
	if c.ControlStream.UTLS {
		switch c.ControlStream.Fingerprint {
		case "chrome", "firefox", "safari":
		default:
			return fmt.Errorf("config: control_stream.fingerprint must be chrome/firefox/safari, got %q", c.ControlStream.Fingerprint)
		}
	}
	return nil
}

// UsesErasureCoding reports whether this configuration requests EC (C9)
// rather than plain selective repeat (C8) for new transfers.
func (c *Config) UsesErasureCoding() bool {
	return c.ECKData > 0
}
