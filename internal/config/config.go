package config

import (
	"fmt"
	"net"
	"time"

	"github.com/muurk/dtp/internal/codec"
	"github.com/muurk/dtp/internal/crypt"
)

const (
	// CurrentVersion is the config file format version
	CurrentVersion = 1

	// DefaultPort is the TCP port the server binds when none is given
	DefaultPort = 29275

	// DefaultMaxFrameSize bounds inbound frames (64 MiB)
	DefaultMaxFrameSize = 64 << 20
)

// Config represents the entire configuration file
type Config struct {
	Version  int          `yaml:"version"`
	Server   ServerConfig `yaml:"server"`
	Client   ClientConfig `yaml:"client"`
	Codec    CodecConfig  `yaml:"codec"`
	LogLevel string       `yaml:"log_level,omitempty"` // debug, info, warn, error; empty is silent
}

// ServerConfig holds dtp-server settings
type ServerConfig struct {
	Host             string        `yaml:"host,omitempty"` // Empty resolves the host's own address
	Port             int           `yaml:"port"`
	MaxFrameSize     int           `yaml:"max_frame_size"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"` // Zero waits forever
	MessageTTL       time.Duration `yaml:"message_ttl,omitempty"`       // Zero accepts any age
	Suite            string        `yaml:"suite,omitempty"`             // Restricts accepted suites
	MetricsAddr      string        `yaml:"metrics_addr,omitempty"`      // e.g. ":9090"; empty disables
}

// ClientConfig holds dtp-client settings
type ClientConfig struct {
	Server     string        `yaml:"server"` // host:port
	Suite      string        `yaml:"suite"`
	MessageTTL time.Duration `yaml:"message_ttl,omitempty"`
	Timeout    time.Duration `yaml:"timeout"` // Dial and handshake
	Nickname   string        `yaml:"nickname,omitempty"`
}

// CodecConfig selects payload serialization. Both ends must agree.
type CodecConfig struct {
	Compression string `yaml:"compression,omitempty"` // "", "s2" or "zstd"
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Port:         DefaultPort,
			MaxFrameSize: DefaultMaxFrameSize,
		},
		Client: ClientConfig{
			Server:  net.JoinHostPort("127.0.0.1", fmt.Sprint(DefaultPort)),
			Suite:   crypt.SuiteXChaCha20Poly1305.String(),
			Timeout: 10 * time.Second,
		},
	}
}

// Validate checks values that would otherwise fail later, at Start or
// Connect time
func (c *Config) Validate() error {
	if c.Version != CurrentVersion {
		return fmt.Errorf("unsupported config version: %d (expected %d)", c.Version, CurrentVersion)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.MaxFrameSize < 0 {
		return fmt.Errorf("server.max_frame_size must not be negative")
	}
	if c.Server.HandshakeTimeout < 0 || c.Server.MessageTTL < 0 || c.Client.MessageTTL < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Server.Suite != "" {
		if _, err := crypt.ParseSuite(c.Server.Suite); err != nil {
			return fmt.Errorf("server.suite: %w", err)
		}
	}
	if _, err := crypt.ParseSuite(c.Client.Suite); err != nil {
		return fmt.Errorf("client.suite: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Client.Server); err != nil {
		return fmt.Errorf("client.server: %w", err)
	}
	switch c.Codec.Compression {
	case codec.CompressionNone, codec.CompressionS2, codec.CompressionZstd:
	default:
		return fmt.Errorf("codec.compression: unknown compression %q", c.Codec.Compression)
	}
	return nil
}

// NewCodec builds the payload codec the config describes
func (c *Config) NewCodec() (codec.Codec, error) {
	return codec.Compressed(codec.JSON{}, c.Codec.Compression)
}

// ServerSuite returns the suite the server accepts, zero for any
func (c *Config) ServerSuite() (crypt.Suite, error) {
	if c.Server.Suite == "" {
		return 0, nil
	}
	return crypt.ParseSuite(c.Server.Suite)
}

// ClientSuite returns the suite the client proposes
func (c *Config) ClientSuite() (crypt.Suite, error) {
	return crypt.ParseSuite(c.Client.Suite)
}
