package config

import (
	"fmt"
	"time"

	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/keyspace"
)

// Config holds all configuration for a ring node
type Config struct {
	// Node identification
	NodeID int    `yaml:"id"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`

	// Root contact, non-root nodes only
	RootHost string `yaml:"root_host"`
	RootPort int    `yaml:"root_port"`

	// Seeds preload the root's store
	Seeds map[int]string `yaml:"seeds"`

	// Protocol parameters
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`     // Per-message read/write deadline
	JoinTimeout    time.Duration `yaml:"join_timeout"`    // How long enter waits for acceptance
	RequestTimeout time.Duration `yaml:"request_timeout"` // How long the root waits for a routed result
	DialAttempts   uint          `yaml:"dial_attempts"`   // Dial retries before a peer counts as unreachable
	DialDelay      time.Duration `yaml:"dial_delay"`
	MaxFrameSize   int           `yaml:"max_frame_size"`

	// Admin surface, 0 disables
	HTTPPort   int    `yaml:"http_port"`
	GRPCPort   int    `yaml:"grpc_port"`
	AdminToken string `yaml:"admin_token"` // Required on admin gRPC calls when set

	// Logging
	LogLevel  string `yaml:"log_level"`  // trace, debug, info, warn, error
	LogFormat string `yaml:"log_format"` // json, console
	LogFile   string `yaml:"log_file"`
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		NodeID:         keyspace.Root,
		Host:           "127.0.0.1",
		Port:           8440,
		Seeds:          make(map[int]string),
		RPCTimeout:     5 * time.Second,
		JoinTimeout:    30 * time.Second,
		RequestTimeout: 10 * time.Second,
		DialAttempts:   3,
		DialDelay:      100 * time.Millisecond,
		MaxFrameSize:   64 * 1024,
		LogLevel:       "info",
		LogFormat:      "console",
	}
}

// IsRoot reports whether this node bootstraps the ring.
func (c *Config) IsRoot() bool {
	return c.NodeID == keyspace.Root
}

// Address returns the node's listen address in "host:port" format.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RootAddress returns the root's address in "host:port" format.
func (c *Config) RootAddress() string {
	if c.IsRoot() {
		return c.Address()
	}
	return fmt.Sprintf("%s:%d", c.RootHost, c.RootPort)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !keyspace.Valid(c.NodeID) {
		return fmt.Errorf("node id must be between 0 and %d, got %d", keyspace.MaxID, c.NodeID)
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	// port 0 asks the OS for an ephemeral port
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 0 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("rpc timeout must be positive, got %s", c.RPCTimeout)
	}
	if c.JoinTimeout <= 0 {
		return fmt.Errorf("join timeout must be positive, got %s", c.JoinTimeout)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.DialAttempts == 0 {
		return fmt.Errorf("dial attempts must be at least 1")
	}
	if c.MaxFrameSize < 64 {
		return fmt.Errorf("max frame size too small: %d", c.MaxFrameSize)
	}

	if c.IsRoot() {
		for key, value := range c.Seeds {
			if !keyspace.Valid(key) {
				return fmt.Errorf("seed key %d: %w", key, pkg.ErrKeyOutOfRange)
			}
			if !pkg.ValidValue(value) {
				return fmt.Errorf("seed key %d: %w", key, pkg.ErrInvalidValue)
			}
		}
		return nil
	}

	if len(c.Seeds) > 0 {
		return fmt.Errorf("only the root node can be seeded with keys")
	}
	if c.RootHost == "" {
		return fmt.Errorf("non-root node requires the root address")
	}
	if c.RootPort <= 0 || c.RootPort > 65535 {
		return fmt.Errorf("invalid root port: %d", c.RootPort)
	}
	return nil
}

// LoggerConfig derives the logger configuration for this node.
func (c *Config) LoggerConfig() *pkg.Config {
	lc := pkg.DefaultConfig()
	lc.Level = c.LogLevel
	lc.Format = c.LogFormat
	lc.Fields = pkg.Fields{"service": "ringkv"}
	if c.LogFile != "" {
		lc.File.Enable = true
		lc.File.Path = c.LogFile
	}
	return lc
}
