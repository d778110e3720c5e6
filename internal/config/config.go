// Package config loads the YAML configuration shared by the demo binaries:
// listen addresses, the identity registry's Postgres DSN, the session
// store's Redis DSN, log level, and handshake timeout.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a securesession demo process.
type Config struct {
	Identity  IdentityConfig  `yaml:"identity"`
	Transport TransportConfig `yaml:"transport"`
	Registry  RegistryConfig  `yaml:"registry"`
	Store     StoreConfig     `yaml:"store"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// IdentityConfig names this process's own peer id, used to register and
// look itself up in the registry.
type IdentityConfig struct {
	PeerID         string `yaml:"peer_id"`
	SigningKeyPath string `yaml:"signing_key_path"`
}

// TransportConfig selects and configures the Transport collaborator a demo
// binary wires its Session through.
type TransportConfig struct {
	Mode       string `yaml:"mode"` // "websocket", "quic", or "tun"
	ListenAddr string `yaml:"listen_addr"`
	DialAddr   string `yaml:"dial_addr"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
}

// RegistryConfig points at the Postgres-backed identity registry.
type RegistryConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
}

// StoreConfig points at the Redis-backed session store.
type StoreConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// HandshakeConfig holds handshake limits. securesession-relay applies
// RateLimitPerMin per peer id; Timeout and MaxPendingPerPeer are loaded and
// defaulted but no command in this module reads them.
type HandshakeConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	RateLimitPerMin   int           `yaml:"rate_limit_per_min"`
	MaxPendingPerPeer int           `yaml:"max_pending_per_peer"`
}

// LoggingConfig holds the log level and output file passed to
// securelog.InitDefault. MaxSizeMB and MaxBackups are not passed to
// securelog, whose rotation uses its own fixed limits.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Load reads and validates a Config from a YAML file at path, filling in
// defaults for anything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Transport.Mode == "" {
		c.Transport.Mode = "websocket"
	}
	if c.Transport.ListenAddr == "" {
		c.Transport.ListenAddr = ":8443"
	}

	if c.Registry.Port == 0 {
		c.Registry.Port = 5432
	}
	if c.Registry.SSLMode == "" {
		c.Registry.SSLMode = "disable"
	}

	if c.Store.Port == 0 {
		c.Store.Port = 6379
	}
	if c.Store.TTL == 0 {
		c.Store.TTL = 24 * time.Hour
	}

	if c.Handshake.Timeout == 0 {
		c.Handshake.Timeout = 30 * time.Second
	}
	if c.Handshake.RateLimitPerMin == 0 {
		c.Handshake.RateLimitPerMin = 60
	}
	if c.Handshake.MaxPendingPerPeer == 0 {
		c.Handshake.MaxPendingPerPeer = 4
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
}

func (c *Config) validate() error {
	if c.Identity.PeerID == "" {
		return fmt.Errorf("identity.peer_id is required")
	}

	switch c.Transport.Mode {
	case "websocket", "quic", "tun":
	default:
		return fmt.Errorf("unknown transport.mode: %q", c.Transport.Mode)
	}

	if c.Registry.Host == "" {
		return fmt.Errorf("registry.host is required")
	}
	if c.Registry.User == "" {
		return fmt.Errorf("registry.user is required")
	}
	if c.Registry.DBName == "" {
		return fmt.Errorf("registry.dbname is required")
	}

	if c.Store.Host == "" {
		return fmt.Errorf("store.host is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}

	return nil
}

// RegistryDSN builds the libpq connection string for the identity registry.
func (r RegistryConfig) RegistryDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		r.Host, r.Port, r.User, r.Password, r.DBName, r.SSLMode)
}

// Addr builds the host:port address go-redis expects.
func (s StoreConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
