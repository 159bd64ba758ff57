// Package config provides YAML configuration loading and validation for an
// edp node.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the top-level configuration structure for an edp node.
type NodeConfig struct {
	// Name is this node's distribution name, e.g. "client@127.0.0.1".
	// Required.
	Name string `yaml:"name"`

	// Cookie authenticates the handshake with every peer. Required.
	Cookie string `yaml:"cookie"`

	// EpmdAddr is the EPMD instance this node resolves peers through
	// (host:port). Defaults to "127.0.0.1:4369" when omitted.
	EpmdAddr string `yaml:"epmd_addr"`

	// Creation distinguishes successive incarnations of the same node name.
	// Zero means "let the peer assign it during handshake" where the peer
	// supports that; most callers set this explicitly.
	Creation uint32 `yaml:"creation"`

	// HandshakeTimeout bounds one connect-handshake attempt. Defaults to 10s
	// when omitted.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// ReconnectDelay is the initial backoff between connmgr reconnect
	// attempts. Defaults to 1s when omitted.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// ReconnectMaxDelay caps the doubling backoff. Defaults to 30s when
	// omitted.
	ReconnectMaxDelay time.Duration `yaml:"reconnect_max_delay"`

	// HeartbeatInterval is the period between distribution-mode tick frames.
	// No default is applied: zero, including an omitted value, disables
	// ticking. A negative value is not rejected and also disables ticking.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// FragmentReassemblyTimeout bounds how long a partially-received
	// fragmented message is held before being discarded. Defaults to 30s.
	FragmentReassemblyTimeout time.Duration `yaml:"fragment_reassembly_timeout"`

	// MailboxCapacity is the default bound applied to a process mailbox
	// when the caller does not request a specific one. Defaults to 1000.
	MailboxCapacity int `yaml:"mailbox_capacity"`

	// OutboxPath, if non-empty, enables the durable send spool at this
	// SQLite database path. Empty means sends to an unreachable peer fail
	// immediately instead of being queued.
	OutboxPath string `yaml:"outbox_path,omitempty"`

	// AuditLogPath, if non-empty, enables the tamper-evident handshake/
	// connection audit log at this path.
	AuditLogPath string `yaml:"audit_log_path,omitempty"`

	// EventStoreDSN, if non-empty, enables the Postgres connection-lifecycle
	// event sink.
	EventStoreDSN string `yaml:"event_store_dsn,omitempty"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// AdminAddr is the listen address for the admin HTTP API
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	AdminAddr string `yaml:"admin_addr"`

	// MetricsAddr is the listen address for the /metrics Prometheus
	// endpoint. Defaults to "127.0.0.1:9100" when omitted.
	MetricsAddr string `yaml:"metrics_addr"`

	// Peers is the set of distribution nodes this node dials on startup.
	// Additional peers discovered later (e.g. via an inbound connection)
	// are not listed here.
	Peers []PeerConfig `yaml:"peers"`
}

// PeerConfig names one peer node to resolve through EPMD and connect to.
type PeerConfig struct {
	// Name is the peer's distribution name, e.g. "server@127.0.0.1".
	// Required.
	Name string `yaml:"name"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into NodeConfig,
// applies defaults, and validates all required fields. On validation failure
// it returns one error joining every failure found, not just the first.
func LoadConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg NodeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *NodeConfig) {
	if cfg.EpmdAddr == "" {
		cfg.EpmdAddr = "127.0.0.1:4369"
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectDelay == 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.ReconnectMaxDelay == 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.FragmentReassemblyTimeout == 0 {
		cfg.FragmentReassemblyTimeout = 30 * time.Second
	}
	if cfg.MailboxCapacity == 0 {
		cfg.MailboxCapacity = 1000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AdminAddr == "" {
		cfg.AdminAddr = "127.0.0.1:9000"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = "127.0.0.1:9100"
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *NodeConfig) error {
	var errs []error

	if cfg.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if cfg.Cookie == "" {
		errs = append(errs, errors.New("cookie is required"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.HandshakeTimeout < 0 {
		errs = append(errs, errors.New("handshake_timeout must not be negative"))
	}
	if cfg.ReconnectDelay < 0 {
		errs = append(errs, errors.New("reconnect_delay must not be negative"))
	}
	if cfg.ReconnectMaxDelay < 0 {
		errs = append(errs, errors.New("reconnect_max_delay must not be negative"))
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectDelay {
		errs = append(errs, errors.New("reconnect_max_delay must not be smaller than reconnect_delay"))
	}

	for i, p := range cfg.Peers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: name is required", i))
		}
	}

	return errors.Join(errs...)
}
