// Package config defines the node configuration, loaded from a YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"time"
)

// Config represents the full node configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Replication ReplicationConfig `mapstructure:"replication"`
	HashRing    HashRingConfig    `mapstructure:"hash_ring"`
	Membership  MembershipConfig  `mapstructure:"membership"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Migration   MigrationConfig   `mapstructure:"migration"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	NodeID          string        `mapstructure:"node_id"`
	AdvertiseAddr   string        `mapstructure:"advertise_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ReplicationConfig represents the quorum replication parameters
type ReplicationConfig struct {
	Factor        int           `mapstructure:"factor"`
	WriteQuorum   int           `mapstructure:"write_quorum"`
	ReadQuorum    int           `mapstructure:"read_quorum"`
	OpTimeout     time.Duration `mapstructure:"op_timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// HashRingConfig represents consistent hashing configuration
type HashRingConfig struct {
	VirtualNodes int `mapstructure:"virtual_nodes"`
}

// MemberSeed identifies a peer to contact on startup
type MemberSeed struct {
	ID   string `mapstructure:"id"`
	Addr string `mapstructure:"addr"`
}

// MembershipConfig represents gossip and failure detector configuration
type MembershipConfig struct {
	Seeds             []MemberSeed  `mapstructure:"seeds"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MissedThreshold   int           `mapstructure:"missed_threshold"`
	DeadGrace         time.Duration `mapstructure:"dead_grace"`
	GossipInterval    time.Duration `mapstructure:"gossip_interval"`
}

// StorageConfig represents the in-memory engine configuration
type StorageConfig struct {
	TombstoneGrace time.Duration `mapstructure:"tombstone_grace"`
	GCInterval     time.Duration `mapstructure:"gc_interval"`
}

// MigrationConfig represents range migration configuration
type MigrationConfig struct {
	CopyRate     float64       `mapstructure:"copy_rate"`
	CopyBurst    int           `mapstructure:"copy_burst"`
	DrainRounds  int           `mapstructure:"drain_rounds"`
	OpTimeout    time.Duration `mapstructure:"op_timeout"`
	CleanupDelay time.Duration `mapstructure:"cleanup_delay"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.NodeID == "" {
		return errors.New("server.node_id is required")
	}
	if c.Replication.Factor <= 0 {
		return errors.New("replication.factor must be positive")
	}
	if c.Replication.WriteQuorum <= 0 || c.Replication.WriteQuorum > c.Replication.Factor {
		return errors.New("replication.write_quorum must be in [1, replication.factor]")
	}
	if c.Replication.ReadQuorum <= 0 || c.Replication.ReadQuorum > c.Replication.Factor {
		return errors.New("replication.read_quorum must be in [1, replication.factor]")
	}
	if c.HashRing.VirtualNodes <= 0 {
		return errors.New("hash_ring.virtual_nodes must be positive")
	}
	if c.Membership.MissedThreshold <= 0 {
		return errors.New("membership.missed_threshold must be positive")
	}
	if c.Membership.HeartbeatInterval <= 0 {
		return errors.New("membership.heartbeat_interval must be positive")
	}
	if c.Membership.DeadGrace <= 0 {
		return errors.New("membership.dead_grace must be positive")
	}
	for _, seed := range c.Membership.Seeds {
		if seed.ID == "" || seed.Addr == "" {
			return errors.New("membership.seeds entries need both id and addr")
		}
	}
	if c.Migration.CopyRate < 0 {
		return errors.New("migration.copy_rate must not be negative")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if !isValidLogLevel(c.Logging.Level) {
		return errors.New("logging.level must be one of: debug, info, warn, error")
	}
	return nil
}

// isValidLogLevel checks if the log level is valid
func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            7400,
			NodeID:          "strand-1",
			ShutdownTimeout: 30 * time.Second,
		},
		Replication: ReplicationConfig{
			Factor:        3,
			WriteQuorum:   2,
			ReadQuorum:    2,
			OpTimeout:     2 * time.Second,
			RetryAttempts: 2,
			RetryBackoff:  25 * time.Millisecond,
		},
		HashRing: HashRingConfig{
			VirtualNodes: 150,
		},
		Membership: MembershipConfig{
			HeartbeatInterval: 500 * time.Millisecond,
			MissedThreshold:   3,
			DeadGrace:         5 * time.Second,
			GossipInterval:    time.Second,
		},
		Storage: StorageConfig{
			TombstoneGrace: 10 * time.Minute,
			GCInterval:     time.Minute,
		},
		Migration: MigrationConfig{
			CopyRate:     5000,
			CopyBurst:    256,
			DrainRounds:  3,
			OpTimeout:    5 * time.Second,
			CleanupDelay: 10 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
