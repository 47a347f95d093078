package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Config file is optional if environment variables are set
	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("Warning: Could not read config file %s: %v. Using defaults and environment variables.\n", configPath, err)
	} else {
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// applyEnvironmentOverrides applies environment variable overrides to config
func applyEnvironmentOverrides(cfg *Config) {
	if nodeID := os.Getenv("STRAND_NODE_ID"); nodeID != "" {
		cfg.Server.NodeID = nodeID
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if addr := os.Getenv("STRAND_ADVERTISE_ADDR"); addr != "" {
		cfg.Server.AdvertiseAddr = addr
	}

	// STRAND_SEEDS holds comma-separated id=addr pairs, replacing the
	// file's seed list entirely.
	if seeds := os.Getenv("STRAND_SEEDS"); seeds != "" {
		var parsed []MemberSeed
		for _, pair := range strings.Split(seeds, ",") {
			id, addr, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok {
				continue
			}
			parsed = append(parsed, MemberSeed{ID: id, Addr: addr})
		}
		if len(parsed) > 0 {
			cfg.Membership.Seeds = parsed
		}
	}

	if factor := os.Getenv("REPLICATION_FACTOR"); factor != "" {
		if n, err := strconv.Atoi(factor); err == nil {
			cfg.Replication.Factor = n
		}
	}

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}
