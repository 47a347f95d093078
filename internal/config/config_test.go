package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, doc map[string]any) string {
	t.Helper()
	buf, err := yaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "strand.yaml")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Replication.Factor)
	assert.Equal(t, 2, cfg.Replication.WriteQuorum)
	assert.Equal(t, 150, cfg.HashRing.VirtualNodes)
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfigFile(t, map[string]any{
		"server": map[string]any{
			"host":    "10.0.0.5",
			"port":    7500,
			"node_id": "cache-7",
		},
		"replication": map[string]any{
			"factor":       5,
			"write_quorum": 3,
			"read_quorum":  3,
		},
		"membership": map[string]any{
			"seeds": []map[string]any{
				{"id": "cache-1", "addr": "10.0.0.1:7400"},
				{"id": "cache-2", "addr": "10.0.0.2:7400"},
			},
			"heartbeat_interval": "250ms",
		},
	})

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "cache-7", cfg.Server.NodeID)
	assert.Equal(t, 7500, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Replication.Factor)
	assert.Equal(t, 3, cfg.Replication.WriteQuorum)
	require.Len(t, cfg.Membership.Seeds, 2)
	assert.Equal(t, "cache-1", cfg.Membership.Seeds[0].ID)
	assert.Equal(t, "10.0.0.1:7400", cfg.Membership.Seeds[0].Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Membership.HeartbeatInterval)

	// Untouched sections keep their defaults.
	assert.Equal(t, 150, cfg.HashRing.VirtualNodes)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Server.Port, cfg.Server.Port)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("STRAND_NODE_ID", "cache-env")
	t.Setenv("SERVER_PORT", "7999")
	t.Setenv("STRAND_SEEDS", "cache-1=10.0.0.1:7400, cache-2=10.0.0.2:7400")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "cache-env", cfg.Server.NodeID)
	assert.Equal(t, 7999, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.Len(t, cfg.Membership.Seeds, 2)
	assert.Equal(t, "cache-2", cfg.Membership.Seeds[1].ID)
}

func TestValidateRejectsBadQuorums(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Replication.WriteQuorum = 4
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "write_quorum")

	cfg = DefaultConfig()
	cfg.Replication.ReadQuorum = 0
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read_quorum")
}

func TestValidateRejectsMissingNodeID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.NodeID = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsIncompleteSeed(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Membership.Seeds = []MemberSeed{{ID: "cache-1"}}
	assert.Error(t, cfg.Validate())
}
