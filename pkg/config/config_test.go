package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 0.66, cfg.Consensus.Threshold)
	assert.Equal(t, 2, cfg.Consensus.MinParticipants)
	assert.Equal(t, 100, cfg.Consensus.HistorySize)
	assert.Equal(t, 3, cfg.CrossSign.MinPeerSignatures)
	assert.Equal(t, 10, cfg.CrossSign.MaxAnchorsPerHour)
	assert.Equal(t, 300*time.Second, cfg.CrossSign.TimestampTolerance)
	assert.Equal(t, 0.5, cfg.CrossSign.ByzantineFactor)
	assert.Equal(t, []string{"evidence_root", "rule_set", "scanner_version", "summary"}, cfg.CrossSign.RequiredEvidenceFields)
	assert.Equal(t, time.Hour, cfg.Sync.Interval())
	assert.Equal(t, 30*time.Second, cfg.Sync.FetchTimeout)
	assert.Equal(t, 50.0, cfg.Sync.FallbackMinTrust)
	assert.Equal(t, []string{"anchor"}, cfg.Sync.QuorumKinds)
	assert.Equal(t, int64(64<<20), cfg.Sync.MaxBatchBytes())
	assert.Equal(t, "leveldb", cfg.Storage.Engine)
	assert.Equal(t, filepath.Join("data", "state"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join("data", "node.key"), cfg.KeyFile)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fedtrust.yaml")
	content := `
data_dir: /var/lib/fedtrust
consensus:
  threshold: 0.75
crosssign:
  timestamp_tolerance: 2m
sync:
  fetch_timeout: 5s
  quorum_kinds: [anchor, release]
storage:
  engine: pebble
server:
  tls:
    enabled: true
    ca_file: /etc/fedtrust/federation-ca.pem
    cert_file: /etc/fedtrust/node.crt
    key_file: /etc/fedtrust/node.key
peers:
  - display_name: Acme
    organization: Acme Corp
    endpoint: https://acme.example/fedtrust
    public_key: 0a0b0c
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 0.75, cfg.Consensus.Threshold)
	assert.Equal(t, 2*time.Minute, cfg.CrossSign.TimestampTolerance)
	assert.Equal(t, 5*time.Second, cfg.Sync.FetchTimeout)
	assert.Equal(t, []string{"anchor", "release"}, cfg.Sync.QuorumKinds)
	assert.Equal(t, "pebble", cfg.Storage.Engine)
	assert.True(t, cfg.Server.TLS.Enabled)
	assert.Equal(t, "/etc/fedtrust/node.crt", cfg.Server.TLS.CertFile)
	assert.Equal(t, "1.2", cfg.Server.TLS.MinVersion)
	assert.Equal(t, "/var/lib/fedtrust/state", cfg.Storage.Path)
	require.Len(t, cfg.Peers, 1)
	assert.Equal(t, "https://acme.example/fedtrust", cfg.Peers[0].Endpoint)

	// Untouched keys keep their defaults.
	assert.Equal(t, 2, cfg.Consensus.MinParticipants)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("FEDTRUST_NODE_ID", "node-abc")
	t.Setenv("FEDTRUST_SYNC_WORKERS", "9")
	t.Setenv("FEDTRUST_CONSENSUS_THRESHOLD", "0.9")

	path := filepath.Join(t.TempDir(), "fedtrust.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"sync": {"workers": 2}}`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "node-abc", cfg.NodeID)
	assert.Equal(t, 9, cfg.Sync.Workers)
	assert.Equal(t, 0.9, cfg.Consensus.Threshold)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero threshold", func(c *Config) { c.Consensus.Threshold = 0 }},
		{"threshold above one", func(c *Config) { c.Consensus.Threshold = 1.5 }},
		{"no participants", func(c *Config) { c.Consensus.MinParticipants = 0 }},
		{"no quorum", func(c *Config) { c.CrossSign.MinPeerSignatures = 0 }},
		{"byzantine factor one", func(c *Config) { c.CrossSign.ByzantineFactor = 1 }},
		{"no workers", func(c *Config) { c.Sync.Workers = 0 }},
		{"gate above range", func(c *Config) { c.Sync.FallbackMinTrust = 101 }},
		{"bad batch size", func(c *Config) { c.Sync.MaxBatchSize = "lots" }},
		{"tiny batch size", func(c *Config) { c.Sync.MaxBatchSize = "12" }},
		{"unknown engine", func(c *Config) { c.Storage.Engine = "bolt" }},
		{"peer without key", func(c *Config) { c.Peers = []PeerConfig{{DisplayName: "x"}} }},
		{"tls without files", func(c *Config) { c.Server.TLS.Enabled = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
