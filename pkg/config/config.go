package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fedtrust/pkg/auth"
	"fedtrust/pkg/storage"
	"fedtrust/pkg/utils"
)

const EnvPrefix = "FEDTRUST"

type Config struct {
	NodeID  string `mapstructure:"node_id"`
	DataDir string `mapstructure:"data_dir"`
	KeyFile string `mapstructure:"key_file"`

	Consensus ConsensusConfig `mapstructure:"consensus"`
	CrossSign CrossSignConfig `mapstructure:"crosssign"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Trust     TrustConfig     `mapstructure:"trust"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Peers     []PeerConfig    `mapstructure:"peers"`
}

type ConsensusConfig struct {
	Threshold       float64 `mapstructure:"threshold"`
	MinParticipants int     `mapstructure:"min_participants"`
	HistorySize     int     `mapstructure:"history_size"`
	AgreeReward     float64 `mapstructure:"agree_reward"`
	DisagreePenalty float64 `mapstructure:"disagree_penalty"`
}

type CrossSignConfig struct {
	MinPeerSignatures      int           `mapstructure:"min_peer_signatures"`
	MaxAnchorsPerHour      int           `mapstructure:"max_anchors_per_hour"`
	TimestampTolerance     time.Duration `mapstructure:"timestamp_tolerance"`
	ByzantineFactor        float64       `mapstructure:"byzantine_factor"`
	RequiredEvidenceFields []string      `mapstructure:"required_evidence_fields"`
}

type SyncConfig struct {
	IntervalMinutes  int           `mapstructure:"interval_minutes"`
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`
	Workers          int           `mapstructure:"workers"`
	FallbackMinTrust float64       `mapstructure:"fallback_min_trust"`
	QuorumKinds      []string      `mapstructure:"quorum_kinds"`
	MaxBatchSize     string        `mapstructure:"max_batch_size"`
}

func (s SyncConfig) Interval() time.Duration {
	return time.Duration(s.IntervalMinutes) * time.Minute
}

// MaxBatchBytes parses MaxBatchSize. Invalid values are rejected by
// Validate; here they yield zero.
func (s SyncConfig) MaxBatchBytes() int64 {
	n, err := utils.ParseDataSize(s.MaxBatchSize)
	if err != nil {
		return 0
	}
	return n
}

type TrustConfig struct {
	InitialScore float64 `mapstructure:"initial_score"`
	AuditSize    int     `mapstructure:"audit_size"`
}

type StorageConfig struct {
	Engine string `mapstructure:"engine"`
	Path   string `mapstructure:"path"`
}

type ServerConfig struct {
	HTTPAddress string      `mapstructure:"http_address"`
	GRPCAddress string      `mapstructure:"grpc_address"`
	TLS         auth.Config `mapstructure:"tls"`
}

// PeerConfig pre-registers a peer. PublicKey is the hex-encoded ed25519 key;
// the node ID is derived from it.
type PeerConfig struct {
	DisplayName  string `mapstructure:"display_name"`
	Organization string `mapstructure:"organization"`
	Endpoint     string `mapstructure:"endpoint"`
	PublicKey    string `mapstructure:"public_key"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node_id", "")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("key_file", "")

	v.SetDefault("consensus.threshold", 0.66)
	v.SetDefault("consensus.min_participants", 2)
	v.SetDefault("consensus.history_size", 100)
	v.SetDefault("consensus.agree_reward", 2.0)
	v.SetDefault("consensus.disagree_penalty", 5.0)

	v.SetDefault("crosssign.min_peer_signatures", 3)
	v.SetDefault("crosssign.max_anchors_per_hour", 10)
	v.SetDefault("crosssign.timestamp_tolerance", 300*time.Second)
	v.SetDefault("crosssign.byzantine_factor", 0.5)
	v.SetDefault("crosssign.required_evidence_fields", []string{"evidence_root", "rule_set", "scanner_version", "summary"})

	v.SetDefault("sync.interval_minutes", 60)
	v.SetDefault("sync.fetch_timeout", 30*time.Second)
	v.SetDefault("sync.workers", 4)
	v.SetDefault("sync.fallback_min_trust", 50.0)
	v.SetDefault("sync.quorum_kinds", []string{"anchor"})
	v.SetDefault("sync.max_batch_size", "64MiB")

	v.SetDefault("trust.initial_score", 50.0)
	v.SetDefault("trust.audit_size", 500)

	v.SetDefault("storage.engine", storage.EngineLevelDB)
	v.SetDefault("storage.path", "")

	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.grpc_address", ":9090")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.ca_file", "")
	v.SetDefault("server.tls.cert_file", "")
	v.SetDefault("server.tls.key_file", "")
	v.SetDefault("server.tls.require_client_cert", false)
	v.SetDefault("server.tls.min_version", "1.2")
}

// Default returns the built-in configuration without consulting files or
// the environment.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	cfg.fillPaths()
	return &cfg
}

// Load reads configuration from path (YAML, JSON or TOML by extension) and
// FEDTRUST_* environment variables. An empty path looks for fedtrust.* in
// the working directory and silently falls back to defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("fedtrust")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.fillPaths()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillPaths() {
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "state")
	}
	if c.KeyFile == "" {
		c.KeyFile = filepath.Join(c.DataDir, "node.key")
	}
}

func (c *Config) Validate() error {
	var errs []error

	if c.Consensus.Threshold <= 0 || c.Consensus.Threshold > 1 {
		errs = append(errs, fmt.Errorf("consensus.threshold must be in (0,1], got %v", c.Consensus.Threshold))
	}
	if c.Consensus.MinParticipants < 1 {
		errs = append(errs, fmt.Errorf("consensus.min_participants must be positive"))
	}
	if c.Consensus.HistorySize < 1 {
		errs = append(errs, fmt.Errorf("consensus.history_size must be positive"))
	}
	if c.Consensus.AgreeReward < 0 || c.Consensus.DisagreePenalty < 0 {
		errs = append(errs, fmt.Errorf("consensus rewards and penalties must not be negative"))
	}
	if c.CrossSign.MinPeerSignatures < 1 {
		errs = append(errs, fmt.Errorf("crosssign.min_peer_signatures must be positive"))
	}
	if c.CrossSign.MaxAnchorsPerHour < 0 {
		errs = append(errs, fmt.Errorf("crosssign.max_anchors_per_hour must not be negative"))
	}
	if c.CrossSign.TimestampTolerance <= 0 {
		errs = append(errs, fmt.Errorf("crosssign.timestamp_tolerance must be positive"))
	}
	if c.CrossSign.ByzantineFactor <= 0 || c.CrossSign.ByzantineFactor >= 1 {
		errs = append(errs, fmt.Errorf("crosssign.byzantine_factor must be in (0,1), got %v", c.CrossSign.ByzantineFactor))
	}
	if c.Sync.IntervalMinutes < 1 {
		errs = append(errs, fmt.Errorf("sync.interval_minutes must be positive"))
	}
	if c.Sync.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.fetch_timeout must be positive"))
	}
	if c.Sync.Workers < 1 {
		errs = append(errs, fmt.Errorf("sync.workers must be positive"))
	}
	if n, err := utils.ParseDataSize(c.Sync.MaxBatchSize); err != nil {
		errs = append(errs, fmt.Errorf("sync.max_batch_size: %w", err))
	} else if n < 1<<10 {
		errs = append(errs, fmt.Errorf("sync.max_batch_size must be at least 1KiB"))
	}
	if c.Sync.FallbackMinTrust < 0 || c.Sync.FallbackMinTrust > 100 {
		errs = append(errs, fmt.Errorf("sync.fallback_min_trust must be in [0,100]"))
	}
	if c.Trust.InitialScore < 0 || c.Trust.InitialScore > 100 {
		errs = append(errs, fmt.Errorf("trust.initial_score must be in [0,100]"))
	}
	if c.Trust.AuditSize < 1 {
		errs = append(errs, fmt.Errorf("trust.audit_size must be positive"))
	}
	switch c.Storage.Engine {
	case storage.EngineLevelDB, storage.EnginePebble:
	default:
		errs = append(errs, fmt.Errorf("storage.engine must be leveldb or pebble, got %q", c.Storage.Engine))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, p := range c.Peers {
		if p.PublicKey == "" {
			errs = append(errs, fmt.Errorf("peers[%d]: public_key is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
