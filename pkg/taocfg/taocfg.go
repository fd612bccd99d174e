// Package taocfg loads and validates the process configuration for a taodb
// node: shard topology, WAL durability policy, cache sizing, and the
// inverse-association registry. Configuration is authored as YAML, the same
// format the teacher used for its cache knobs, and loaded with
// gopkg.in/yaml.v3.
//
// © 2025 taodb authors. MIT License.
package taocfg

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ShardEndpoint describes one shard's identity and storage location.
type ShardEndpoint struct {
	ID  uint16 `yaml:"id"`
	Dir string `yaml:"dir"`
}

// FsyncPolicy selects the WAL's durability/throughput tradeoff.
type FsyncPolicy struct {
	Mode         string        `yaml:"mode"` // "per_op" or "group"
	GroupWindow  time.Duration `yaml:"group_window"`
	SegmentBytes int64         `yaml:"segment_bytes"`
}

// CacheTierConfig sizes one cache tier.
type CacheTierConfig struct {
	CapacityBytes int64         `yaml:"capacity_bytes"`
	TTL           time.Duration `yaml:"ttl"`
	Shards        uint8         `yaml:"shards"`
}

// InverseRule binds an association type to its inverse policy. Type names
// the association type; Policy is "none", "self", or "inverse"; when
// "inverse", InverseType names the opposite edge type.
type InverseRule struct {
	Type        string `yaml:"type"`
	Policy      string `yaml:"policy"`
	InverseType string `yaml:"inverse_type,omitempty"`
}

// RetryPolicy bounds how many times and how long pkg/tao waits before
// surfacing KindShardUnavailable from a shard write that keeps failing.
type RetryPolicy struct {
	MaxAttempts   int   `yaml:"max_attempts"`
	BaseBackoffMs int64 `yaml:"base_backoff_ms"`
}

// ClockPolicy bounds how far the wall clock may move backwards before a
// shard's id generator refuses to issue an id.
type ClockPolicy struct {
	MaxRegressionMs int64 `yaml:"max_regression_ms"`
}

// Config is the full process configuration.
type Config struct {
	Shards         []ShardEndpoint `yaml:"shards"`
	WALDir         string          `yaml:"wal_dir"`
	WALFsync       FsyncPolicy     `yaml:"wal_fsync"`
	ObjectCache    CacheTierConfig `yaml:"object_cache"`
	AssocListCache CacheTierConfig `yaml:"assoc_list_cache"`
	CountCache     CacheTierConfig `yaml:"count_cache"`
	InverseRules   []InverseRule   `yaml:"inverse_rules"`
	HTTPAddr       string          `yaml:"http_addr"`
	SystemTokens   []string        `yaml:"system_tokens"`
	IDEpochMs      int64           `yaml:"id_epoch_ms"`
	Clock          ClockPolicy     `yaml:"clock"`
	Retry          RetryPolicy     `yaml:"retry"`
}

// Default returns a single-shard, in-memory configuration suitable for tests
// and local development.
func Default() *Config {
	return &Config{
		Shards:   []ShardEndpoint{{ID: 0, Dir: ""}},
		WALDir:   "",
		WALFsync: FsyncPolicy{Mode: "per_op", SegmentBytes: 64 << 20},
		ObjectCache: CacheTierConfig{
			CapacityBytes: 64 << 20,
			TTL:           5 * time.Minute,
			Shards:        8,
		},
		AssocListCache: CacheTierConfig{
			CapacityBytes: 64 << 20,
			TTL:           2 * time.Minute,
			Shards:        8,
		},
		CountCache: CacheTierConfig{
			CapacityBytes: 16 << 20,
			TTL:           10 * time.Minute,
			Shards:        8,
		},
		HTTPAddr:  ":7200",
		IDEpochMs: 0,
		Clock:     ClockPolicy{MaxRegressionMs: 0},
		Retry:     RetryPolicy{MaxAttempts: 3, BaseBackoffMs: 20},
	}
}

// Load reads and validates a Config from a YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taocfg: read %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("taocfg: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("taocfg: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks internal consistency: a dense shard table, a known fsync
// mode, and inverse rules that reference a policy this process understands.
func (c *Config) Validate() error {
	if len(c.Shards) == 0 {
		return fmt.Errorf("at least one shard is required")
	}
	for i, s := range c.Shards {
		if int(s.ID) != i {
			return fmt.Errorf("shards must be dense and ordered by id: index %d has id %d", i, s.ID)
		}
	}
	switch c.WALFsync.Mode {
	case "per_op", "group":
	default:
		return fmt.Errorf("wal_fsync.mode must be per_op or group, got %q", c.WALFsync.Mode)
	}
	if c.WALFsync.Mode == "group" && c.WALFsync.GroupWindow <= 0 {
		return fmt.Errorf("wal_fsync.group_window must be > 0 when mode is group")
	}
	for _, r := range c.InverseRules {
		switch r.Policy {
		case "none", "self":
		case "inverse":
			if r.InverseType == "" {
				return fmt.Errorf("inverse rule for %q: policy inverse requires inverse_type", r.Type)
			}
		default:
			return fmt.Errorf("inverse rule for %q: unknown policy %q", r.Type, r.Policy)
		}
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseBackoffMs < 0 {
		return fmt.Errorf("retry.base_backoff_ms must be >= 0, got %d", c.Retry.BaseBackoffMs)
	}
	if c.Clock.MaxRegressionMs < 0 {
		return fmt.Errorf("clock.max_regression_ms must be >= 0, got %d", c.Clock.MaxRegressionMs)
	}
	return nil
}
