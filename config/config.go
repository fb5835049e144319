// Package config loads and validates the REPLOID runtime configuration: the
// recognized keys of spec §6, their defaults, and how they are resolved from
// an on-disk bootstrap file and the VFS-persisted copy under /.config/.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/reploid-dev/reploid/hitl"
	"github.com/reploid-dev/reploid/vfs"
)

// Path is the reserved VFS location for the persisted configuration copy
// (spec §6 "/.config/… — persisted configuration").
const Path vfs.Path = "/.config/reploid.yaml"

// Config holds every recognized configuration key (spec §6).
type Config struct {
	ContextBudget           int    `yaml:"context_budget"`
	MaxIterations           int    `yaml:"max_iterations"`
	MaxSessionTokens        int    `yaml:"max_session_tokens"`
	ToolTimeoutMs           int    `yaml:"tool_timeout_ms"`
	ToolOutputCeilingBytes  int64  `yaml:"tool_output_ceiling_bytes"`
	VFSFileReadCeilingBytes int64  `yaml:"vfs_file_read_ceiling_bytes"`
	VFSTotalQuotaBytes      int64  `yaml:"vfs_total_quota_bytes"`
	HITLMode                string `yaml:"hitl_mode"`
	HITLN                   int    `yaml:"hitl_n"`
	ArenaEnabled            bool   `yaml:"arena_enabled"`
	ArenaCompetitorCount    int    `yaml:"arena_competitor_count"`
	SwarmEnabled            bool   `yaml:"swarm_enabled"`
	SwarmRoomToken          string  `yaml:"swarm_room_token"`
	SnapshotRetention       int     `yaml:"snapshot_retention"`
	FetchRatePerSecond      float64 `yaml:"fetch_rate_per_second"`
}

// Default returns the configuration applied when no bootstrap file or
// VFS-persisted copy overrides a key.
func Default() Config {
	return Config{
		ContextBudget:           32000,
		MaxIterations:           50,
		MaxSessionTokens:        0,
		ToolTimeoutMs:           30000,
		ToolOutputCeilingBytes:  1 << 20,
		VFSFileReadCeilingBytes: 1 << 20,
		VFSTotalQuotaBytes:      0,
		HITLMode:                string(hitl.ModeHITL),
		HITLN:                   10,
		ArenaEnabled:            false,
		ArenaCompetitorCount:    1,
		SwarmEnabled:            false,
		SwarmRoomToken:          "",
		SnapshotRetention:       20,
		FetchRatePerSecond:      5,
	}
}

// Validate rejects configurations with out-of-range or unrecognized values.
func (c Config) Validate() error {
	switch hitl.Mode(c.HITLMode) {
	case hitl.ModeOff, hitl.ModeHITL, hitl.ModeEveryN, "":
	default:
		return fmt.Errorf("config: hitl_mode %q is not one of OFF, HITL, EVERY_N", c.HITLMode)
	}
	if c.HITLMode == string(hitl.ModeEveryN) && c.HITLN <= 0 {
		return fmt.Errorf("config: hitl_n must be positive when hitl_mode is EVERY_N")
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("config: max_iterations must not be negative")
	}
	if c.ArenaEnabled && c.ArenaCompetitorCount < 1 {
		return fmt.Errorf("config: arena_competitor_count must be at least 1 when arena_enabled")
	}
	if c.SnapshotRetention < 0 {
		return fmt.Errorf("config: snapshot_retention must not be negative")
	}
	if c.FetchRatePerSecond < 0 {
		return fmt.Errorf("config: fetch_rate_per_second must not be negative")
	}
	return nil
}

// ToolTimeout is ToolTimeoutMs as a time.Duration, for wiring into
// tools.RunnerOptions.
func (c Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}

// LoadBootstrapFile reads and merges an on-disk YAML file into the default
// configuration, applied before genesis when no VFS-persisted copy exists
// yet. A missing file is not an error; Default() is returned unchanged.
func LoadBootstrapFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read bootstrap file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse bootstrap file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromVFS reads the persisted configuration copy from fs, merging it
// over base (typically the result of LoadBootstrapFile). A missing /.config/
// entry is not an error; base is returned unchanged.
func LoadFromVFS(fs *vfs.Vfs, base Config) (Config, error) {
	cfg := base
	data, err := fs.ReadUnbounded(Path)
	if err != nil {
		return base, nil
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", Path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Persist marshals cfg and writes it to fs under Path, so future boots pick
// it up via LoadFromVFS.
func Persist(ctx context.Context, fs *vfs.Vfs, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	return fs.Write(ctx, Path, data)
}
