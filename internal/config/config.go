package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const DefaultPath = "swarm.toml"

type Config struct {
	Swarm SwarmConfig    `toml:"swarm"`
	Log   LogConfig      `toml:"log"`
	Raw   map[string]any `toml:"-"`
	Path  string         `toml:"-"`
}

type SwarmConfig struct {
	Addr                string   `toml:"addr"`
	DBPath              string   `toml:"db_path"`
	RedisURL            string   `toml:"redis_url"`
	AuctionWindowMS     int      `toml:"auction_window_ms"`
	StopGraceMS         int      `toml:"stop_grace_ms"`
	HeartbeatIntervalMS int      `toml:"heartbeat_interval_ms"`
	StaleAfterMS        int      `toml:"stale_after_ms"`
	HistoryCapacity     int      `toml:"history_capacity"`
	ReplayCount         int      `toml:"replay_count"`
	BuiltinAgents       []string `toml:"builtin_agents"`
	AgentBinary         string   `toml:"agent_binary"`
	AllowedOrigins      []string `toml:"allowed_origins"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

func Default() Config {
	return Config{
		Swarm: SwarmConfig{
			Addr:                ":8092",
			DBPath:              "data/swarm.db",
			AuctionWindowMS:     15000,
			StopGraceMS:         5000,
			HeartbeatIntervalMS: 10000,
			HistoryCapacity:     100,
			ReplayCount:         20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads path on top of Default. An empty path falls back to
// DefaultPath, which may be absent; an explicit path must exist.
func Load(path string) (Config, error) {
	explicit := strings.TrimSpace(path) != ""
	resolved := path
	if !explicit {
		resolved = DefaultPath
	}
	resolved, err := expandHome(resolved)
	if err != nil {
		return Config{}, err
	}

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg := Default()
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func (c SwarmConfig) AuctionWindow() time.Duration {
	return durationMS(c.AuctionWindowMS, 15*time.Second)
}

func (c SwarmConfig) StopGrace() time.Duration {
	return durationMS(c.StopGraceMS, 5*time.Second)
}

func (c SwarmConfig) HeartbeatInterval() time.Duration {
	return durationMS(c.HeartbeatIntervalMS, 10*time.Second)
}

// StaleAfter is zero when the liveness sweep is disabled.
func (c SwarmConfig) StaleAfter() time.Duration {
	return durationMS(c.StaleAfterMS, 0)
}

func expandHome(p string) (string, error) {
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(p, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		p = filepath.Join(home, trimmed)
	}
	return filepath.Clean(p), nil
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}
