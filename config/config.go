// Package config loads the farm configuration from YAML and the environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"androidfarm/pool"
	"androidfarm/quality"
)

// Discovery and transport modes.
const (
	DiscoveryADB    = "adb"
	DiscoveryStatic = "static"

	TransportScrcpy    = "scrcpy"
	TransportSynthetic = "synthetic"
)

const mib = 1 << 20

// Config is the complete farm configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pool      PoolConfig      `yaml:"pool"`
	Quality   QualityConfig   `yaml:"quality"`
	Fanout    FanoutConfig    `yaml:"fanout"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type PoolConfig struct {
	MaxConnections  int           `yaml:"max_connections"`
	MemoryCeilingMB int           `yaml:"memory_ceiling_mb"`
	MemoryWarningMB int           `yaml:"memory_warning_mb"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	OpenTimeout     time.Duration `yaml:"open_timeout"`
}

type QualityConfig struct {
	// Basis is "fleet" (tile count) or "active" (connections including the new one).
	Basis string         `yaml:"basis"`
	Tiers []quality.Tier `yaml:"tiers"`
}

type FanoutConfig struct {
	QueueSize   int `yaml:"queue_size"`
	WatchBuffer int `yaml:"watch_buffer"`
}

type DiscoveryConfig struct {
	Mode     string        `yaml:"mode"`
	Interval time.Duration `yaml:"interval"`

	// MinScanGap rate-limits scans triggered through the API.
	MinScanGap time.Duration `yaml:"min_scan_gap"`
	Enrich     bool          `yaml:"enrich"`

	// Static lists device ids for static mode. StaticCount generates ids
	// when the list is empty.
	Static      []string `yaml:"static"`
	StaticCount int      `yaml:"static_count"`
}

type TransportConfig struct {
	Mode          string        `yaml:"mode"`
	ADBPath       string        `yaml:"adb_path"`
	ServerJar     string        `yaml:"server_jar"`
	ServerVersion string        `yaml:"server_version"`
	StartupDelay  time.Duration `yaml:"startup_delay"`

	// SyntheticOpenDelay simulates the cost of opening a device stream.
	SyntheticOpenDelay time.Duration `yaml:"synthetic_open_delay"`
}

type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	Disabled     bool   `yaml:"disabled"`
}

type RedisConfig struct {
	// Addr enables publishing tile changes to Redis when set.
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`

	// Dir additionally writes a timestamped log file there when set.
	Dir string `yaml:"dir"`
}

// Default returns the built-in configuration.
func Default() Config {
	limits := pool.DefaultLimits()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Pool: PoolConfig{
			MaxConnections:  limits.MaxConnections,
			MemoryCeilingMB: int(limits.MemoryCeiling / mib),
			MemoryWarningMB: int(limits.MemoryWarning / mib),
			IdleTimeout:     limits.IdleTimeout,
			CleanupInterval: time.Minute,
			OpenTimeout:     limits.OpenTimeout,
		},
		Quality: QualityConfig{
			Basis: "fleet",
			Tiers: quality.DefaultTiers(),
		},
		Fanout: FanoutConfig{
			QueueSize:   64,
			WatchBuffer: 256,
		},
		Discovery: DiscoveryConfig{
			Mode:       DiscoveryADB,
			Interval:   5 * time.Second,
			MinScanGap: time.Second,
		},
		Transport: TransportConfig{
			Mode:               TransportScrcpy,
			ADBPath:            "adb",
			ServerJar:          "assets/scrcpy-server",
			ServerVersion:      "3.3.3",
			StartupDelay:       1500 * time.Millisecond,
			SyntheticOpenDelay: 200 * time.Millisecond,
		},
		Storage: StorageConfig{
			DatabasePath: "./data/androidfarm.db",
		},
		Redis: RedisConfig{
			Channel: "androidfarm:tiles",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load returns Default overlaid with the YAML file at path (if any) and then
// the environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		// #nosec G304 -- the path comes from the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeStrict(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeStrict(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("config file contains multiple documents or trailing content")
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("FARM_LISTEN_ADDR", &cfg.Server.Addr)
	num("FARM_MAX_CONNECTIONS", &cfg.Pool.MaxConnections)
	num("FARM_MEMORY_CEILING_MB", &cfg.Pool.MemoryCeilingMB)
	dur("FARM_IDLE_TIMEOUT", &cfg.Pool.IdleTimeout)
	str("FARM_DISCOVERY_MODE", &cfg.Discovery.Mode)
	num("FARM_STATIC_COUNT", &cfg.Discovery.StaticCount)
	str("FARM_TRANSPORT_MODE", &cfg.Transport.Mode)
	str("FARM_ADB_PATH", &cfg.Transport.ADBPath)
	str("FARM_DATABASE_PATH", &cfg.Storage.DatabasePath)
	str("FARM_REDIS_ADDR", &cfg.Redis.Addr)
	return errors.Join(errs...)
}

// Validate reports every problem found, not just the first.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if err := c.PoolLimits().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Pool.MemoryCeilingMB < 0 || c.Pool.MemoryWarningMB < 0 {
		errs = append(errs, errors.New("pool memory limits must not be negative"))
	}
	if c.Pool.CleanupInterval <= 0 {
		errs = append(errs, errors.New("pool.cleanup_interval must be positive"))
	}
	switch c.Quality.Basis {
	case "", "fleet", "active":
	default:
		errs = append(errs, fmt.Errorf("quality.basis %q must be fleet or active", c.Quality.Basis))
	}
	if _, err := c.Policy(); err != nil {
		errs = append(errs, err)
	}
	if c.Fanout.QueueSize <= 0 {
		errs = append(errs, errors.New("fanout.queue_size must be positive"))
	}
	switch c.Discovery.Mode {
	case DiscoveryADB:
	case DiscoveryStatic:
		if len(c.Discovery.Static) == 0 && c.Discovery.StaticCount <= 0 {
			errs = append(errs, errors.New("static discovery needs discovery.static or discovery.static_count"))
		}
	default:
		errs = append(errs, fmt.Errorf("discovery.mode %q must be adb or static", c.Discovery.Mode))
	}
	if c.Discovery.Interval <= 0 {
		errs = append(errs, errors.New("discovery.interval must be positive"))
	}
	switch c.Transport.Mode {
	case TransportScrcpy, TransportSynthetic:
	default:
		errs = append(errs, fmt.Errorf("transport.mode %q must be scrcpy or synthetic", c.Transport.Mode))
	}
	return errors.Join(errs...)
}

// PoolLimits converts the pool section.
func (c Config) PoolLimits() pool.Limits {
	return pool.Limits{
		MaxConnections: c.Pool.MaxConnections,
		MemoryCeiling:  uint64(max(c.Pool.MemoryCeilingMB, 0)) * mib,
		MemoryWarning:  uint64(max(c.Pool.MemoryWarningMB, 0)) * mib,
		IdleTimeout:    c.Pool.IdleTimeout,
		OpenTimeout:    c.Pool.OpenTimeout,
	}
}

// Policy builds the quality policy; an empty tier list means the defaults.
func (c Config) Policy() (*quality.Policy, error) {
	if len(c.Quality.Tiers) == 0 {
		return quality.MustDefault(), nil
	}
	return quality.NewPolicy(c.Quality.Tiers)
}

// StaticDevices returns the configured static fleet.
func (c Config) StaticDevices() []string {
	if len(c.Discovery.Static) > 0 {
		return append([]string(nil), c.Discovery.Static...)
	}
	ids := make([]string, c.Discovery.StaticCount)
	for i := range ids {
		ids[i] = fmt.Sprintf("emulator-%04d", 5554+2*i)
	}
	return ids
}
