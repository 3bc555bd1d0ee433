package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	RelayEchoOrigin bool
	RelayQueueSize  int

	HeartbeatInterval  time.Duration
	HeartbeatMissLimit int

	RoomIdleTTL       time.Duration
	RoomSweepInterval time.Duration
	MaxRooms          int
	RegistryShards    int

	AllowedOrigins   []string
	MetricsNamespace string
}

// fileConfig mirrors AppConfig for the optional YAML file. Durations are
// written as Go duration strings ("2s", "10m").
type fileConfig struct {
	ListenAddr         string   `yaml:"listen_addr"`
	RedisURL           string   `yaml:"redis_url"`
	DatabaseURL        string   `yaml:"database_url"`
	RelayEchoOrigin    *bool    `yaml:"relay_echo_origin"`
	RelayQueueSize     int      `yaml:"relay_queue_size"`
	HeartbeatInterval  string   `yaml:"heartbeat_interval"`
	HeartbeatMissLimit int      `yaml:"heartbeat_miss_limit"`
	RoomIdleTTL        string   `yaml:"room_idle_ttl"`
	RoomSweepInterval  string   `yaml:"room_sweep_interval"`
	MaxRooms           *int     `yaml:"max_rooms"`
	RegistryShards     int      `yaml:"registry_shards"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
	MetricsNamespace   string   `yaml:"metrics_namespace"`
}

func defaults() *AppConfig {
	return &AppConfig{
		ListenAddr:         ":8080",
		RelayQueueSize:     32,
		HeartbeatInterval:  2 * time.Second,
		HeartbeatMissLimit: 3,
		RoomSweepInterval:  time.Minute,
		RegistryShards:     32,
		MetricsNamespace:   "cheese_rooms",
	}
}

// Load builds the configuration from defaults, then the YAML file named by
// CONFIG_FILE if set, then the environment.
func Load() (*AppConfig, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *AppConfig) overlayFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.RedisURL != "" {
		cfg.RedisURL = fc.RedisURL
	}
	if fc.DatabaseURL != "" {
		cfg.DatabaseURL = fc.DatabaseURL
	}
	if fc.RelayEchoOrigin != nil {
		cfg.RelayEchoOrigin = *fc.RelayEchoOrigin
	}
	if fc.RelayQueueSize > 0 {
		cfg.RelayQueueSize = fc.RelayQueueSize
	}
	if fc.HeartbeatMissLimit > 0 {
		cfg.HeartbeatMissLimit = fc.HeartbeatMissLimit
	}
	if fc.MaxRooms != nil {
		cfg.MaxRooms = *fc.MaxRooms
	}
	if fc.RegistryShards > 0 {
		cfg.RegistryShards = fc.RegistryShards
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = splitList(strings.Join(fc.AllowedOrigins, ","))
	}
	if fc.MetricsNamespace != "" {
		cfg.MetricsNamespace = fc.MetricsNamespace
	}

	for _, d := range []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", fc.HeartbeatInterval, &cfg.HeartbeatInterval},
		{"room_idle_ttl", fc.RoomIdleTTL, &cfg.RoomIdleTTL},
		{"room_sweep_interval", fc.RoomSweepInterval, &cfg.RoomSweepInterval},
	} {
		if strings.TrimSpace(d.raw) == "" {
			continue
		}
		v, err := parseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("config file %s: %w", d.key, err)
		}
		*d.dst = v
	}
	return nil
}

func (cfg *AppConfig) overlayEnv() error {
	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_ECHO_ORIGIN")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RELAY_ECHO_ORIGIN: %w", err)
		}
		cfg.RelayEchoOrigin = b
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := strings.TrimSpace(os.Getenv("METRICS_NAMESPACE")); v != "" {
		cfg.MetricsNamespace = v
	}

	for _, e := range []struct {
		key string
		dst *int
	}{
		{"RELAY_QUEUE_SIZE", &cfg.RelayQueueSize},
		{"HEARTBEAT_MISS_LIMIT", &cfg.HeartbeatMissLimit},
		{"MAX_ROOMS", &cfg.MaxRooms},
		{"REGISTRY_SHARDS", &cfg.RegistryShards},
	} {
		v := strings.TrimSpace(os.Getenv(e.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = n
	}

	for _, e := range []struct {
		key string
		dst *time.Duration
	}{
		{"HEARTBEAT_INTERVAL", &cfg.HeartbeatInterval},
		{"ROOM_IDLE_TTL", &cfg.RoomIdleTTL},
		{"ROOM_SWEEP_INTERVAL", &cfg.RoomSweepInterval},
	} {
		v := strings.TrimSpace(os.Getenv(e.key))
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", e.key, err)
		}
		*e.dst = d
	}
	return nil
}

// Validate rejects values the server cannot run with.
func (cfg *AppConfig) Validate() error {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return errors.New("LISTEN_ADDR is required")
	}
	if cfg.RelayQueueSize <= 0 {
		return errors.New("RELAY_QUEUE_SIZE must be positive")
	}
	if cfg.HeartbeatInterval <= 0 {
		return errors.New("HEARTBEAT_INTERVAL must be positive")
	}
	if cfg.HeartbeatMissLimit <= 0 {
		return errors.New("HEARTBEAT_MISS_LIMIT must be positive")
	}
	if cfg.RoomIdleTTL < 0 {
		return errors.New("ROOM_IDLE_TTL must not be negative")
	}
	if cfg.RoomIdleTTL > 0 && cfg.RoomSweepInterval <= 0 {
		return errors.New("ROOM_SWEEP_INTERVAL must be positive when ROOM_IDLE_TTL is set")
	}
	if cfg.MaxRooms < 0 {
		return errors.New("MAX_ROOMS must not be negative")
	}
	if cfg.RegistryShards <= 0 {
		return errors.New("REGISTRY_SHARDS must be positive")
	}
	return nil
}

// OriginAllowed reports whether a browser origin may open the real-time
// channel. An empty allow list admits every origin.
func (cfg *AppConfig) OriginAllowed(origin string) bool {
	if len(cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range cfg.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// parseDuration accepts Go durations and bare integers as seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
