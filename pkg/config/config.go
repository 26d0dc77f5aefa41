// Package config loads platform configuration from the environment, with an
// optional .env overlay and an optional YAML file for non-secret ambient knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable named in the external interfaces table.
type Config struct {
	Port int `yaml:"port"`

	SessionTimeout       time.Duration `yaml:"session_timeout"`
	ConcurrentLoginLock  time.Duration `yaml:"concurrent_login_lock"`
	RoomHeartbeatTimeout time.Duration `yaml:"room_heartbeat_timeout"`
	FinishedRoomGrace    time.Duration `yaml:"finished_room_grace_seconds"`
	OnlineTimeout        time.Duration `yaml:"online_timeout"`
	MaxRooms             int           `yaml:"max_rooms"`
	GameServerHost       string        `yaml:"game_server_host"`
	GameServerPublicHost string        `yaml:"game_server_public_host"`

	StorePath  string `yaml:"store_path"`
	StorageDir string `yaml:"storage_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogOutput string `yaml:"log_output"`
	LogFile   string `yaml:"log_file"`

	MetricsPort int `yaml:"metrics_port"`
}

// Default returns the configuration with every default from spec.md §6.
func Default() *Config {
	return &Config{
		Port:                 5000,
		SessionTimeout:       3600 * time.Second,
		ConcurrentLoginLock:  30 * time.Second,
		RoomHeartbeatTimeout: 15 * time.Second,
		FinishedRoomGrace:    30 * time.Second,
		OnlineTimeout:        20 * time.Second,
		MaxRooms:             0,
		GameServerHost:       "0.0.0.0",
		GameServerPublicHost: "",
		StorePath:            "data/store.json",
		StorageDir:           "storage",
		LogLevel:             "info",
		LogFormat:            "text",
		LogOutput:            "stdout",
		LogFile:              "logs/platform.log",
		MetricsPort:          0,
	}
}

// Load builds the configuration by starting from defaults, overlaying an
// optional YAML file, then overlaying the process environment (which always
// wins).
func Load() (*Config, error) {
	envFile := os.Getenv("ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v, ok := envInt("PORT"); ok {
		c.Port = v
	}
	if v, ok := envDuration("SESSION_TIMEOUT"); ok {
		c.SessionTimeout = v
	}
	if v, ok := envDuration("CONCURRENT_LOGIN_LOCK"); ok {
		c.ConcurrentLoginLock = v
	}
	if v, ok := envDuration("ROOM_HEARTBEAT_TIMEOUT"); ok {
		c.RoomHeartbeatTimeout = v
	}
	if v, ok := envDuration("FINISHED_ROOM_GRACE_SECONDS"); ok {
		c.FinishedRoomGrace = v
	}
	if v, ok := envDuration("ONLINE_TIMEOUT"); ok {
		c.OnlineTimeout = v
	}
	if v, ok := envInt("MAX_ROOMS"); ok {
		c.MaxRooms = v
	}
	if v := os.Getenv("GAME_SERVER_HOST"); v != "" {
		c.GameServerHost = v
	}
	if v := os.Getenv("GAME_SERVER_PUBLIC_HOST"); v != "" {
		c.GameServerPublicHost = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.LogFormat = v
	}
	if v := os.Getenv("LOG_OUTPUT"); v != "" {
		c.LogOutput = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v, ok := envInt("METRICS_PORT"); ok {
		c.MetricsPort = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	// Bare integers in this table are seconds (spec.md §6), not Go duration
	// strings, so try that first before falling back to time.ParseDuration.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// ResolvedPublicHost returns the advertised host for spawned game servers,
// falling back to the OS hostname and finally to the bind host, per spec.md §4.E.
func (c *Config) ResolvedPublicHost() string {
	if c.GameServerPublicHost != "" {
		return c.GameServerPublicHost
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return c.GameServerHost
}
