package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for the tunable intervals
const (
	DefaultListenAddr    = ":8420"
	DefaultLockTTL       = 300 * time.Second
	DefaultSchedulerPoll = 1500 * time.Millisecond
	DefaultReaperPoll    = 15 * time.Second
	DefaultRatePerMinute = 120
)

// Config holds all runtime configuration for the control plane.
// Values come from environment variables; the gateway seed list can
// additionally be loaded from a YAML file.
type Config struct {
	DBPath        string
	ListenAddr    string
	APIKey        string
	RatePerMinute int
	LockTTL       time.Duration
	SchedulerPoll time.Duration
	ReaperPoll    time.Duration
	GatewayURLs   []string
	LogLevel      string
	LogJSON       bool
}

// GatewaySeed is one entry in the optional YAML gateway seed file
type GatewaySeed struct {
	GatewayID    string   `yaml:"gateway_id"`
	Host         string   `yaml:"host"`
	Capabilities []string `yaml:"capabilities"`
}

type seedFile struct {
	Gateways []GatewaySeed `yaml:"gateways"`
}

// FromEnv builds a Config from the process environment
func FromEnv() (*Config, error) {
	cfg := &Config{
		DBPath:        envOr("CONTROL_DB_PATH", "control.db"),
		ListenAddr:    envOr("CONTROL_LISTEN_ADDR", DefaultListenAddr),
		APIKey:        os.Getenv("CONTROL_API_KEY"),
		RatePerMinute: DefaultRatePerMinute,
		LockTTL:       DefaultLockTTL,
		SchedulerPoll: DefaultSchedulerPoll,
		ReaperPoll:    DefaultReaperPoll,
		LogLevel:      envOr("CONTROL_LOG_LEVEL", "info"),
		LogJSON:       os.Getenv("CONTROL_LOG_JSON") == "true",
	}

	if v := os.Getenv("CONTROL_RATE_LIMIT_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid CONTROL_RATE_LIMIT_PER_MIN %q", v)
		}
		cfg.RatePerMinute = n
	}

	var err error
	if cfg.LockTTL, err = envSeconds("CONTROL_TASK_LOCK_TTL_SECONDS", cfg.LockTTL); err != nil {
		return nil, err
	}
	if cfg.SchedulerPoll, err = envSeconds("CONTROL_SCHEDULER_POLL_SECONDS", cfg.SchedulerPoll); err != nil {
		return nil, err
	}
	if cfg.ReaperPoll, err = envSeconds("CONTROL_REAPER_POLL_SECONDS", cfg.ReaperPoll); err != nil {
		return nil, err
	}

	if v := os.Getenv("GATEWAY_URLS"); v != "" {
		for _, u := range strings.Split(v, ",") {
			if u = strings.TrimSpace(u); u != "" {
				cfg.GatewayURLs = append(cfg.GatewayURLs, u)
			}
		}
	}

	return cfg, nil
}

// LoadGatewaySeeds reads gateway seed entries from a YAML file
func LoadGatewaySeeds(path string) ([]GatewaySeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading gateway seed file: %w", err)
	}

	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing gateway seed file: %w", err)
	}

	for i, g := range f.Gateways {
		if g.Host == "" {
			return nil, fmt.Errorf("gateway seed %d: host is required", i)
		}
	}
	return f.Gateways, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envSeconds parses a (possibly fractional) seconds value from the
// environment
func envSeconds(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s %q", key, v)
	}
	return time.Duration(f * float64(time.Second)), nil
}
