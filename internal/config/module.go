package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	EventBus     EventBusConfig     `yaml:"event_bus"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Notify       NotifyConfig       `yaml:"notify"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StoreConfig struct {
	// Backend selects the key-value implementation: memory, redis or postgres.
	Backend      string `yaml:"backend"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisPass    string `yaml:"redis_pass"`
	RedisDB      int    `yaml:"redis_db"`
	PostgresDSN  string `yaml:"postgres_dsn"`
	ExecutionTTL string `yaml:"execution_ttl"`
}

type EventBusConfig struct {
	MaxRetries  int    `yaml:"max_retries"`
	BaseBackoff string `yaml:"base_backoff"`
	MaxBackoff  string `yaml:"max_backoff"`
	QueueSize   int    `yaml:"queue_size"`
}

type OrchestratorConfig struct {
	StageTimeout string `yaml:"stage_timeout"`
}

type AdmissionConfig struct {
	WindowMs    int64                    `yaml:"window_ms"`
	MaxRequests int                      `yaml:"max_requests"`
	Channels    map[string]ChannelPolicy `yaml:"channels"`
}

type ChannelPolicy struct {
	WindowMs     int64 `yaml:"window_ms"`
	MaxRequests  int   `yaml:"max_requests"`
	BanThreshold int   `yaml:"ban_threshold"`
	BanDurationS int64 `yaml:"ban_duration_s"`
}

type NotifyConfig struct {
	URL     string `yaml:"url"`
	Timeout string `yaml:"timeout"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8120,
		},
		Store: StoreConfig{
			Backend:      "memory",
			RedisAddr:    "localhost:6379",
			ExecutionTTL: "720h",
		},
		EventBus: EventBusConfig{
			MaxRetries:  3,
			BaseBackoff: "1s",
			MaxBackoff:  "30s",
			QueueSize:   256,
		},
		Orchestrator: OrchestratorConfig{
			StageTimeout: "30s",
		},
		Admission: AdmissionConfig{
			WindowMs:    60000,
			MaxRequests: 10,
		},
		Notify: NotifyConfig{
			Timeout: "5s",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("APP_SERVER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_SERVER_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("APP_STORE_BACKEND")); v != "" {
		cfg.Store.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_REDIS_ADDR")); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_REDIS_PASS")); v != "" {
		cfg.Store.RedisPass = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_POSTGRES_DSN")); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_NOTIFY_URL")); v != "" {
		cfg.Notify.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("APP_STAGE_TIMEOUT")); v != "" {
		cfg.Orchestrator.StageTimeout = v
	}

	return cfg, nil
}

// ParseDuration reads a duration config value, falling back when empty or invalid.
func ParseDuration(raw string, fallback time.Duration) time.Duration {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func Module(path string) fx.Option {
	return fx.Provide(func() (Config, error) {
		return Load(path)
	})
}
