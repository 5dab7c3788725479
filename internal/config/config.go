// Package config loads the service configuration: struct defaults, then an
// optional YAML file, then GATEHOUSE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"gatehouse.org/internal/validation"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "GATEHOUSE_CONFIG"

// DefaultPaths are tried in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"gatehouse.yaml",
	"gatehouse.yml",
	"/etc/gatehouse/config.yaml",
}

type Config struct {
	Service  ServiceConfig  `koanf:"service"`
	HTTP     HTTPConfig     `koanf:"http"`
	GRPC     GRPCConfig     `koanf:"grpc"`
	Log      LogConfig      `koanf:"log"`
	Store    StoreConfig    `koanf:"store"`
	Auth     AuthConfig     `koanf:"auth"`
	Redis    RedisConfig    `koanf:"redis"`
	Notify   NotifyConfig   `koanf:"notify"`
	GatePass GatePassConfig `koanf:"gate_pass"`
}

type ServiceConfig struct {
	Name        string `koanf:"name" validate:"required"`
	Environment string `koanf:"environment" validate:"oneof=development staging production"`
}

type HTTPConfig struct {
	Addr              string        `koanf:"addr" validate:"required"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
	MaxBodyBytes      int64         `koanf:"max_body_bytes" validate:"gt=0"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitRPS      float64       `koanf:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst    int           `koanf:"rate_limit_burst" validate:"gte=0"`
}

type GRPCConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

type StoreConfig struct {
	Driver       string `koanf:"driver" validate:"oneof=memory postgres"`
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns" validate:"gte=0"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
	Seed         bool   `koanf:"seed"`
}

type AuthConfig struct {
	Secret    string        `koanf:"secret"`
	Issuer    string        `koanf:"issuer"`
	TokenTTL  time.Duration `koanf:"token_ttl" validate:"gt=0"`
	DevTokens bool          `koanf:"dev_tokens"`
}

type RedisConfig struct {
	Enabled          bool          `koanf:"enabled"`
	Addr             string        `koanf:"addr"`
	Password         string        `koanf:"password"`
	DB               int           `koanf:"db" validate:"gte=0"`
	Stream           string        `koanf:"stream"`
	MaxLen           int64         `koanf:"max_len" validate:"gte=0"`
	FailureThreshold uint32        `koanf:"failure_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
}

type NotifyConfig struct {
	QueueSize int `koanf:"queue_size" validate:"gt=0"`
}

type GatePassConfig struct {
	TokenDigits      int           `koanf:"token_digits" validate:"gte=6,lte=18"`
	MaxValidityHours int           `koanf:"max_validity_hours" validate:"gt=0"`
	ExpireInterval   time.Duration `koanf:"expire_interval"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{Name: "gatehouse-api", Environment: "development"},
		HTTP: HTTPConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 15 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxBodyBytes:      1 << 20,
			CORSOrigins:       []string{},
			RateLimitRPS:      50,
			RateLimitBurst:    100,
		},
		GRPC:  GRPCConfig{Enabled: true, Addr: ":9090"},
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Driver: "memory", MaxOpenConns: 10},
		Auth: AuthConfig{
			Issuer:   "gatehouse",
			TokenTTL: 12 * time.Hour,
		},
		Redis: RedisConfig{
			Addr:             "127.0.0.1:6379",
			Stream:           "gatehouse:notifications",
			MaxLen:           100000,
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
		Notify: NotifyConfig{QueueSize: 1024},
		GatePass: GatePassConfig{
			TokenDigits:      6,
			MaxValidityHours: 72,
			ExpireInterval:   time.Minute,
		},
	}
}

// Load builds the configuration from defaults, the config file and the environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path := findFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("", ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitList(k, "http.cors_origins"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var envKeys = map[string]string{
	"gatehouse_service_name":       "service.name",
	"gatehouse_environment":        "service.environment",
	"gatehouse_http_addr":          "http.addr",
	"gatehouse_shutdown_timeout":   "http.shutdown_timeout",
	"gatehouse_max_body_bytes":     "http.max_body_bytes",
	"gatehouse_cors_origins":       "http.cors_origins",
	"gatehouse_rate_limit_rps":     "http.rate_limit_rps",
	"gatehouse_rate_limit_burst":   "http.rate_limit_burst",
	"gatehouse_grpc_enabled":       "grpc.enabled",
	"gatehouse_grpc_addr":          "grpc.addr",
	"gatehouse_log_level":          "log.level",
	"gatehouse_log_format":         "log.format",
	"gatehouse_store_driver":       "store.driver",
	"gatehouse_pg_dsn":             "store.dsn",
	"gatehouse_pg_max_open_conns":  "store.max_open_conns",
	"gatehouse_auto_migrate":       "store.auto_migrate",
	"gatehouse_seed":               "store.seed",
	"gatehouse_jwt_secret":         "auth.secret",
	"gatehouse_jwt_issuer":         "auth.issuer",
	"gatehouse_token_ttl":          "auth.token_ttl",
	"gatehouse_dev_tokens":         "auth.dev_tokens",
	"gatehouse_redis_enabled":      "redis.enabled",
	"gatehouse_redis_addr":         "redis.addr",
	"gatehouse_redis_password":     "redis.password",
	"gatehouse_redis_db":           "redis.db",
	"gatehouse_redis_stream":       "redis.stream",
	"gatehouse_notify_queue_size":  "notify.queue_size",
	"gatehouse_token_digits":       "gate_pass.token_digits",
	"gatehouse_max_validity_hours": "gate_pass.max_validity_hours",
	"gatehouse_expire_interval":    "gate_pass.expire_interval",
}

// envKey maps a known environment variable to its config path. Unknown
// variables map to "" and are skipped.
func envKey(name string) string {
	return envKeys[strings.ToLower(name)]
}

func splitList(k *koanf.Koanf, path string) error {
	raw, ok := k.Get(path).(string)
	if !ok {
		return nil
	}
	parts := make([]string, 0)
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	if err := k.Set(path, parts); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	return nil
}

// Validate checks field ranges and the combinations the binaries rely on.
func (c *Config) Validate() error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}
	var errs []error
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		errs = append(errs, errors.New("store.dsn is required for the postgres driver"))
	}
	if (c.Store.AutoMigrate || c.Store.Seed) && c.Store.Driver != "postgres" {
		errs = append(errs, errors.New("store.auto_migrate and store.seed need the postgres driver"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc.addr is required when grpc is enabled"))
	}
	if c.Service.Environment == "production" && len(c.Auth.Secret) < 32 {
		errs = append(errs, errors.New("auth.secret must be at least 32 bytes in production"))
	}
	if c.Service.Environment == "production" && c.Auth.DevTokens {
		errs = append(errs, errors.New("auth.dev_tokens cannot be enabled in production"))
	}
	return errors.Join(errs...)
}
