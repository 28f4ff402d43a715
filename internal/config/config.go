package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/robfig/cron/v3"
)

type Config struct {
	Addr        string `env:"BONSAI_ADDR" envDefault:":8787"`
	DBDriver    string `env:"BONSAI_DB_DRIVER" envDefault:"sqlite"`
	DatabaseURL string `env:"DATABASE_URL" envDefault:"file:./data/bonsai.db"`
	CORSOrigin  string `env:"BONSAI_CORS_ORIGIN" envDefault:"*"`
	LogLevel    string `env:"BONSAI_LOG_LEVEL" envDefault:"info"`

	// Dispatch
	DispatchDebounce time.Duration `env:"BONSAI_DISPATCH_DEBOUNCE" envDefault:"3s"`
	WatchdogTimeout  time.Duration `env:"BONSAI_WATCHDOG_TIMEOUT" envDefault:"120s"`
	DispatchTimeout  time.Duration `env:"BONSAI_DISPATCH_TIMEOUT" envDefault:"30s"`
	CooldownWindow   time.Duration `env:"BONSAI_COOLDOWN_WINDOW" envDefault:"2m"`
	AgentRuntimeURL  string        `env:"BONSAI_AGENT_RUNTIME_URL"`
	AgentRuntimeKey  string        `env:"BONSAI_AGENT_RUNTIME_TOKEN"`
	DirectoryRefresh string        `env:"BONSAI_DIRECTORY_REFRESH" envDefault:"@every 1m"`
	RoleSlugs        []string      `env:"BONSAI_ROLE_SLUGS" envSeparator:"," envDefault:"researcher,developer,designer,reviewer,security,lead"`

	// Redis backs the shared cooldown and presence; empty keeps both in process.
	RedisURL string `env:"REDIS_URL"`

	MeiliURL       string `env:"MEILI_URL"`
	MeiliMasterKey string `env:"MEILI_MASTER_KEY"`

	MinioEndpoint  string `env:"MINIO_ENDPOINT"`
	MinioAccessKey string `env:"MINIO_ACCESS_KEY"`
	MinioSecretKey string `env:"MINIO_SECRET_KEY"`
	MinioBucket    string `env:"MINIO_BUCKET" envDefault:"bonsai-attachments"`
	MinioUseSSL    bool   `env:"MINIO_USE_SSL" envDefault:"false"`

	ArchiveDir string `env:"BONSAI_ARCHIVE_DIR" envDefault:"./data/archive"`

	OTelEnabled  bool   `env:"BONSAI_OTEL_ENABLED" envDefault:"false"`
	OTelEndpoint string `env:"BONSAI_OTEL_ENDPOINT"`
}

// Load reads the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	switch c.DBDriver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("BONSAI_DB_DRIVER must be postgres or sqlite, got %q", c.DBDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.DispatchDebounce <= 0 {
		errs = append(errs, errors.New("BONSAI_DISPATCH_DEBOUNCE must be positive"))
	}
	if c.WatchdogTimeout <= 0 {
		errs = append(errs, errors.New("BONSAI_WATCHDOG_TIMEOUT must be positive"))
	}
	if c.DispatchTimeout <= 0 {
		errs = append(errs, errors.New("BONSAI_DISPATCH_TIMEOUT must be positive"))
	}
	if c.CooldownWindow <= 0 {
		errs = append(errs, errors.New("BONSAI_COOLDOWN_WINDOW must be positive"))
	}
	if c.AgentRuntimeURL != "" {
		if u, err := url.Parse(c.AgentRuntimeURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("BONSAI_AGENT_RUNTIME_URL is not an absolute URL: %q", c.AgentRuntimeURL))
		}
	}
	if _, err := cron.ParseStandard(c.DirectoryRefresh); err != nil {
		errs = append(errs, fmt.Errorf("BONSAI_DIRECTORY_REFRESH: %w", err))
	}
	if c.MinioEndpoint != "" && (c.MinioAccessKey == "" || c.MinioSecretKey == "") {
		errs = append(errs, errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required with MINIO_ENDPOINT"))
	}
	if c.OTelEnabled && c.OTelEndpoint == "" {
		errs = append(errs, errors.New("BONSAI_OTEL_ENDPOINT is required when tracing is enabled"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("BONSAI_LOG_LEVEL: %w", err)
	}
	return level, nil
}
