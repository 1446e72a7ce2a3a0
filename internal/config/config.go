// Package config loads service configuration from counsel.yaml with
// COUNSEL_-prefixed environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

type ModelsConfig struct {
	Advisor  string `mapstructure:"advisor"`
	Resolver string `mapstructure:"resolver"`
	Cleaner  string `mapstructure:"cleaner"`
}

type BillingConfig struct {
	FloorTenths      int64   `mapstructure:"floor_tenths"`
	StartingCredit   int64   `mapstructure:"starting_credit"`
	PricingPath      string  `mapstructure:"pricing_path"`
	RatePerSecond    float64 `mapstructure:"rate_per_second"`
	RateBurst        int     `mapstructure:"rate_burst"`
	WatchPricingFile bool    `mapstructure:"watch_pricing_file"`
}

type OrchestratorConfig struct {
	MaxAdvisors    int           `mapstructure:"max_advisors"`
	StepLimit      int           `mapstructure:"step_limit"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	AdvisorsDir    string        `mapstructure:"advisors_dir"`
	AdvisorWindow  int           `mapstructure:"advisor_window"`
	ResolverWindow int           `mapstructure:"resolver_window"`
}

type AuthConfig struct {
	SigningKey  string        `mapstructure:"signing_key"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

type ServerConfig struct {
	Addr        string `mapstructure:"addr"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Provider     ProviderConfig     `mapstructure:"provider"`
	Models       ModelsConfig       `mapstructure:"models"`
	Billing      BillingConfig      `mapstructure:"billing"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.metrics_addr", ":2112")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "counsel")
	v.SetDefault("database.name", "counsel")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", 24*time.Hour)
	v.SetDefault("models.advisor", "gpt-4o-mini")
	v.SetDefault("models.resolver", "gpt-4o-mini")
	v.SetDefault("models.cleaner", "gpt-4o-mini")
	v.SetDefault("billing.floor_tenths", -100)
	v.SetDefault("billing.starting_credit", 1000)
	v.SetDefault("billing.pricing_path", "config/pricing.yaml")
	v.SetDefault("billing.rate_per_second", 1.0)
	v.SetDefault("billing.rate_burst", 3)
	v.SetDefault("billing.watch_pricing_file", true)
	v.SetDefault("orchestrator.max_advisors", 5)
	v.SetDefault("orchestrator.step_limit", 10)
	v.SetDefault("orchestrator.task_timeout", 2*time.Minute)
	v.SetDefault("orchestrator.advisors_dir", "config/advisors")
	v.SetDefault("orchestrator.advisor_window", 3)
	v.SetDefault("orchestrator.resolver_window", 5)
	v.SetDefault("auth.token_expiry", 24*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from the given file path. An empty path falls
// back to counsel.yaml in the working directory or ./config. A missing file
// is not an error: defaults plus environment overrides apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COUNSEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("counsel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		if path != "" {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Orchestrator.MaxAdvisors < 1 {
		return fmt.Errorf("orchestrator.max_advisors must be at least 1, got %d", c.Orchestrator.MaxAdvisors)
	}
	if c.Orchestrator.StepLimit < 1 {
		return fmt.Errorf("orchestrator.step_limit must be at least 1, got %d", c.Orchestrator.StepLimit)
	}
	if c.Billing.FloorTenths > 0 {
		return fmt.Errorf("billing.floor_tenths must be zero or negative, got %d", c.Billing.FloorTenths)
	}
	return nil
}
