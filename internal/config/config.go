package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	StoreDriver string   `mapstructure:"STORE_DRIVER"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	SQLitePath  string   `mapstructure:"SQLITE_PATH"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	DBMaxConnIdle time.Duration `mapstructure:"DB_MAX_CONN_IDLE"`

	// ResourceServer is the public base of this server, used to build
	// references in notifications and status bundles.
	ResourceServer string `mapstructure:"RESOURCE_SERVER"`

	// PollingInterval is in minutes.
	PollingInterval   int `mapstructure:"POLLING_INTERVAL"`
	PollMaxConcurrent int `mapstructure:"POLL_MAX_CONCURRENT"`

	FHIRClientBaseURL string `mapstructure:"FHIR_CLIENT_BASE_URL"`
	FHIRClientID      string `mapstructure:"FHIR_CLIENT_ID"`
	FHIRClientSecret  string `mapstructure:"FHIR_CLIENT_SECRET"`
	FHIRClientScopes  string `mapstructure:"FHIR_CLIENT_SCOPES"`
	FHIRClientKeyFile string `mapstructure:"FHIR_CLIENT_KEY_FILE"`
	FHIRClientKeyID   string `mapstructure:"FHIR_CLIENT_KEY_ID"`

	UpstreamTimeout  time.Duration `mapstructure:"UPSTREAM_TIMEOUT"`
	UpstreamRPS      float64       `mapstructure:"UPSTREAM_RPS"`
	UpstreamMaxPages int           `mapstructure:"UPSTREAM_MAX_PAGES"`
	WebhookTimeout   time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "DB_MAX_CONN_IDLE", "SQLITE_PATH", "CORS_ORIGINS",
	"RESOURCE_SERVER", "POLLING_INTERVAL", "POLL_MAX_CONCURRENT",
	"FHIR_CLIENT_BASE_URL", "FHIR_CLIENT_ID", "FHIR_CLIENT_SECRET",
	"FHIR_CLIENT_SCOPES", "FHIR_CLIENT_KEY_FILE", "FHIR_CLIENT_KEY_ID",
	"UPSTREAM_TIMEOUT", "UPSTREAM_RPS", "UPSTREAM_MAX_PAGES", "WEBHOOK_TIMEOUT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "3001")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DB_MAX_CONN_IDLE", "30m")
	v.SetDefault("SQLITE_PATH", "backport.db")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("RESOURCE_SERVER", "http://localhost:3001")
	v.SetDefault("POLLING_INTERVAL", 5)
	v.SetDefault("POLL_MAX_CONCURRENT", 4)
	v.SetDefault("FHIR_CLIENT_BASE_URL", "http://localhost")
	v.SetDefault("FHIR_CLIENT_SCOPES", "system/*.read")
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")
	v.SetDefault("UPSTREAM_RPS", 0)
	v.SetDefault("UPSTREAM_MAX_PAGES", 20)
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	cfg.ResourceServer = strings.TrimRight(cfg.ResourceServer, "/")
	cfg.FHIRClientBaseURL = strings.TrimRight(cfg.FHIRClientBaseURL, "/")

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// PollEvery is the poll interval as a duration.
func (c *Config) PollEvery() time.Duration {
	return time.Duration(c.PollingInterval) * time.Minute
}

// Scopes splits FHIR_CLIENT_SCOPES on whitespace or commas.
func (c *Config) Scopes() []string {
	return strings.FieldsFunc(c.FHIRClientScopes, func(r rune) bool {
		return r == ' ' || r == ','
	})
}

// Validate checks that the configuration is complete enough to start.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	if c.PollingInterval <= 0 {
		return fmt.Errorf("POLLING_INTERVAL must be a positive number of minutes, got %d", c.PollingInterval)
	}
	for name, raw := range map[string]string{
		"RESOURCE_SERVER":      c.ResourceServer,
		"FHIR_CLIENT_BASE_URL": c.FHIRClientBaseURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if c.FHIRClientID != "" && c.FHIRClientSecret == "" && c.FHIRClientKeyFile == "" {
		return fmt.Errorf("FHIR_CLIENT_ID is set but neither FHIR_CLIENT_SECRET nor FHIR_CLIENT_KEY_FILE is")
	}
	if c.UpstreamMaxPages < 0 {
		return fmt.Errorf("UPSTREAM_MAX_PAGES must not be negative, got %d", c.UpstreamMaxPages)
	}
	return nil
}
