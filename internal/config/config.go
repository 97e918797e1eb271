// Package config loads service configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: OUTREACH_DATABASE__URL sets database.url.
const EnvPrefix = "OUTREACH_"

// Delivery providers.
const (
	ProviderWebhook = "webhook"
	ProviderSMTP    = "smtp"
)

// Config is the complete service configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Database      DatabaseConfig      `koanf:"database"`
	Redis         RedisConfig         `koanf:"redis"`
	Log           LogConfig           `koanf:"log"`
	Auth          AuthConfig          `koanf:"auth"`
	BusinessHours BusinessHoursConfig `koanf:"business_hours"`
	Quota         QuotaConfig         `koanf:"quota"`
	DLQ           DLQConfig           `koanf:"dlq"`
	Worker        WorkerConfig        `koanf:"worker"`
	Delivery      DeliveryConfig      `koanf:"delivery"`
	Content       ContentConfig       `koanf:"content"`
}

// ServerConfig configures the API and metrics listeners.
type ServerConfig struct {
	Host               string        `koanf:"host"`
	Port               string        `koanf:"port"`
	MetricsPort        string        `koanf:"metrics_port"`
	ReadTimeout        time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout  time.Duration `koanf:"read_header_timeout"`
	WriteTimeout       time.Duration `koanf:"write_timeout"`
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
	CORSAllowedOrigins []string      `koanf:"cors_allowed_origins"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	MigrateOnStart  bool          `koanf:"migrate_on_start"`
}

// RedisConfig enables the Redis job lock and website cache. Empty URL disables Redis.
type RedisConfig struct {
	URL string `koanf:"url"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AuthConfig configures operator bearer tokens.
type AuthConfig struct {
	Secret   string        `koanf:"secret"`
	TokenTTL time.Duration `koanf:"token_ttl"`
}

// WindowConfig is a daily send window in the lead's local time.
type WindowConfig struct {
	StartHour int      `koanf:"start_hour"`
	EndHour   int      `koanf:"end_hour"`
	Days      []string `koanf:"days"`
}

// BusinessHoursConfig holds the queue and follow-up windows.
type BusinessHoursConfig struct {
	Queue    WindowConfig `koanf:"queue"`
	Followup WindowConfig `koanf:"followup"`
}

// QuotaConfig bounds daily and per-request volume.
type QuotaConfig struct {
	DailyLimit     int           `koanf:"daily_limit"`
	DailyBatchSize int           `koanf:"daily_batch_size"`
	SweepLimit     int           `koanf:"sweep_limit"`
	MaxManualLeads int           `koanf:"max_manual_leads"`
	LockTTL        time.Duration `koanf:"lock_ttl"`
}

// DLQConfig configures dead-letter retries.
type DLQConfig struct {
	MaxAttempts int             `koanf:"max_attempts"`
	Backoff     []time.Duration `koanf:"backoff"`
	BatchSize   int             `koanf:"batch_size"`
}

// WorkerConfig configures the periodic jobs.
type WorkerConfig struct {
	Enabled       bool          `koanf:"enabled"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	DailyInterval time.Duration `koanf:"daily_interval"`
	DailyEnabled  bool          `koanf:"daily_enabled"`
	LockTTL       time.Duration `koanf:"lock_ttl"`
}

// DeliveryConfig selects and configures the mail relay.
type DeliveryConfig struct {
	Provider     string        `koanf:"provider"`
	SendInterval time.Duration `koanf:"send_interval"`
	Webhook      WebhookConfig `koanf:"webhook"`
	SMTP         SMTPConfig    `koanf:"smtp"`
}

// WebhookConfig configures the relay webhooks per email type.
type WebhookConfig struct {
	InitialURL    string        `koanf:"initial_url"`
	Followup5URL  string        `koanf:"followup_5day_url"`
	Followup10URL string        `koanf:"followup_10day_url"`
	Timeout       time.Duration `koanf:"timeout"`
}

// SMTPConfig configures direct SMTP delivery.
type SMTPConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	FromAddress string        `koanf:"from_address"`
	FromName    string        `koanf:"from_name"`
	Timeout     time.Duration `koanf:"timeout"`
}

// ContentConfig configures message content resolution.
type ContentConfig struct {
	SenderName            string        `koanf:"sender_name"`
	MinPersonalizedLength int           `koanf:"min_personalized_length"`
	OpenAI                OpenAIConfig  `koanf:"openai"`
	Website               WebsiteConfig `koanf:"website"`
}

// OpenAIConfig configures body generation.
type OpenAIConfig struct {
	Enabled      bool          `koanf:"enabled"`
	APIKey       string        `koanf:"api_key"`
	BaseURL      string        `koanf:"base_url"`
	Model        string        `koanf:"model"`
	Timeout      time.Duration `koanf:"timeout"`
	MaxTokens    int           `koanf:"max_tokens"`
	MaxSiteChars int           `koanf:"max_site_chars"`
}

// WebsiteConfig configures the scrape API used to read company websites.
type WebsiteConfig struct {
	Enabled  bool          `koanf:"enabled"`
	BaseURL  string        `koanf:"base_url"`
	APIKey   string        `koanf:"api_key"`
	Timeout  time.Duration `koanf:"timeout"`
	CacheTTL time.Duration `koanf:"cache_ttl"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	cfg := Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Minute,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    2,
			ConnMaxLifetime: time.Hour,
			ConnectAttempts: 5,
			ConnectTimeout:  time.Minute,
			MigrateOnStart:  true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			TokenTTL: 30 * 24 * time.Hour,
		},
		BusinessHours: BusinessHoursConfig{
			Queue:    WindowConfig{StartHour: 9, EndHour: 18},
			Followup: WindowConfig{StartHour: 9, EndHour: 19},
		},
		Quota: QuotaConfig{
			DailyLimit:     400,
			DailyBatchSize: 400,
			SweepLimit:     200,
			MaxManualLeads: 500,
			LockTTL:        time.Hour,
		},
		DLQ: DLQConfig{
			MaxAttempts: 3,
			BatchSize:   100,
		},
		Worker: WorkerConfig{
			Enabled:       true,
			SweepInterval: 15 * time.Minute,
			DailyInterval: time.Hour,
			DailyEnabled:  true,
			LockTTL:       30 * time.Minute,
		},
		Delivery: DeliveryConfig{
			Provider:     ProviderWebhook,
			SendInterval: 1500 * time.Millisecond,
			Webhook:      WebhookConfig{Timeout: 30 * time.Second},
			SMTP:         SMTPConfig{Port: 587, Timeout: 15 * time.Second},
		},
		Content: ContentConfig{
			SenderName:            "Sales Team",
			MinPersonalizedLength: 200,
			OpenAI: OpenAIConfig{
				Model:        "gpt-4o-mini",
				Timeout:      60 * time.Second,
				MaxTokens:    800,
				MaxSiteChars: 6000,
			},
			Website: WebsiteConfig{
				Timeout:  30 * time.Second,
				CacheTTL: 24 * time.Hour,
			},
		},
	}
	cfg.defaultLists()
	return cfg
}

// defaultLists fills list settings left empty. Load applies it after
// unmarshalling so configured lists replace the defaults.
func (c *Config) defaultLists() {
	weekdays := []string{"mon", "tue", "wed", "thu", "fri", "sat"}
	if len(c.BusinessHours.Queue.Days) == 0 {
		c.BusinessHours.Queue.Days = weekdays
	}
	if len(c.BusinessHours.Followup.Days) == 0 {
		c.BusinessHours.Followup.Days = slices.Clone(weekdays)
	}
	if len(c.DLQ.Backoff) == 0 {
		c.DLQ.Backoff = []time.Duration{time.Hour, 2 * time.Hour, 4 * time.Hour}
	}
}

// Load reads .env (if present), then path (if non-empty), then OUTREACH_*
// environment variables, each layer overriding the previous one.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	cfg.BusinessHours.Queue.Days = nil
	cfg.BusinessHours.Followup.Days = nil
	cfg.DLQ.Backoff = nil
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.defaultLists()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// listKeys are split on commas when read from the environment.
var listKeys = []string{".days", ".backoff", "cors_allowed_origins"}

func envKey(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	key = strings.ReplaceAll(key, "__", ".")
	for _, suffix := range listKeys {
		if strings.HasSuffix(key, suffix) {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			return key, parts
		}
	}
	return key, value
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if len(c.Auth.Secret) < 16 {
		errs = append(errs, errors.New("auth.secret must be at least 16 characters"))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	if _, err := c.BusinessHours.Queue.Window(); err != nil {
		errs = append(errs, fmt.Errorf("business_hours.queue: %w", err))
	}
	if _, err := c.BusinessHours.Followup.Window(); err != nil {
		errs = append(errs, fmt.Errorf("business_hours.followup: %w", err))
	}

	if c.Quota.DailyLimit <= 0 {
		errs = append(errs, errors.New("quota.daily_limit must be positive"))
	}
	if c.DLQ.MaxAttempts <= 0 {
		errs = append(errs, errors.New("dlq.max_attempts must be positive"))
	}
	for _, d := range c.DLQ.Backoff {
		if d <= 0 {
			errs = append(errs, errors.New("dlq.backoff entries must be positive"))
			break
		}
	}
	if c.Delivery.SendInterval < 0 {
		errs = append(errs, errors.New("delivery.send_interval must not be negative"))
	}

	switch c.Delivery.Provider {
	case ProviderWebhook:
		if c.Delivery.Webhook.InitialURL == "" {
			errs = append(errs, errors.New("delivery.webhook.initial_url is required for the webhook provider"))
		}
	case ProviderSMTP:
		if c.Delivery.SMTP.Host == "" || c.Delivery.SMTP.FromAddress == "" {
			errs = append(errs, errors.New("delivery.smtp.host and delivery.smtp.from_address are required for the smtp provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("delivery.provider %q is not one of webhook, smtp", c.Delivery.Provider))
	}

	if c.Content.OpenAI.Enabled && c.Content.OpenAI.APIKey == "" {
		errs = append(errs, errors.New("content.openai.api_key is required when openai is enabled"))
	}
	if c.Content.Website.Enabled && c.Content.Website.BaseURL == "" {
		errs = append(errs, errors.New("content.website.base_url is required when website fetching is enabled"))
	}

	return errors.Join(errs...)
}
