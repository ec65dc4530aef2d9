package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           int    `mapstructure:"PORT"`
	APIKey         string `mapstructure:"API_KEY"`
	VerboseLogging bool   `mapstructure:"VERBOSE_LOGGING"`
	RateLimit      int    `mapstructure:"RATE_LIMIT"`
	StoragePath    string `mapstructure:"STORAGE_PATH"`
	PublicURL      string `mapstructure:"PUBLIC_URL"`

	TelegramBotToken    string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramChatID      string `mapstructure:"TELEGRAM_CHAT_ID"`
	TelegramBotUsername string `mapstructure:"TELEGRAM_BOT_USERNAME"`
	TelegramAPIURL      string `mapstructure:"TELEGRAM_API_URL"`
	TelegramSecretToken string `mapstructure:"TELEGRAM_WEBHOOK_SECRET"`

	SlackBotToken      string `mapstructure:"SLACK_BOT_TOKEN"`
	SlackSigningSecret string `mapstructure:"SLACK_SIGNING_SECRET"`

	GitHubWebhookSecret string `mapstructure:"GITHUB_WEBHOOK_SECRET"`

	DevflowAPISecret string `mapstructure:"DEVFLOW_API_SECRET"`
	AgentHostURL     string `mapstructure:"AGENT_HOST_URL"`

	CredentialEncryptionKey string `mapstructure:"CREDENTIAL_ENCRYPTION_KEY"`

	DeliveryTimeout time.Duration `mapstructure:"DELIVERY_TIMEOUT"`
	TaskStore       string        `mapstructure:"TASK_STORE"`
	TaskMappingTTL  time.Duration `mapstructure:"TASK_MAPPING_TTL"`
	EventRetention  time.Duration `mapstructure:"EVENT_RETENTION"`

	AIBaseURL string `mapstructure:"AI_BASE_URL"`
	AIAPIKey  string `mapstructure:"GROQ_API_KEY"`
	AIModel   string `mapstructure:"AI_MODEL"`

	SMTPHost     string `mapstructure:"SMTP_HOST"`
	SMTPPort     int    `mapstructure:"SMTP_PORT"`
	SMTPUsername string `mapstructure:"SMTP_USERNAME"`
	SMTPPassword string `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom     string `mapstructure:"SMTP_FROM"`
}

var keys = []string{
	"PORT", "API_KEY", "VERBOSE_LOGGING", "RATE_LIMIT", "STORAGE_PATH", "PUBLIC_URL",
	"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "TELEGRAM_BOT_USERNAME", "TELEGRAM_API_URL", "TELEGRAM_WEBHOOK_SECRET",
	"SLACK_BOT_TOKEN", "SLACK_SIGNING_SECRET",
	"GITHUB_WEBHOOK_SECRET",
	"DEVFLOW_API_SECRET", "AGENT_HOST_URL",
	"CREDENTIAL_ENCRYPTION_KEY",
	"DELIVERY_TIMEOUT", "TASK_STORE", "TASK_MAPPING_TTL", "EVENT_RETENTION",
	"AI_BASE_URL", "GROQ_API_KEY", "AI_MODEL",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USERNAME", "SMTP_PASSWORD", "SMTP_FROM",
}

// Load reads configuration from the environment. PINGA_CONFIG may point at an
// optional config file whose values are overridden by the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range keys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("binding %s: %w", k, err)
		}
	}

	setDefaults(v)

	if path := os.Getenv("PINGA_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")
	cfg.AgentHostURL = strings.TrimRight(cfg.AgentHostURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("VERBOSE_LOGGING", false)
	v.SetDefault("RATE_LIMIT", 100)
	v.SetDefault("STORAGE_PATH", "./data/pinga.db")
	v.SetDefault("PUBLIC_URL", "http://localhost:8080")
	v.SetDefault("TELEGRAM_API_URL", "https://api.telegram.org")
	v.SetDefault("DELIVERY_TIMEOUT", 10*time.Second)
	v.SetDefault("TASK_STORE", "memory")
	v.SetDefault("TASK_MAPPING_TTL", 24*time.Hour)
	v.SetDefault("EVENT_RETENTION", 7*24*time.Hour)
	v.SetDefault("AI_BASE_URL", "https://api.groq.com/openai/v1")
	v.SetDefault("AI_MODEL", "llama-3.1-8b-instant")
	v.SetDefault("SMTP_PORT", 587)
}

func (c *Config) Validate() error {
	if c.APIKey == "" {
		return errors.New("API_KEY environment variable is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.DeliveryTimeout <= 0 {
		return errors.New("DELIVERY_TIMEOUT must be positive")
	}
	if c.TaskMappingTTL <= 0 {
		return errors.New("TASK_MAPPING_TTL must be positive")
	}
	if c.EventRetention <= 0 {
		return errors.New("EVENT_RETENTION must be positive")
	}
	switch c.TaskStore {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("TASK_STORE must be memory or sqlite, got %q", c.TaskStore)
	}
	return nil
}

func (c *Config) IsTelegramEnabled() bool {
	return c.TelegramBotToken != ""
}

func (c *Config) IsSlackEnabled() bool {
	return c.SlackBotToken != ""
}

func (c *Config) IsDevflowEnabled() bool {
	return c.AgentHostURL != ""
}

func (c *Config) IsSummaryEnabled() bool {
	return c.AIAPIKey != ""
}

func (c *Config) IsEmailEnabled() bool {
	return c.SMTPHost != "" && c.SMTPFrom != ""
}
