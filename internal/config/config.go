package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the service settings. Values come from metecho.yaml, the
// environment (METECHO_ prefix) and .env files, in increasing precedence.
type Config struct {
	Workspace string `mapstructure:"workspace" yaml:"workspace" validate:"required"`
	HTTPAddr  string `mapstructure:"http_addr" yaml:"http_addr" validate:"required,hostname_port"`
	BasePath  string `mapstructure:"base_path" yaml:"base_path" validate:"required,startswith=/"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"required,oneof=debug info warn error dpanic panic fatal"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"required,oneof=json console"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file,omitempty"`

	JWTSecret           string `mapstructure:"jwt_secret" yaml:"-"`
	GitHubWebhookSecret string `mapstructure:"github_webhook_secret" yaml:"-"`
	GitHubToken         string `mapstructure:"github_token" yaml:"-"`
	GitHubAPIURL        string `mapstructure:"github_api_url" yaml:"github_api_url" validate:"required,url"`

	SFAPIVersion       string        `mapstructure:"sf_api_version" yaml:"sf_api_version" validate:"required"`
	SFDevHubInstance   string        `mapstructure:"sf_devhub_instance_url" yaml:"sf_devhub_instance_url,omitempty" validate:"omitempty,url"`
	SFDevHubUsername   string        `mapstructure:"sf_devhub_username" yaml:"sf_devhub_username,omitempty"`
	SFDevHubToken      string        `mapstructure:"sf_devhub_token" yaml:"-"`
	OrgRecheckInterval time.Duration `mapstructure:"org_recheck_interval" yaml:"org_recheck_interval"`

	QueueDriver      string `mapstructure:"queue_driver" yaml:"queue_driver" validate:"required,oneof=local asynq"`
	LocalWorkers     int    `mapstructure:"local_workers" yaml:"local_workers" validate:"gte=1,lte=64"`
	RedisAddr        string `mapstructure:"redis_addr" yaml:"redis_addr" validate:"omitempty,hostname_port"`
	RedisPassword    string `mapstructure:"redis_password" yaml:"-"`
	AsynqConcurrency int    `mapstructure:"asynq_concurrency" yaml:"asynq_concurrency" validate:"gte=1,lte=1000"`

	Subscribers []SubscriberConfig `mapstructure:"subscribers" yaml:"subscribers,omitempty" validate:"dive"`
}

// SubscriberConfig describes an outbound endpoint receiving entity change
// notifications.
type SubscriberConfig struct {
	URL            string   `mapstructure:"url" yaml:"url" validate:"required,url"`
	Events         []string `mapstructure:"events" yaml:"events,omitempty"`
	Secret         string   `mapstructure:"secret" yaml:"-"`
	Enabled        *bool    `mapstructure:"enabled" yaml:"enabled,omitempty"`
	TimeoutSeconds int      `mapstructure:"timeout_seconds" yaml:"timeout_seconds,omitempty"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("http_addr", "127.0.0.1:8080")
	v.SetDefault("base_path", "/v0")
	v.SetDefault("shutdown_timeout", "15s")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("github_api_url", "https://api.github.com")
	v.SetDefault("sf_api_version", "58.0")
	v.SetDefault("org_recheck_interval", "5m")
	v.SetDefault("queue_driver", "local")
	v.SetDefault("local_workers", 4)
	v.SetDefault("asynq_concurrency", 10)
}

// New returns a viper instance wired for the METECHO_ environment prefix
// and an optional metecho.yaml in the working directory.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName("metecho")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("METECHO")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads .env files, the optional config file and the environment,
// then validates the result.
func Load(v *viper.Viper) (*Config, error) {
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	if v == nil {
		v = New()
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	// AutomaticEnv only resolves keys viper already knows about.
	for _, key := range []string{"jwt_secret", "github_webhook_secret", "github_token", "sf_devhub_token", "sf_devhub_instance_url", "sf_devhub_username", "redis_addr", "redis_password", "log_file"} {
		_ = v.BindEnv(key)
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config unmarshal error: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MustLoad loads configuration or exits the process on failure.
func MustLoad(v *viper.Viper) *Config {
	c, err := Load(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	return c
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.QueueDriver == "asynq" && c.RedisAddr == "" {
		return fmt.Errorf("invalid configuration: redis_addr is required for queue_driver=asynq")
	}
	return nil
}

// ToYAML renders the config with secrets omitted.
func (c *Config) ToYAML() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
