// Package config loads service configuration from file and environment.
// Provider API keys follow the conventional bare variables
// (ANTHROPIC_API_KEY, GEMINI_API_KEY, ...) so deployments need no
// DOCPIPE_ prefixed duplicates for secrets.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/spf13/viper"

	"github.com/controllame/docpipe/internal/models"
	"github.com/controllame/docpipe/internal/provider"
)

// Config holds all configuration for the analysis service.
type Config struct {
	General   GeneralConfig             `mapstructure:"general"`
	Server    ServerConfig              `mapstructure:"server"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Pipeline  PipelineConfig            `mapstructure:"pipeline"`
	Storage   StorageConfig             `mapstructure:"storage"`
	Knowledge KnowledgeConfig           `mapstructure:"knowledge"`
	Telemetry TelemetryConfig           `mapstructure:"telemetry"`
	Console   ConsoleConfig             `mapstructure:"console"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ProviderConfig overrides one model backend's defaults. Unset fields
// fall back to the provider package's built-in settings.
type ProviderConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// PipelineConfig tunes the analysis pipeline.
type PipelineConfig struct {
	DefaultTier     string        `mapstructure:"default_tier"`
	SessionTTL      time.Duration `mapstructure:"session_ttl"`
	CleanupSchedule string        `mapstructure:"cleanup_schedule"`
}

func (p PipelineConfig) Validate() error {
	if !models.ValidTier(models.Tier(p.DefaultTier)) {
		return fmt.Errorf("pipeline.default_tier %q is not a known tier", p.DefaultTier)
	}
	if p.SessionTTL <= 0 {
		return fmt.Errorf("pipeline.session_ttl must be positive")
	}
	if _, err := cronexpr.Parse(p.CleanupSchedule); err != nil {
		return fmt.Errorf("pipeline.cleanup_schedule: %w", err)
	}
	return nil
}

// StorageConfig contains persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains the session store connection settings.
type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("storage.postgres.url required (or DATABASE_URL)")
	}
	return nil
}

// RedisConfig contains the single-flight lock backend settings. An
// empty address disables duplicate-run suppression.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KnowledgeConfig controls the vector knowledge base. Indexing is
// skipped entirely when no embedding key is configured.
type KnowledgeConfig struct {
	EmbeddingModel    string `mapstructure:"embedding_model"`
	EmbeddingProvider string `mapstructure:"embedding_provider"`
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPath string `mapstructure:"metrics_path"`
}

// ConsoleConfig protects the operator console. PasswordHash is a bcrypt
// hash; tokens are signed JWTs carrying tier and disabled agents.
type ConsoleConfig struct {
	PasswordHash string        `mapstructure:"password_hash"`
	JWTSecret    string        `mapstructure:"jwt_secret"`
	TokenTTL     time.Duration `mapstructure:"token_ttl"`
}

func (c ConsoleConfig) Validate() error {
	if c.PasswordHash != "" && c.JWTSecret == "" {
		return fmt.Errorf("console.jwt_secret required when console password is set")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("console.token_ttl must be positive")
	}
	return nil
}

// ProviderSettings converts the config map into the provider package's
// settings, keyed by backend name. Unknown names are rejected upstream
// by the registry.
func (c *Config) ProviderSettings() map[provider.Name]provider.Settings {
	out := make(map[provider.Name]provider.Settings, len(c.Providers))
	for name, pc := range c.Providers {
		out[provider.Name(name)] = provider.Settings{
			APIKey:       pc.APIKey,
			BaseURL:      pc.BaseURL,
			Timeout:      pc.Timeout,
			MaxAttempts:  pc.MaxRetries,
			RetryBackoff: pc.RetryBackoff,
		}
	}
	return out
}

// DefaultTier returns the configured tier floor.
func (c *Config) DefaultTier() models.Tier {
	return models.Tier(c.Pipeline.DefaultTier)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.debug", false)
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.request_timeout", 5*time.Minute)
	v.SetDefault("pipeline.default_tier", string(models.TierPartner))
	v.SetDefault("pipeline.session_ttl", 24*time.Hour)
	v.SetDefault("pipeline.cleanup_schedule", "0 * * * *")
	v.SetDefault("knowledge.embedding_model", "text-embedding-3-small")
	v.SetDefault("knowledge.embedding_provider", "openai")
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.metrics_path", "/metrics")
	v.SetDefault("console.token_ttl", 12*time.Hour)
}

// Secrets and connection strings read from their conventional variables
// in addition to the DOCPIPE_ prefixed form.
func bindEnvAliases(v *viper.Viper) {
	aliases := map[string]string{
		"storage.postgres.url":         "DATABASE_URL",
		"storage.redis.addr":           "REDIS_ADDR",
		"storage.redis.password":       "REDIS_PASSWORD",
		"console.jwt_secret":           "CONSOLE_JWT_SECRET",
		"console.password_hash":        "CONSOLE_PASSWORD_HASH",
		"providers.anthropic.api_key":  "ANTHROPIC_API_KEY",
		"providers.gemini.api_key":     "GEMINI_API_KEY",
		"providers.openai.api_key":     "OPENAI_API_KEY",
		"providers.mistral.api_key":    "MISTRAL_API_KEY",
		"providers.groq.api_key":       "GROQ_API_KEY",
		"providers.cerebras.api_key":   "CEREBRAS_API_KEY",
		"providers.deepseek.api_key":   "DEEPSEEK_API_KEY",
	}
	for key, env := range aliases {
		_ = v.BindEnv(key, "DOCPIPE_"+strings.ToUpper(strings.NewReplacer(".", "_").Replace(key)), env)
	}
}

// Load reads configuration from the given file, or from the standard
// search paths when path is empty. A missing file is not an error; the
// defaults plus environment cover a complete setup.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		exe, _ := os.Executable()
		v.AddConfigPath(filepath.Dir(exe))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DOCPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvAliases(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Pipeline.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Storage.Postgres.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Console.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
