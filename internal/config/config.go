// Package config loads the service configuration from an optional config
// file and CARTO_-prefixed environment variables, with a .env file picked
// up for local development.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration settings for the georeferencing service.
type Config struct {
	Env        string         `mapstructure:"env"`         // Env is the current environment: local, dev, prod.
	Port       int            `mapstructure:"port"`        // Port is the HTTP and monitoring server port.
	Provider   ProviderConfig `mapstructure:"provider"`    // Provider selects and keys the geocoding backend.
	Ollama     OllamaConfig   `mapstructure:"ollama"`      // Ollama holds the vision model settings.
	Overlay    OverlayConfig  `mapstructure:"overlay"`     // Overlay controls composite screenshot rendering.
	SessionTTL time.Duration  `mapstructure:"session_ttl"` // SessionTTL bounds how long an idle session survives.
	Database   PostgresConfig `mapstructure:"postgres"`    // Database holds the extraction cache settings.
}

// ProviderConfig selects the geocoding provider.
type ProviderConfig struct {
	Type      string `mapstructure:"type"`       // google or nominatim.
	APIKey    string `mapstructure:"api_key"`    // Required for Google; also keys the Static Maps API.
	RateLimit int    `mapstructure:"rate_limit"` // Requests per second for the Google client.
}

// OllamaConfig holds the vision model settings. The host comes from the
// standard OLLAMA_HOST variable, not from here.
type OllamaConfig struct {
	Model string `mapstructure:"model"`
}

// OverlayConfig controls how the plan image is composited over map tiles.
type OverlayConfig struct {
	Opacity float64 `mapstructure:"opacity"` // 0..1
}

// PostgresConfig holds the connection details for the extraction cache.
// An empty host disables the cache entirely.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"db_name"`
}

// Enabled reports whether a cache database was configured.
func (p PostgresConfig) Enabled() bool {
	return p.Host != ""
}

// MustLoad loads the configuration and panics on any error. Intended for
// use from main, where a bad configuration should stop the process.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err.Error())
	}
	return cfg
}

// Load reads configuration from an optional config.yaml and the
// environment. Environment variables use the CARTO_ prefix with
// underscores: CARTO_PROVIDER_API_KEY maps to provider.api_key.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	v.SetDefault("env", "production")
	v.SetDefault("port", 8080)
	v.SetDefault("provider.type", "google")
	v.SetDefault("provider.rate_limit", 10)
	v.SetDefault("ollama.model", "llama3.2-vision")
	v.SetDefault("overlay.opacity", 0.6)
	v.SetDefault("session_ttl", "2h")
	v.SetDefault("postgres.port", "5432")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	_ = v.ReadInConfig() // OK if missing

	v.SetEnvPrefix("CARTO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port must be 1-65535, got %d", c.Port))
	}
	if c.Provider.Type != "google" && c.Provider.Type != "nominatim" {
		errs = append(errs, fmt.Sprintf("provider.type must be google or nominatim, got %q", c.Provider.Type))
	}
	if c.Provider.Type == "google" && c.Provider.APIKey == "" {
		errs = append(errs, "provider.api_key is required for the google provider")
	}
	if c.Overlay.Opacity < 0 || c.Overlay.Opacity > 1 {
		errs = append(errs, fmt.Sprintf("overlay.opacity must be within [0, 1], got %v", c.Overlay.Opacity))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, "session_ttl must be positive")
	}
	if c.Ollama.Model == "" {
		errs = append(errs, "ollama.model is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
