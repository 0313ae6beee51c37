// Package config provides configuration loading for hass-action.
// Configuration is loaded in order: YAML file → .env file → ENV vars → CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Transport names accepted by homeassistant.transport.
const (
	TransportREST      = "rest"
	TransportWebSocket = "websocket"
)

// Configuration errors. They are the only errors an action invocation
// surfaces to its caller; everything else is reported in the result.
var (
	ErrMissingBaseURL = errors.New("homeassistant.base_url is required (set via HASS_BASE_URL env var, --base-url flag, or config file)")
	ErrMissingToken   = errors.New("homeassistant.token is required (set via HASS_TOKEN env var, --token flag, or config file)")
)

var loadEnvOnce sync.Once

// loadDotEnv loads .env file if it exists (does not override existing env vars).
func loadDotEnv() {
	loadEnvOnce.Do(func() {
		for _, f := range []string{".env", "configs/.env"} {
			if _, err := os.Stat(f); err == nil {
				_ = godotenv.Load(f)
				return
			}
		}
	})
}

// mustBindEnv binds an environment variable to a config key, panicking on error.
// viper.BindEnv only fails for an empty key, which is a programming error.
func mustBindEnv(v *viper.Viper, key string, envVars ...string) {
	if err := v.BindEnv(append([]string{key}, envVars...)...); err != nil {
		panic(fmt.Sprintf("failed to bind env var for key %s: %v", key, err))
	}
}

// Config holds all configuration for hass-action.
type Config struct {
	HomeAssistant HomeAssistantConfig `mapstructure:"homeassistant" yaml:"homeassistant"`
	Server        ServerConfig        `mapstructure:"server" yaml:"server"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
	Metrics       MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
}

// HomeAssistantConfig holds the credentials and connection settings used
// for service calls.
type HomeAssistantConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	Token   string `mapstructure:"token" yaml:"token"`
	// InsecureSkipVerify accepts self-signed certificates. Off unless set.
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Transport          string        `mapstructure:"transport" yaml:"transport"`
}

// ServerConfig holds MCP server settings.
type ServerConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// Load loads configuration from YAML file, environment variables, and CLI flags
// bound to the global viper instance.
// Priority: CLI flags > ENV vars > .env file > YAML file > defaults.
// The configFile parameter is the path to the YAML config file (can be empty).
func Load(configFile string) (*Config, error) {
	return LoadWithViper(viper.GetViper(), configFile)
}

// LoadWithViper loads configuration using a pre-configured viper instance.
// This allows CLI flags to be bound before loading.
func LoadWithViper(v *viper.Viper, configFile string) (*Config, error) {
	cfg, err := load(v, configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadForDisplay loads configuration without validation, for display purposes.
// This allows showing the effective configuration even if required fields are missing.
func LoadForDisplay(configFile string) (*Config, error) {
	return load(viper.GetViper(), configFile)
}

func load(v *viper.Viper, configFile string) (*Config, error) {
	loadDotEnv()

	v.SetDefault("homeassistant.base_url", "")
	v.SetDefault("homeassistant.token", "")
	v.SetDefault("homeassistant.insecure_skip_verify", false)
	v.SetDefault("homeassistant.timeout", "30s")
	v.SetDefault("homeassistant.transport", TransportREST)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("metrics.enabled", true)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	mustBindEnv(v, "homeassistant.base_url", "HASS_BASE_URL")
	mustBindEnv(v, "homeassistant.token", "HASS_TOKEN")
	mustBindEnv(v, "homeassistant.insecure_skip_verify", "HASS_INSECURE_SKIP_VERIFY")
	mustBindEnv(v, "homeassistant.timeout", "HASS_TIMEOUT")
	mustBindEnv(v, "homeassistant.transport", "HASS_TRANSPORT")
	mustBindEnv(v, "server.port", "HASS_ACTION_PORT")
	mustBindEnv(v, "logging.level", "HASS_ACTION_LOG_LEVEL")
	mustBindEnv(v, "metrics.enabled", "HASS_ACTION_METRICS")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.HomeAssistant.Transport = strings.ToLower(strings.TrimSpace(cfg.HomeAssistant.Transport))

	return cfg, nil
}

// MaskedConfig returns a copy of the config with sensitive data masked.
func (c *Config) MaskedConfig() Config {
	masked := *c
	if masked.HomeAssistant.Token != "" {
		masked.HomeAssistant.Token = maskToken(masked.HomeAssistant.Token)
	}
	return masked
}

// maskToken masks a token, showing only the first 4 and last 4 characters.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "****" + token[len(token)-4:]
}

// Validate checks that all required configuration is present.
// Missing credentials are reported with ErrMissingBaseURL or ErrMissingToken.
func (c *Config) Validate() error {
	if err := c.HomeAssistant.Validate(); err != nil {
		return err
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	return nil
}

// Validate checks the Home Assistant credentials and connection settings.
func (h HomeAssistantConfig) Validate() error {
	if strings.TrimSpace(h.BaseURL) == "" {
		return ErrMissingBaseURL
	}
	if strings.TrimSpace(h.Token) == "" {
		return ErrMissingToken
	}
	switch h.Transport {
	case "", TransportREST, TransportWebSocket:
	default:
		return fmt.Errorf("homeassistant.transport must be %q or %q, got %q", TransportREST, TransportWebSocket, h.Transport)
	}
	if h.Timeout < 0 {
		return fmt.Errorf("homeassistant.timeout must not be negative")
	}
	return nil
}
