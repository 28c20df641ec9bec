package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultListen     = ":8440"
	defaultRatePerMin = 240

	envSharedSecret = "ISOLEND_SHARED_SECRET"
	envJWTSecret    = "ISOLEND_JWT_SECRET"
)

// Config captures the runtime settings for the lending service daemon.
type Config struct {
	ListenAddress string     `yaml:"listen"`
	Environment   string     `yaml:"environment"`
	ProtocolPath  string     `yaml:"protocol_config"`
	DataDir       string     `yaml:"data_dir"`
	Admin         string     `yaml:"admin"`
	Auth          AuthConfig `yaml:"auth"`
	RatePerMinute int        `yaml:"rate_per_minute"`
}

// AuthConfig lists the authenticators accepted by the mutating routes.
// Secrets may come from the environment instead of the file.
type AuthConfig struct {
	SharedSecretHeader string `yaml:"shared_secret_header"`
	SharedSecret       string `yaml:"shared_secret"`
	JWTSecret          string `yaml:"jwt_secret"`
}

// Load reads the YAML configuration from disk and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		ListenAddress: defaultListen,
		RatePerMinute: defaultRatePerMin,
	}
	if path == "" {
		return cfg, fmt.Errorf("config path required")
	}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	cfg.normalize()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) normalize() {
	if cfg == nil {
		return
	}
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.Environment = strings.TrimSpace(cfg.Environment)
	cfg.ProtocolPath = strings.TrimSpace(cfg.ProtocolPath)
	cfg.DataDir = strings.TrimSpace(cfg.DataDir)
	cfg.Admin = strings.TrimSpace(cfg.Admin)
	if cfg.RatePerMinute == 0 {
		cfg.RatePerMinute = defaultRatePerMin
	}
	cfg.Auth.normalize()
}

func (cfg *Config) validate() error {
	if cfg == nil {
		return fmt.Errorf("configuration is missing")
	}
	if cfg.ProtocolPath == "" {
		return fmt.Errorf("protocol_config path is required")
	}
	if cfg.RatePerMinute < 0 {
		return fmt.Errorf("rate_per_minute must be non-negative")
	}
	if err := cfg.Auth.validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	return nil
}

func (cfg *AuthConfig) normalize() {
	if cfg == nil {
		return
	}
	cfg.SharedSecretHeader = strings.TrimSpace(cfg.SharedSecretHeader)
	if cfg.SharedSecretHeader == "" {
		cfg.SharedSecretHeader = "X-Isolend-Secret"
	}
	cfg.SharedSecret = strings.TrimSpace(cfg.SharedSecret)
	if cfg.SharedSecret == "" {
		cfg.SharedSecret = strings.TrimSpace(os.Getenv(envSharedSecret))
	}
	cfg.JWTSecret = strings.TrimSpace(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = strings.TrimSpace(os.Getenv(envJWTSecret))
	}
}

func (cfg AuthConfig) validate() error {
	if cfg.SharedSecret == "" && cfg.JWTSecret == "" {
		return fmt.Errorf("a shared secret or jwt secret is required")
	}
	return nil
}

// Sanitized returns a copy with secrets masked for logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	if clone.Auth.SharedSecret != "" {
		clone.Auth.SharedSecret = "***"
	}
	if clone.Auth.JWTSecret != "" {
		clone.Auth.JWTSecret = "***"
	}
	return clone
}
