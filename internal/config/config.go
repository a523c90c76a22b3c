package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	libconfig "rechargehub/libs/config"
)

// Config defines recharge service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"RECHARGE_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"RECHARGE_POSTGRES_DSN"`
	} `yaml:"database"`
	Redis struct {
		Addr     string `yaml:"addr" env:"RECHARGE_REDIS_ADDR"`
		Password string `yaml:"password" env:"RECHARGE_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"RECHARGE_REDIS_DB"`
		TTL      int    `yaml:"ttlSeconds" env:"RECHARGE_REDIS_TTL"`
	} `yaml:"redis"`
	Auth struct {
		JWTSecret string `yaml:"jwtSecret" env:"RECHARGE_JWT_SECRET"`
	} `yaml:"auth"`
	Payment struct {
		BaseURL string `yaml:"baseUrl" env:"PAYMENT_GATEWAY_URL"`
		APIKey  string `yaml:"apiKey" env:"PAYMENT_GATEWAY_API_KEY"`
	} `yaml:"payment"`
	Provider struct {
		BaseURL       string `yaml:"baseUrl" env:"TOPUP_PROVIDER_URL"`
		APIKey        string `yaml:"apiKey" env:"TOPUP_PROVIDER_API_KEY"`
		WebhookSecret string `yaml:"webhookSecret" env:"TOPUP_WEBHOOK_SECRET"`
		// bcrypt hash of the key the provider presents on webhook calls,
		// so the plaintext never sits in config.
		WebhookKeyHash string `yaml:"webhookKeyHash" env:"TOPUP_WEBHOOK_KEY_HASH"`
	} `yaml:"provider"`
	Normalizer struct {
		BaseURL string `yaml:"baseUrl" env:"NORMALIZER_URL"`
	} `yaml:"normalizer"`
	Settlement struct {
		ConfirmationWindow time.Duration `yaml:"confirmationWindow" env:"CONFIRMATION_WINDOW"`
		CommissionBPS      int64         `yaml:"commissionBps" env:"COMMISSION_BPS"`
	} `yaml:"settlement"`
}

// Load reads configuration via shared helper.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8080"
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.TTL = 300
	cfg.Settlement.ConfirmationWindow = 24 * time.Hour
	cfg.Settlement.CommissionBPS = 250

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn required")
	}
	if strings.TrimSpace(cfg.Redis.Addr) == "" {
		return nil, errors.New("config: redis addr required")
	}
	if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
		return nil, errors.New("config: jwt secret required")
	}
	if strings.TrimSpace(cfg.Payment.BaseURL) == "" {
		return nil, errors.New("config: payment gateway url required")
	}
	if strings.TrimSpace(cfg.Provider.BaseURL) == "" {
		return nil, errors.New("config: top-up provider url required")
	}
	if strings.TrimSpace(cfg.Provider.WebhookSecret) == "" {
		return nil, errors.New("config: webhook secret required")
	}
	if strings.TrimSpace(cfg.Provider.WebhookKeyHash) == "" {
		return nil, errors.New("config: webhook key hash required")
	}
	if strings.TrimSpace(cfg.Normalizer.BaseURL) == "" {
		return nil, errors.New("config: normalizer url required")
	}
	if cfg.Settlement.ConfirmationWindow <= 0 {
		return nil, errors.New("config: confirmation window must be positive")
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}

// CacheTTL returns the view cache ttl as duration.
func (c *Config) CacheTTL() time.Duration {
	if c.Redis.TTL <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Redis.TTL) * time.Second
}
