package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/file-relay-go/internal/util"
)

const (
	StoreBackendMemory = "memory"
	StoreBackendRedis  = "redis"

	KeyDeliverySeparate = "separate"
	KeyDeliveryLink     = "link"
	KeyDeliveryServer   = "server"
)

type Config struct {
	Port                 int    `env:"PORT" envDefault:"8080"`
	Environment          string `env:"APP_ENV" envDefault:"development"`
	LogLevel             string `env:"LOG_LEVEL" envDefault:"info"`
	MinTTLSeconds        int    `env:"MIN_TTL_SECONDS" envDefault:"30"`
	MaxTTLSeconds        int    `env:"MAX_TTL_SECONDS" envDefault:"3600"`
	DefaultTTLSeconds    int    `env:"DEFAULT_TTL_SECONDS" envDefault:"600"`
	MaxPayloadBytes      int64  `env:"MAX_PAYLOAD_BYTES" envDefault:"67108864"`
	MaxFiles             int    `env:"MAX_FILES" envDefault:"32"`
	OneShot              bool   `env:"ONE_SHOT" envDefault:"true"`
	KeyDelivery          string `env:"KEY_DELIVERY" envDefault:"separate"`
	SweepIntervalSeconds int    `env:"SWEEP_INTERVAL_SECONDS" envDefault:"30"`
	StoreBackend         string `env:"STORE_BACKEND" envDefault:"memory"`
	RedisURL             string `env:"REDIS_URL"`
	EncryptionKey        string `env:"ENCRYPTION_KEY"`
	PublicBaseURL        string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	RateLimitPerMin      int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	FailedLookupBurst    int    `env:"FAILED_LOOKUP_BURST" envDefault:"10"`
}

func (c *Config) MinTTL() time.Duration {
	return time.Duration(c.MinTTLSeconds) * time.Second
}

func (c *Config) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSeconds) * time.Second
}

func (c *Config) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) UsesRedis() bool {
	return c.StoreBackend == StoreBackendRedis
}

func (c *Config) Validate(isProduction bool) error {
	if c.MinTTLSeconds <= 0 {
		return fmt.Errorf("MIN_TTL_SECONDS must be positive")
	}
	if c.MaxTTLSeconds < c.MinTTLSeconds {
		return fmt.Errorf("MAX_TTL_SECONDS must not be below MIN_TTL_SECONDS")
	}
	if c.DefaultTTLSeconds < c.MinTTLSeconds || c.DefaultTTLSeconds > c.MaxTTLSeconds {
		return fmt.Errorf("DEFAULT_TTL_SECONDS must lie within [MIN_TTL_SECONDS, MAX_TTL_SECONDS]")
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("MAX_PAYLOAD_BYTES must be positive")
	}
	if c.MaxFiles <= 0 {
		return fmt.Errorf("MAX_FILES must be positive")
	}
	if c.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL_SECONDS must be positive")
	}
	if c.RateLimitPerMin <= 0 || c.FailedLookupBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MIN and FAILED_LOOKUP_BURST must be positive")
	}

	if !util.IsValidEnum(c.KeyDelivery, []string{KeyDeliverySeparate, KeyDeliveryLink, KeyDeliveryServer}) {
		return fmt.Errorf("KEY_DELIVERY must be one of separate, link, server")
	}
	if !util.IsValidEnum(c.StoreBackend, []string{StoreBackendMemory, StoreBackendRedis}) {
		return fmt.Errorf("STORE_BACKEND must be one of memory, redis")
	}

	if c.EncryptionKey != "" {
		if _, err := util.ParseMasterKey(c.EncryptionKey); err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
	}

	if c.UsesRedis() {
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when STORE_BACKEND=redis")
		}
		if c.KeyDelivery == KeyDeliveryServer && c.EncryptionKey == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required to keep server-held keys in redis")
		}
	}

	if _, err := url.ParseRequestURI(c.PublicBaseURL); err != nil {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute URL: %w", err)
	}

	if isProduction {
		if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
		if c.KeyDelivery == KeyDeliveryLink {
			log.Warn().Msg("KEY_DELIVERY=link embeds keys in share links: anyone holding the link can decrypt")
		}
		if !strings.HasPrefix(c.PublicBaseURL, "https://") {
			log.Warn().Msg("PUBLIC_BASE_URL is not https in production")
		}
	}

	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
