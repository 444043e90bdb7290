package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting; values come from environment
// variables, optionally seeded from a .env file.
type Config struct {
	HTTPAddr          string `mapstructure:"HTTP_ADDR"`
	PostgresDSN       string `mapstructure:"PG_DSN"`
	AuthSecret        string `mapstructure:"AUTH_SECRET"`
	GatewaySecret     string `mapstructure:"GATEWAY_SECRET"`
	Timezone          string `mapstructure:"TIMEZONE"`
	WalletName        string `mapstructure:"WALLET_NAME"`
	RateLimitPerSec   int    `mapstructure:"RATE_LIMIT_PER_SEC"`
	RateLimitBurst    int    `mapstructure:"RATE_LIMIT_BURST"`
	MaxBodyBytes      int64  `mapstructure:"MAX_BODY_BYTES"`
	ShutdownTimeoutMS int    `mapstructure:"SHUTDOWN_TIMEOUT_MS"`
}

// Load reads configuration from the environment, with path pointing at the
// directory that may contain an optional .env file.
func Load(path string) (Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName(".env")
	v.SetConfigType("env")

	v.SetEnvPrefix("CONTAFLOW")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("TIMEZONE", "America/Sao_Paulo")
	v.SetDefault("WALLET_NAME", "Carteira")
	v.SetDefault("RATE_LIMIT_PER_SEC", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("MAX_BODY_BYTES", 1<<20)
	v.SetDefault("SHUTDOWN_TIMEOUT_MS", 10_000)

	for _, key := range []string{"HTTP_ADDR", "PG_DSN", "AUTH_SECRET", "GATEWAY_SECRET", "TIMEZONE", "WALLET_NAME", "RATE_LIMIT_PER_SEC", "RATE_LIMIT_BURST", "MAX_BODY_BYTES", "SHUTDOWN_TIMEOUT_MS"} {
		_ = v.BindEnv(key)
	}

	// A missing .env file is fine; the environment alone may be complete.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

// Location resolves the configured timezone, falling back to UTC when the
// name is unknown.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ShutdownTimeout returns the graceful shutdown window.
func (c Config) ShutdownTimeout() time.Duration {
	if c.ShutdownTimeoutMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}
