// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"time"
)

// AppConfig is the full runtime configuration for the transcription server.
// It is loaded from an optional YAML file with environment variable overrides
// taking precedence over file values, which in turn take precedence over the
// defaults returned by Default.
type AppConfig struct {
	Environment string `yaml:"environment"`

	Network NetworkConfig `yaml:"network"`
	TLS     TLSConfig     `yaml:"tls"`
	Token   TokenConfig   `yaml:"token"`
	Data    DataConfig    `yaml:"data"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Engine  EngineConfig  `yaml:"engine"`
	Log     LogConfig     `yaml:"log"`
	CORS    CORSConfig    `yaml:"cors"`
}

// NetworkConfig describes the HTTPS listener.
type NetworkConfig struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// Addr returns the host:port listen address.
func (n NetworkConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// TLSConfig describes certificate material for the HTTPS/WSS listener.
type TLSConfig struct {
	CertPath     string `yaml:"cert_path"`
	KeyPath      string `yaml:"key_path"`
	AutoGenerate bool   `yaml:"auto_generate"`
}

// TokenConfig describes the on-disk token store.
type TokenConfig struct {
	StorePath string `yaml:"store_path"`
}

// DataConfig describes directories used for transient working data.
type DataConfig struct {
	Dir       string `yaml:"dir"`
	StaticDir string `yaml:"static_dir"`
}

// RateLimitConfig tunes both the failure-lockout limiter (C3) and the
// general-purpose token-bucket API throttle.
type RateLimitConfig struct {
	LoginWindow      time.Duration `yaml:"login_window"`
	LoginMaxAttempts int           `yaml:"login_max_attempts"`
	LoginLockout     time.Duration `yaml:"login_lockout"`
	APIEnabled       bool          `yaml:"api_enabled"`
	APIGlobalRPS     int           `yaml:"api_global_rps"`
	APIBurst         int           `yaml:"api_burst"`
	APIWhitelist     []string      `yaml:"api_whitelist"`
	RedisAddr        string        `yaml:"redis_addr"`
}

// EngineConfig tunes the transcription engine adapter (C5).
type EngineConfig struct {
	Mode            string        `yaml:"mode"` // "gpu" or "virtual" (deterministic test backend)
	ModelPath       string        `yaml:"model_path"`
	MaxQueueDepth   int           `yaml:"max_queue_depth"`
	Workers         int           `yaml:"workers"`
	IdleUnloadAfter time.Duration `yaml:"idle_unload_after"`
}

// LogConfig tunes the ambient structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// CORSConfig controls the (disabled-by-default) browser CORS middleware.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowCredentials bool     `yaml:"allow_credentials"`
}

// Default returns the built-in configuration defaults, applied before the
// config file and environment overrides.
func Default() AppConfig {
	return AppConfig{
		Environment: "development",
		Network: NetworkConfig{
			Host: "0.0.0.0",
			Port: 8443,
		},
		TLS: TLSConfig{
			CertPath:     "certs/server.crt",
			KeyPath:      "certs/server.key",
			AutoGenerate: true,
		},
		Token: TokenConfig{
			StorePath: "data/tokens.json",
		},
		Data: DataConfig{
			Dir:       "data",
			StaticDir: "web/dist",
		},
		RateLimit: RateLimitConfig{
			LoginWindow:      60 * time.Second,
			LoginMaxAttempts: 5,
			LoginLockout:     300 * time.Second,
			APIGlobalRPS:     50,
			APIBurst:         100,
		},
		Engine: EngineConfig{
			Mode:            "gpu",
			MaxQueueDepth:   32,
			Workers:         1,
			IdleUnloadAfter: 5 * time.Minute,
		},
		Log: LogConfig{
			Level: "info",
		},
		CORS: CORSConfig{
			Enabled: false,
		},
	}
}
