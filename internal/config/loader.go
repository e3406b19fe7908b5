// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load builds an AppConfig by layering defaults, an optional YAML file at
// path (skipped if it does not exist), and environment variable overrides,
// in that order of increasing precedence.
func Load(path string) (AppConfig, error) {
	cfg := Default()

	if path != "" {
		if err := mergeFile(&cfg, path); err != nil {
			return AppConfig{}, err
		}
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

func mergeFile(cfg *AppConfig, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator-supplied startup flag
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

// applyEnvOverrides layers environment variables on top of file/defaults
// using the ParseX helpers so every override is logged at debug level.
func applyEnvOverrides(cfg *AppConfig) {
	cfg.Environment = ParseString("ENVIRONMENT", cfg.Environment)

	cfg.Network.Host = ParseString("NETWORK_HOST", cfg.Network.Host)
	cfg.Network.Port = ParseInt("NETWORK_PORT", cfg.Network.Port)
	cfg.Network.TrustedProxies = ParseStringSlice("NETWORK_TRUSTED_PROXIES", cfg.Network.TrustedProxies)

	cfg.TLS.CertPath = ParseString("TLS_CERT_PATH", cfg.TLS.CertPath)
	cfg.TLS.KeyPath = ParseString("TLS_KEY_PATH", cfg.TLS.KeyPath)
	cfg.TLS.AutoGenerate = ParseBool("TLS_AUTO_GENERATE", cfg.TLS.AutoGenerate)

	cfg.Token.StorePath = ParseString("TOKEN_STORE_PATH", cfg.Token.StorePath)

	cfg.Data.Dir = ParseString("DATA_DIR", cfg.Data.Dir)
	cfg.Data.StaticDir = ParseString("DATA_STATIC_DIR", cfg.Data.StaticDir)

	cfg.RateLimit.LoginWindow = ParseDuration("RATE_LIMIT_LOGIN_WINDOW", cfg.RateLimit.LoginWindow)
	cfg.RateLimit.LoginMaxAttempts = ParseInt("RATE_LIMIT_LOGIN_MAX_ATTEMPTS", cfg.RateLimit.LoginMaxAttempts)
	cfg.RateLimit.LoginLockout = ParseDuration("RATE_LIMIT_LOGIN_LOCKOUT", cfg.RateLimit.LoginLockout)
	cfg.RateLimit.APIEnabled = ParseBool("RATE_LIMIT_API_ENABLED", cfg.RateLimit.APIEnabled)
	cfg.RateLimit.APIGlobalRPS = ParseInt("RATE_LIMIT_API_GLOBAL_RPS", cfg.RateLimit.APIGlobalRPS)
	cfg.RateLimit.APIBurst = ParseInt("RATE_LIMIT_API_BURST", cfg.RateLimit.APIBurst)
	cfg.RateLimit.APIWhitelist = ParseStringSlice("RATE_LIMIT_API_WHITELIST", cfg.RateLimit.APIWhitelist)
	cfg.RateLimit.RedisAddr = ParseString("REDIS_ADDR", cfg.RateLimit.RedisAddr)

	cfg.Engine.Mode = ParseString("ENGINE_MODE", cfg.Engine.Mode)
	cfg.Engine.ModelPath = ParseString("ENGINE_MODEL_PATH", cfg.Engine.ModelPath)
	cfg.Engine.MaxQueueDepth = ParseInt("ENGINE_MAX_QUEUE_DEPTH", cfg.Engine.MaxQueueDepth)
	cfg.Engine.Workers = ParseInt("ENGINE_WORKERS", cfg.Engine.Workers)
	cfg.Engine.IdleUnloadAfter = ParseDuration("ENGINE_IDLE_UNLOAD_AFTER", cfg.Engine.IdleUnloadAfter)

	cfg.Log.Level = ParseString("LOG_LEVEL", cfg.Log.Level)

	cfg.CORS.Enabled = ParseBool("CORS_ENABLED", cfg.CORS.Enabled)
	cfg.CORS.AllowedOrigins = ParseStringSlice("CORS_ALLOWED_ORIGINS", cfg.CORS.AllowedOrigins)
	cfg.CORS.AllowCredentials = ParseBool("CORS_ALLOW_CREDENTIALS", cfg.CORS.AllowCredentials)
}

// Validate performs structural sanity checks beyond what the health package's
// startup checks cover (those verify the filesystem; this verifies values).
func Validate(cfg AppConfig) error {
	if cfg.Network.Port <= 0 || cfg.Network.Port > 65535 {
		return fmt.Errorf("network.port %d out of range", cfg.Network.Port)
	}
	if cfg.RateLimit.LoginMaxAttempts <= 0 {
		return fmt.Errorf("rate_limit.login_max_attempts must be positive")
	}
	if cfg.Engine.Mode != "gpu" && cfg.Engine.Mode != "virtual" {
		return fmt.Errorf("engine.mode must be \"gpu\" or \"virtual\", got %q", cfg.Engine.Mode)
	}
	if cfg.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	return nil
}
