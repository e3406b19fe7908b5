// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/voxgate/transcribe-server/internal/config"
	"github.com/voxgate/transcribe-server/internal/log"
	"github.com/rs/zerolog"
)

// PerformStartupChecks validates the environment and dependencies before starting the server.
func PerformStartupChecks(ctx context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDataDir(logger, cfg.Data.Dir); err != nil {
		return fmt.Errorf("data directory check failed: %w", err)
	}

	if err := checkTargetedValidations(logger, cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("failed to ensure data directory %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msg("data directory is writable")
	return nil
}

// checkTargetedValidations performs security and runtime-critical validations.
func checkTargetedValidations(logger zerolog.Logger, cfg config.AppConfig) error {
	addr := cfg.Network.Addr()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid network address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid network port %q in %q", port, addr)
	}
	logger.Info().Str("host", host).Str("addr", addr).Msg("network address is valid")

	if !cfg.TLS.AutoGenerate {
		if err := checkFileReadable(cfg.TLS.CertPath); err != nil {
			return fmt.Errorf("tls cert error: %w", err)
		}
		if err := checkFileReadable(cfg.TLS.KeyPath); err != nil {
			return fmt.Errorf("tls key error: %w", err)
		}
		logger.Info().Msg("tls certificate pair is readable")
	}

	if cfg.Engine.Mode != "gpu" && cfg.Engine.Mode != "virtual" {
		return fmt.Errorf("engine.mode must be %q or %q, got %q", "gpu", "virtual", cfg.Engine.Mode)
	}
	if cfg.Engine.Mode == "virtual" {
		logger.Info().Msg("engine running in virtual mode; skipping GPU model checks")
	} else if cfg.Engine.ModelPath != "" {
		if err := checkFileReadable(cfg.Engine.ModelPath); err != nil {
			return fmt.Errorf("engine model path error: %w", err)
		}
		logger.Info().Str("model_path", cfg.Engine.ModelPath).Msg("engine model is readable")
	}

	tokenDir := filepath.Dir(cfg.Token.StorePath)
	if err := os.MkdirAll(tokenDir, 0o750); err != nil {
		return fmt.Errorf("failed to ensure token store directory %s: %w", tokenDir, err)
	}

	return nil
}

func checkFileReadable(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config; verifying readability is expected
	if err != nil {
		return err
	}
	return f.Close()
}
