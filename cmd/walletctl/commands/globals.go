package commands

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/moltbunker/walletlink/internal/config"
	"github.com/moltbunker/walletlink/internal/logging"
)

// Global CLI flags
var (
	// ConfigPath is the config file to load (default: ~/.walletlink/config.yaml)
	ConfigPath string

	// OutputFormat controls output format: "" (auto), "json", "plain"
	OutputFormat string
)

// logOutput receives the structured log
var logOutput io.Writer = os.Stderr

// configPath returns the config file from flag or default.
func configPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config and installs the configured logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath())
	if err != nil {
		return nil, err
	}
	if err := logging.Configure(logOutput, cfg.Log.Level, cfg.Log.Format); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}
	return cfg, nil
}

// Version information (set at build time)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// GetVersion returns the version string
func GetVersion() string {
	if Version != "dev" {
		return Version
	}
	// Try to get version from build info
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "" && info.Main.Version != "(devel)" {
			return info.Main.Version
		}
	}
	return "dev"
}

// GetCommit returns the git commit
func GetCommit() string {
	if Commit != "unknown" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" {
				if len(setting.Value) > 8 {
					return setting.Value[:8]
				}
				return setting.Value
			}
		}
	}
	return "unknown"
}

// GetGoVersion returns the Go version
func GetGoVersion() string {
	return runtime.Version()
}
