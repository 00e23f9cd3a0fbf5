// Package config loads bundlekit settings from ~/.bundlekit/config.yaml and
// BUNDLEKIT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const (
	dirName   = ".bundlekit"
	fileName  = "config"
	fileType  = "yaml"
	envPrefix = "BUNDLEKIT"
)

// Keys
const (
	KeyWorkers  = "workers"
	KeyThinArch = "thin.arch"
	KeyLogLevel = "log.level"
	KeyColor    = "color"
)

// Config holds the resolved settings.
type Config struct {
	Workers  int
	ThinArch string
	LogLevel slog.Level
	Color    bool
}

// Dir returns the path to the config directory (~/.bundlekit/).
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", dirName)
	}
	return filepath.Join(home, dirName)
}

// FilePath returns the full path to the config file (~/.bundlekit/config.yaml).
func FilePath() string {
	return filepath.Join(Dir(), fileName+"."+fileType)
}

// Load reads the config file at path, or FilePath() when path is empty, and
// overlays the environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = FilePath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType(fileType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyWorkers, 0)
	v.SetDefault(KeyThinArch, "arm64")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyColor, true)

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg := &Config{
		Workers:  v.GetInt(KeyWorkers),
		ThinArch: v.GetString(KeyThinArch),
		Color:    v.GetBool(KeyColor),
	}
	if cfg.Workers < 1 {
		cfg.Workers = runtime.NumCPU()
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString(KeyLogLevel))); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyLogLevel, err)
	}
	return cfg, nil
}
