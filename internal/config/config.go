// Package config loads matrixci tool settings from an optional YAML file and
// MATRIXCI_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	errUtils "matrixci/internal/errors"
)

const (
	// FileName is the config file looked up in the work directory.
	FileName  = ".matrixci"
	EnvPrefix = "MATRIXCI"
)

// Config holds all matrixci settings.
type Config struct {
	Log         LogConfig      `mapstructure:"log"`
	StateDir    string         `mapstructure:"state_dir"`
	Concurrency int            `mapstructure:"concurrency"`
	Env         EnvConfig      `mapstructure:"env"`
	Coverage    CoverageConfig `mapstructure:"coverage"`

	// Secrets lists host environment variables exposed to pipelines as
	// secrets.<NAME>. Unlisted variables are never visible as secrets.
	Secrets []string `mapstructure:"secrets"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// EnvConfig controls which host variables leak into step processes.
type EnvConfig struct {
	Passthrough []string `mapstructure:"passthrough"`
}

type CoverageConfig struct {
	Endpoint string        `mapstructure:"endpoint"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// DefaultPassthrough is the host environment visible to steps unless overridden.
var DefaultPassthrough = []string{"PATH", "HOME", "USERPROFILE", "SYSTEMROOT", "TEMP", "TMP", "TMPDIR", "LANG"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("state_dir", ".matrixci")
	v.SetDefault("concurrency", 0)
	v.SetDefault("env.passthrough", DefaultPassthrough)
	v.SetDefault("coverage.endpoint", "")
	v.SetDefault("coverage.timeout", 30*time.Second)
	v.SetDefault("secrets", []string{})
}

// Load reads configuration for workDir.
//
// If explicitPath is set the file must exist; otherwise <workDir>/.matrixci.yaml
// is optional. Relative state_dir values are resolved under workDir.
func Load(workDir, explicitPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(workDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicitPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: %w", errUtils.ErrInvalidConfig, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", errUtils.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if !filepath.IsAbs(cfg.StateDir) {
		cfg.StateDir = filepath.Join(workDir, cfg.StateDir)
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)
	return &cfg, nil
}

// Validate checks value ranges that viper cannot express.
func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must be >= 0 (got %d)", errUtils.ErrInvalidConfig, c.Concurrency)
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("%w: state_dir must not be empty", errUtils.ErrInvalidConfig)
	}
	if c.Coverage.Timeout < 0 {
		return fmt.Errorf("%w: coverage.timeout must not be negative", errUtils.ErrInvalidConfig)
	}
	return nil
}

// ResolveSecrets reads every configured secret from the host environment.
// Missing variables are omitted rather than set to an empty string.
func (c *Config) ResolveSecrets() map[string]string {
	return resolveSecrets(c.Secrets, os.LookupEnv)
}

func resolveSecrets(names []string, lookup func(string) (string, bool)) map[string]string {
	out := make(map[string]string, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if v, ok := lookup(name); ok {
			out[name] = v
		}
	}
	return out
}
