// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config defines the mount-time configuration struct and its
// pflag/viper wiring. Nothing outside this package reads a flag, an
// environment variable, or a config file directly; every other package
// takes an already-validated Config value.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ByteSize is a size in bytes, accepted from config/flags as either a
// plain integer or a "512MB"/"2GiB"-style string.
type ByteSize int64

// LogSeverity is an enum decoded from a case-insensitive string and
// validated against a fixed set.
type LogSeverity string

const (
	LogTrace LogSeverity = "TRACE"
	LogDebug LogSeverity = "DEBUG"
	LogInfo  LogSeverity = "INFO"
	LogWarn  LogSeverity = "WARNING"
	LogError LogSeverity = "ERROR"
	LogOff   LogSeverity = "OFF"
)

// Config is the full set of recognized mount-time settings.
type Config struct {
	Cache   CacheConfig   `yaml:"cache"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// CacheConfig covers the engine's block-addressing and block-cache knobs.
type CacheConfig struct {
	// BlockSize is the fixed block size used to address objects; every
	// object key is anchored to a multiple of this value.
	BlockSize ByteSize `yaml:"blocksize"`

	// CacheSize bounds the sum of cached block sizes the local cache will
	// keep on disk before evicting.
	CacheSize ByteSize `yaml:"cachesize"`

	// CacheDir is the local directory holding cached block payloads.
	CacheDir string `yaml:"cachedir"`

	// ObfuscateKeys selects the object-key derivation strategy: true (the
	// default) derives a key from (inode, offset) alone; false embeds the
	// path in the key for backward compatibility with already-mounted
	// filesystems using the legacy scheme.
	ObfuscateKeys bool `yaml:"obfuscate_keys" mapstructure:"obfuscate_keys"`

	// Timeout bounds how long the reconciler will retry before giving up
	// on propagation and marking the filesystem damaged.
	Timeout time.Duration `yaml:"timeout"`
}

// LogConfig configures the process-wide structured logger.
type LogConfig struct {
	Path     string      `yaml:"path"`
	Format   string      `yaml:"format"` // "text" or "json"
	Severity LogSeverity `yaml:"severity"`
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	flagSet.String("cache.blocksize", "128KiB", "Block size used to address objects, e.g. 128KiB.")
	if err := viper.BindPFlag("cache.blocksize", flagSet.Lookup("cache.blocksize")); err != nil {
		return fmt.Errorf("config: bind cache.blocksize: %w", err)
	}

	flagSet.String("cache.cachesize", "1GiB", "Byte budget for the local block cache.")
	if err := viper.BindPFlag("cache.cachesize", flagSet.Lookup("cache.cachesize")); err != nil {
		return fmt.Errorf("config: bind cache.cachesize: %w", err)
	}

	flagSet.String("cache.cachedir", "", "Local directory for cached block payloads.")
	if err := viper.BindPFlag("cache.cachedir", flagSet.Lookup("cache.cachedir")); err != nil {
		return fmt.Errorf("config: bind cache.cachedir: %w", err)
	}

	flagSet.Bool("cache.obfuscate_keys", true, "Derive object keys from (inode, offset) rather than embedding the path.")
	if err := viper.BindPFlag("cache.obfuscate_keys", flagSet.Lookup("cache.obfuscate_keys")); err != nil {
		return fmt.Errorf("config: bind cache.obfuscate_keys: %w", err)
	}

	flagSet.String("cache.timeout", "30s", "Maximum time the reconciler waits for the object store to converge.")
	if err := viper.BindPFlag("cache.timeout", flagSet.Lookup("cache.timeout")); err != nil {
		return fmt.Errorf("config: bind cache.timeout: %w", err)
	}

	flagSet.String("log.path", "", "Log file path. Empty writes to stderr.")
	if err := viper.BindPFlag("log.path", flagSet.Lookup("log.path")); err != nil {
		return fmt.Errorf("config: bind log.path: %w", err)
	}

	flagSet.String("log.format", "text", "Log encoding: text or json.")
	if err := viper.BindPFlag("log.format", flagSet.Lookup("log.format")); err != nil {
		return fmt.Errorf("config: bind log.format: %w", err)
	}

	flagSet.String("log.severity", "INFO", "Minimum severity logged: TRACE, DEBUG, INFO, WARNING, ERROR, OFF.")
	if err := viper.BindPFlag("log.severity", flagSet.Lookup("log.severity")); err != nil {
		return fmt.Errorf("config: bind log.severity: %w", err)
	}

	flagSet.Bool("metrics.enabled", true, "Expose Prometheus metrics.")
	if err := viper.BindPFlag("metrics.enabled", flagSet.Lookup("metrics.enabled")); err != nil {
		return fmt.Errorf("config: bind metrics.enabled: %w", err)
	}

	return nil
}

// Load unmarshals v (a *viper.Viper already populated from flags, env, and
// an optional config file) into a Config, applying the package's decode
// hooks, and validates the result.
func Load(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(DecodeHook())); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func Validate(cfg *Config) error {
	if cfg.Cache.BlockSize <= 0 {
		return fmt.Errorf("config: cache.blocksize must be positive, got %d", cfg.Cache.BlockSize)
	}
	if cfg.Cache.CacheSize <= 0 {
		return fmt.Errorf("config: cache.cachesize must be positive, got %d", cfg.Cache.CacheSize)
	}
	if cfg.Cache.CacheDir == "" {
		return fmt.Errorf("config: cache.cachedir must be set")
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format must be text or json, got %q", cfg.Log.Format)
	}
	switch cfg.Log.Severity {
	case LogTrace, LogDebug, LogInfo, LogWarn, LogError, LogOff:
	default:
		return fmt.Errorf("config: invalid log.severity %q", cfg.Log.Severity)
	}
	return nil
}
