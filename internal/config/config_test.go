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

package config

import (
	"testing"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestViper(t *testing.T) (*viper.Viper, *flag.FlagSet) {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	v := viper.New()
	require.NoError(t, bindFlagsTo(v, fs))
	return v, fs
}

// bindFlagsTo mirrors BindFlags but against an isolated *viper.Viper so
// tests do not pollute the global viper instance BindFlags uses.
func bindFlagsTo(v *viper.Viper, flagSet *flag.FlagSet) error {
	flagSet.String("cache.blocksize", "128KiB", "")
	flagSet.String("cache.cachesize", "1GiB", "")
	flagSet.String("cache.cachedir", "/var/cache/s3qlfs", "")
	flagSet.Bool("cache.obfuscate_keys", true, "")
	flagSet.String("cache.timeout", "30s", "")
	flagSet.String("log.path", "", "")
	flagSet.String("log.format", "text", "")
	flagSet.String("log.severity", "INFO", "")
	flagSet.Bool("metrics.enabled", true, "")

	for _, key := range []string{
		"cache.blocksize", "cache.cachesize", "cache.cachedir", "cache.obfuscate_keys",
		"cache.timeout", "log.path", "log.format", "log.severity", "metrics.enabled",
	} {
		if err := v.BindPFlag(key, flagSet.Lookup(key)); err != nil {
			return err
		}
	}
	return nil
}

func TestLoadAppliesDefaults(t *testing.T) {
	v, _ := newTestViper(t)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ByteSize(128*1024), cfg.Cache.BlockSize)
	assert.Equal(t, ByteSize(1024*1024*1024), cfg.Cache.CacheSize)
	assert.Equal(t, "/var/cache/s3qlfs", cfg.Cache.CacheDir)
	assert.True(t, cfg.Cache.ObfuscateKeys)
	assert.Equal(t, 30*time.Second, cfg.Cache.Timeout)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, LogInfo, cfg.Log.Severity)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadParsesByteSizeStrings(t *testing.T) {
	v, fs := newTestViper(t)
	require.NoError(t, fs.Set("cache.blocksize", "4MiB"))
	require.NoError(t, fs.Set("cache.cachesize", "512MB"))

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, ByteSize(4*1024*1024), cfg.Cache.BlockSize)
	assert.Equal(t, ByteSize(512*1000*1000), cfg.Cache.CacheSize)
}

func TestLoadRejectsInvalidSeverity(t *testing.T) {
	v, fs := newTestViper(t)
	require.NoError(t, fs.Set("log.severity", "VERBOSE"))

	_, err := Load(v)
	assert.Error(t, err)
}

func TestLoadNormalizesSeverityCase(t *testing.T) {
	v, fs := newTestViper(t)
	require.NoError(t, fs.Set("log.severity", "debug"))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, LogDebug, cfg.Log.Severity)
}

func TestValidateRejectsMissingCacheDir(t *testing.T) {
	cfg := Config{
		Cache: CacheConfig{BlockSize: 1, CacheSize: 1, CacheDir: ""},
		Log:   LogConfig{Format: "text", Severity: LogInfo},
	}
	assert.Error(t, Validate(&cfg))
}

func TestValidateRejectsBadLogFormat(t *testing.T) {
	cfg := Config{
		Cache: CacheConfig{BlockSize: 1, CacheSize: 1, CacheDir: "/tmp"},
		Log:   LogConfig{Format: "xml", Severity: LogInfo},
	}
	assert.Error(t, Validate(&cfg))
}
