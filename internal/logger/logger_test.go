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

package logger

import (
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3qlfs/engine/internal/config"
)

func TestNewDefaultsToStderrJSON(t *testing.T) {
	log, err := New(config.LogConfig{Format: "json", Severity: config.LogInfo})
	require.NoError(t, err)
	assert.NotNil(t, log)
	assert.True(t, log.Enabled(nil, slog.LevelInfo))
	assert.False(t, log.Enabled(nil, slog.LevelDebug))
}

func TestNewWritesToFileWhenPathSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	log, err := New(config.LogConfig{Path: path, Format: "text", Severity: config.LogDebug})
	require.NoError(t, err)

	log.Debug("hello", "key", "value")
	assert.FileExists(t, path)
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	_, err := New(config.LogConfig{Format: "xml", Severity: config.LogInfo})
	assert.Error(t, err)
}

func TestNewRejectsUnknownSeverity(t *testing.T) {
	_, err := New(config.LogConfig{Format: "json", Severity: "VERBOSE"})
	assert.Error(t, err)
}

func TestSeverityOffDisablesError(t *testing.T) {
	log, err := New(config.LogConfig{Format: "json", Severity: config.LogOff})
	require.NoError(t, err)
	assert.False(t, log.Enabled(nil, slog.LevelError))
}
