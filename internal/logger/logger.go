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

// Package logger builds the process-wide *slog.Logger from config.Config.
// There is no package-level logger here: New returns a value the caller
// threads through every collaborator that needs to log (the engine never
// constructs its own).
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/s3qlfs/engine/internal/config"
)

// New builds a *slog.Logger from cfg. An empty cfg.Path writes to stderr;
// a non-empty path is opened through lumberjack so long-running mounts get
// log rotation without an external logrotate configuration.
func New(cfg config.LogConfig) (*slog.Logger, error) {
	var w io.Writer = os.Stderr
	if cfg.Path != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.Path,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
	}

	level, err := slogLevel(cfg.Severity)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		return nil, fmt.Errorf("logger: unknown format %q", cfg.Format)
	}

	return slog.New(handler), nil
}

// slogLevel maps config.LogSeverity onto slog.Level. TRACE has no slog
// equivalent and maps to one level below Debug, treating TRACE as "more
// verbose than Debug".
func slogLevel(sev config.LogSeverity) (slog.Level, error) {
	switch sev {
	case config.LogTrace:
		return slog.LevelDebug - 4, nil
	case config.LogDebug:
		return slog.LevelDebug, nil
	case config.LogInfo, "":
		return slog.LevelInfo, nil
	case config.LogWarn:
		return slog.LevelWarn, nil
	case config.LogError:
		return slog.LevelError, nil
	case config.LogOff:
		return slog.LevelError + 4, nil
	default:
		return 0, fmt.Errorf("logger: unknown severity %q", sev)
	}
}
