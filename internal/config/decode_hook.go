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
	"fmt"
	"reflect"
	"slices"
	"strings"

	units "github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
)

func hookFunc() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		s := data.(string)
		switch t {
		case reflect.TypeOf(ByteSize(0)):
			// IEC suffixes ("KiB", "GiB") are binary; SI suffixes ("KB",
			// "MB") and plain integers are decimal.
			parse := units.FromHumanSize
			if strings.ContainsAny(s, "iI") {
				parse = units.RAMInBytes
			}
			n, err := parse(s)
			if err != nil {
				return nil, fmt.Errorf("invalid byte size %q: %w", s, err)
			}
			return ByteSize(n), nil
		case reflect.TypeOf(LogSeverity("")):
			level := strings.ToUpper(s)
			if !slices.Contains([]string{"TRACE", "DEBUG", "INFO", "WARNING", "ERROR", "OFF"}, level) {
				return nil, fmt.Errorf("invalid log.severity: %s", s)
			}
			return LogSeverity(level), nil
		default:
			return data, nil
		}
	}
}

// DecodeHook composes this package's custom-type decoding with the
// default string-to-duration and string-to-slice hooks.
func DecodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		hookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}
