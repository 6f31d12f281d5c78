// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
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
	"os"
	"strconv"
	"strings"
)

// GetEnvVar reads name and converts it to T (string, int or bool). A nil defaultValue makes the
// variable required. validator, when set, checks the final value.
func GetEnvVar[T string | int | bool](name string, defaultValue *T, validator func(T) error) (T, error) {
	var value T

	raw, ok := os.LookupEnv(name)

	switch {
	case ok:
		parsed, err := parseEnv[T](strings.TrimSpace(raw))
		if err != nil {
			return value, fmt.Errorf("error converting %s: %w", name, err)
		}

		value = parsed
	case defaultValue != nil:
		value = *defaultValue
	default:
		return value, fmt.Errorf("environment variable %s is not set", name)
	}

	if validator != nil {
		if err := validator(value); err != nil {
			return value, fmt.Errorf("validation failed for %s: %w", name, err)
		}
	}

	return value, nil
}

func parseEnv[T string | int | bool](raw string) (T, error) {
	var zero T

	switch any(zero).(type) {
	case string:
		return any(raw).(T), nil
	case int:
		v, err := strconv.Atoi(raw)
		if err != nil {
			return zero, err
		}

		return any(v).(T), nil
	case bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return zero, err
		}

		return any(v).(T), nil
	}

	return zero, fmt.Errorf("unsupported type %T", zero)
}

// Positive is a validator for GetEnvVar[int].
func Positive(v int) error {
	if v <= 0 {
		return fmt.Errorf("must be positive, got %d", v)
	}

	return nil
}

// NonEmpty is a validator for GetEnvVar[string].
func NonEmpty(v string) error {
	if v == "" {
		return fmt.Errorf("must not be empty")
	}

	return nil
}
