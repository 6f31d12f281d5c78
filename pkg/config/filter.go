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
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Filter selects clusters by attribute. Every key must match. A term is matched as
//
//	"a || b"   any of the values is equal to the attribute, or contained in a list attribute
//	"a && b"   list attributes only, every value contained
//	"a"        equal, or contained in a list attribute
//
// Matching is case sensitive.
type Filter map[string]string

// ParseFilter decodes a JSON object such as {"bu":"Business","tags":"active && workload"}.
// An empty string selects every cluster.
func ParseFilter(s string) (Filter, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Filter{}, nil
	}

	raw := map[string]any{}
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("invalid filter %q: %w", s, err)
	}

	f := make(Filter, len(raw))

	for k, v := range raw {
		switch val := v.(type) {
		case string:
			f[k] = val
		case bool, float64:
			f[k] = fmt.Sprint(val)
		default:
			return nil, fmt.Errorf("invalid filter value for %q: expected a string, got %T", k, v)
		}
	}

	return f, nil
}

// Keys returns the filter keys in sorted order.
func (f Filter) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Match reports whether c satisfies every term. A key that is not a cluster attribute never
// matches.
func (f Filter) Match(c ClusterInfo) bool {
	for _, key := range f.Keys() {
		value, ok := c.Field(key)
		if !ok || !matchTerm(f[key], value) {
			return false
		}
	}

	return true
}

func matchTerm(term string, value any) bool {
	switch {
	case strings.Contains(term, "||"):
		terms := splitTerm(term, "||")

		if list, ok := value.([]string); ok {
			return slices.ContainsFunc(terms, func(t string) bool { return slices.Contains(list, t) })
		}

		return slices.Contains(terms, value.(string))
	case strings.Contains(term, "&&"):
		list, ok := value.([]string)
		if !ok {
			return false
		}

		for _, t := range splitTerm(term, "&&") {
			if !slices.Contains(list, t) {
				return false
			}
		}

		return true
	default:
		if list, ok := value.([]string); ok {
			return slices.Contains(list, term)
		}

		return term == value.(string)
	}
}

func splitTerm(term, sep string) []string {
	parts := strings.Split(term, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	return parts
}
