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
	"path/filepath"
	"time"
)

// Supported store backends.
const (
	StoreSQLite  = "sqlite"
	StoreMongoDB = "mongodb"
)

// CorrelatorConfig is the [correlator] table of correlator.toml.
type CorrelatorConfig struct {
	Store string `toml:"store"`
	DBDir string `toml:"dbDir"`
	// Parallelism bounds the number of clusters processed at the same time.
	Parallelism int `toml:"parallelism"`
	// PollIntervalSeconds of 0 runs a single pass.
	PollIntervalSeconds   int `toml:"pollIntervalSeconds"`
	RequestTimeoutSeconds int `toml:"requestTimeoutSeconds"`
	RetryMax              int `toml:"retryMax"`
	MaxRecords            int `toml:"maxRecords"`
	// FetchAllEvents keeps the whole EMS log in the raw event log instead of the maintenance
	// vocabulary only.
	FetchAllEvents *bool `toml:"fetchAllEvents"`
	// ProbeFirst skips clusters without any provider maintenance message.
	ProbeFirst *bool `toml:"probeFirst"`
}

func (c *CorrelatorConfig) validateAndSetDefaults(outputDir string) error {
	if c.Store == "" {
		c.Store = StoreSQLite
	}

	if c.Store != StoreSQLite && c.Store != StoreMongoDB {
		return fmt.Errorf("store must be %q or %q, got %q", StoreSQLite, StoreMongoDB, c.Store)
	}

	if c.DBDir == "" {
		c.DBDir = filepath.Join(outputDir, "db")
	}

	if c.Parallelism == 0 {
		c.Parallelism = 4 // Default: 4 clusters at a time
	}

	if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must be a positive integer")
	}

	if c.PollIntervalSeconds < 0 {
		return fmt.Errorf("pollIntervalSeconds must not be negative")
	}

	if c.RequestTimeoutSeconds == 0 {
		c.RequestTimeoutSeconds = 30
	}

	if c.RequestTimeoutSeconds < 0 {
		return fmt.Errorf("requestTimeoutSeconds must be a positive integer")
	}

	if c.RetryMax == 0 {
		c.RetryMax = 3
	}

	if c.RetryMax < 0 {
		return fmt.Errorf("retryMax must not be negative")
	}

	if c.MaxRecords == 0 {
		c.MaxRecords = 1000
	}

	if c.MaxRecords < 0 {
		return fmt.Errorf("maxRecords must be a positive integer")
	}

	if c.FetchAllEvents == nil {
		c.FetchAllEvents = boolPtr(true)
	}

	if c.ProbeFirst == nil {
		c.ProbeFirst = boolPtr(true)
	}

	return nil
}

func (c CorrelatorConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c CorrelatorConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c CorrelatorConfig) FetchAll() bool {
	return c.FetchAllEvents == nil || *c.FetchAllEvents
}

func (c CorrelatorConfig) Probe() bool {
	return c.ProbeFirst == nil || *c.ProbeFirst
}

func boolPtr(b bool) *bool {
	return &b
}
