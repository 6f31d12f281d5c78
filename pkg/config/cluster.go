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

import "strings"

// Cluster topologies accepted in cluster_type.
const (
	ClusterTypeHA     = "ha"
	ClusterTypeSingle = "single"
)

const defaultCredential = "clusters"

// ClusterInfo is one [clusters.<key>] table of a data file.
type ClusterInfo struct {
	Name        string   `toml:"name"`
	IP          string   `toml:"ip"`
	Div         string   `toml:"div"`
	BU          string   `toml:"bu"`
	App         string   `toml:"app"`
	Env         string   `toml:"env"`
	SubApp      string   `toml:"subapp"`
	Cloud       string   `toml:"cloud"`
	Region      string   `toml:"region"`
	Tags        []string `toml:"tags"`
	ClusterType string   `toml:"cluster_type"`
	// Credential selects the users.toml entry, "clusters" when empty.
	Credential string `toml:"credential"`
	User       string `toml:"user"`
	Enc        string `toml:"enc"`
	VerifyTLS  bool   `toml:"verify_tls"`

	// Key is the table name the cluster was declared under.
	Key    string `toml:"-"`
	Source string `toml:"-"`
}

// HA reports whether the cluster is a two node HA pair. Anything but "single" is HA.
func (c ClusterInfo) HA() bool {
	return !strings.EqualFold(strings.TrimSpace(c.ClusterType), ClusterTypeSingle)
}

// CredentialType returns the users.toml section holding this cluster's login.
func (c ClusterInfo) CredentialType() string {
	if c.Credential == "" {
		return defaultCredential
	}

	return c.Credential
}

// Field returns the value of a filterable attribute, a string or a []string. ok is false for
// names that are not cluster attributes.
func (c ClusterInfo) Field(name string) (value any, ok bool) {
	switch name {
	case "name":
		return c.Name, true
	case "ip":
		return c.IP, true
	case "div":
		return c.Div, true
	case "bu":
		return c.BU, true
	case "app":
		return c.App, true
	case "env":
		return c.Env, true
	case "subapp":
		return c.SubApp, true
	case "cloud":
		return c.Cloud, true
	case "region":
		return c.Region, true
	case "tags":
		return c.Tags, true
	case "cluster_type":
		if c.ClusterType == "" {
			return ClusterTypeHA, true
		}

		return c.ClusterType, true
	case "credential":
		return c.CredentialType(), true
	case "user":
		return c.User, true
	default:
		return nil, false
	}
}

func (c *ClusterInfo) setDefaults(key, source string) {
	c.Key = key
	c.Source = source

	if c.Name == "" {
		c.Name = key
	}

	c.ClusterType = strings.ToLower(strings.TrimSpace(c.ClusterType))
	if c.ClusterType == "" {
		c.ClusterType = ClusterTypeHA
	}
}
