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
	"errors"
	"fmt"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
)

var ErrNoCredentials = errors.New("no credentials configured")

// Credentials is the login used against a cluster's management interface.
type Credentials struct {
	User     string
	Password model.Secret
}

// Credentials resolves the login for c. The users.toml entry of the cluster's credential type
// is the base, user and enc set on the cluster itself take precedence.
func (d *Directory) Credentials(c ClusterInfo) (Credentials, error) {
	var creds Credentials

	if entry, ok := d.Users[c.CredentialType()]; ok {
		creds.User = entry.User
		creds.Password = model.Secret(entry.Enc)
	}

	if c.User != "" {
		creds.User = c.User
	}

	if c.Enc != "" {
		creds.Password = model.Secret(c.Enc)
	}

	if creds.User == "" {
		return Credentials{}, fmt.Errorf("%w: no user for cluster %s (credential %q)", ErrNoCredentials, c.Name,
			c.CredentialType())
	}

	if creds.Password == "" {
		return Credentials{}, fmt.Errorf("%w: no password for cluster %s (credential %q)", ErrNoCredentials, c.Name,
			c.CredentialType())
	}

	return creds, nil
}
