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

package model

const redacted = "<redacted>"

// Secret holds a credential. It never prints its value.
type Secret string

func (s Secret) String() string {
	if s == "" {
		return ""
	}

	return redacted
}

func (s Secret) GoString() string {
	return s.String()
}

func (s Secret) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Reveal returns the clear text value. Only the transport should call it.
func (s Secret) Reveal() string {
	return string(s)
}
