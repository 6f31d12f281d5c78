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

import (
	"strings"
	"time"
)

// Parameter is a single (name, value) pair attached to an EMS event.
type Parameter struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// RawEvent is one entry of a cluster's EMS audit log as returned by the event source.
// The correlator only reads these.
type RawEvent struct {
	Index      int64       `json:"index"`
	Time       time.Time   `json:"time"`
	Node       string      `json:"node"`
	Name       string      `json:"name"`
	Severity   string      `json:"severity"`
	Message    string      `json:"message"`
	Source     string      `json:"source,omitempty"`
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Param returns the value of the first parameter called name.
func (e RawEvent) Param(name string) (string, bool) {
	for _, p := range e.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}

	return "", false
}

// CleanMessage strips the "<event name>: " prefix EMS puts in front of every log message
// and flattens it to a single line.
func (e RawEvent) CleanMessage() string {
	msg := strings.TrimPrefix(e.Message, e.Name+": ")
	msg = strings.ReplaceAll(msg, "\r", "")
	msg = strings.ReplaceAll(msg, "\n", "")

	return strings.TrimSpace(msg)
}

// RawLogEntry is the row kept in the per-cluster raw event log.
type RawLogEntry struct {
	EventID  string    `json:"eventId" bson:"eventId"`
	Cluster  string    `json:"cluster" bson:"cluster"`
	Node     string    `json:"node" bson:"node"`
	Time     time.Time `json:"time" bson:"time"`
	Event    string    `json:"event" bson:"event"`
	Severity string    `json:"severity" bson:"severity"`
	Message  string    `json:"message" bson:"message"`
}

// NewRawLogEntry builds the raw log row for ev, tagged with the maintenance event id that was
// open when ev was observed.
func NewRawLogEntry(cluster, eventID string, ev RawEvent) RawLogEntry {
	return RawLogEntry{
		EventID:  eventID,
		Cluster:  cluster,
		Node:     ev.Node,
		Time:     ev.Time,
		Event:    ev.Name,
		Severity: ev.Severity,
		Message:  ev.CleanMessage(),
	}
}
