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

package ontap

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/metrics"
	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/model"
	klog "k8s.io/klog/v2"
)

const (
	emsEventsPath = "/api/support/ems/events"
	maxPages      = 10000
)

// ClientOptions configures the EMS REST client.
type ClientOptions struct {
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// MaxRecords is the page size requested from the cluster.
	MaxRecords int
}

// Client reads EMS events over the ONTAP REST API.
type Client struct {
	opts     ClientOptions
	verified *retryablehttp.Client
	insecure *retryablehttp.Client
}

var _ Source = (*Client)(nil)

// NewClient returns a client with one transport verifying certificates and one that does not.
// Cloud Volumes ONTAP ships self signed certificates, clusters opt in with verify_tls.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = time.Second
	}

	if opts.RetryWaitMax <= 0 {
		opts.RetryWaitMax = 30 * time.Second
	}

	if opts.MaxRecords <= 0 {
		opts.MaxRecords = 1000
	}

	return &Client{
		opts:     opts,
		verified: newHTTPClient(opts, false),
		insecure: newHTTPClient(opts, true),
	}
}

func newHTTPClient(opts ClientOptions, insecure bool) *retryablehttp.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	// #nosec G402
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: insecure, MinVersion: tls.VersionTLS12}

	c := retryablehttp.NewClient()
	c.HTTPClient = &http.Client{Transport: transport, Timeout: opts.Timeout}
	c.RetryMax = opts.RetryMax
	c.RetryWaitMin = opts.RetryWaitMin
	c.RetryWaitMax = opts.RetryWaitMax
	c.Logger = leveledLogger{}

	return c
}

type emsPage struct {
	Records    []emsRecord `json:"records"`
	NumRecords int         `json:"num_records"`
	Links      struct {
		Next *struct {
			Href string `json:"href"`
		} `json:"next"`
	} `json:"_links"`
}

type emsRecord struct {
	Index int64  `json:"index"`
	Time  string `json:"time"`
	Node  struct {
		Name string `json:"name"`
	} `json:"node"`
	Message struct {
		Name     string `json:"name"`
		Severity string `json:"severity"`
	} `json:"message"`
	LogMessage string            `json:"log_message"`
	Source     string            `json:"source"`
	Parameters []model.Parameter `json:"parameters"`
}

// Events fetches EMS events page by page, following _links.next.
func (c *Client) Events(ctx context.Context, t Target, q Query) ([]model.RawEvent, error) {
	if t.Address == "" {
		return nil, fmt.Errorf("%w: cluster %s has no address", ErrConnection, t.Name)
	}

	next := c.firstPage(t, q)

	var events []model.RawEvent

	seen := map[string]bool{}

	for page := 0; next != "" && page < maxPages; page++ {
		if seen[next] {
			klog.Warningf("Cluster %s returned a pagination loop at %s", t.Name, next)
			break
		}

		seen[next] = true

		p, err := c.getPage(ctx, t, next)
		if err != nil {
			return nil, err
		}

		events = append(events, toRawEvents(t.Name, p.Records)...)

		if q.Limit > 0 && len(events) >= q.Limit {
			events = events[:q.Limit]
			break
		}

		next = ""
		if p.Links.Next != nil && p.Links.Next.Href != "" {
			next = c.resolve(t, p.Links.Next.Href)
		}
	}

	SortEvents(events)
	metrics.EventsFetched.WithLabelValues(t.Name).Add(float64(len(events)))
	klog.V(1).Infof("Fetched %d EMS events from cluster %s", len(events), t.Name)

	return events, nil
}

func (c *Client) firstPage(t Target, q Query) string {
	params := url.Values{}
	params.Set("fields", "*")
	params.Set("order_by", "time")

	size := c.opts.MaxRecords
	if q.Limit > 0 && q.Limit < size {
		size = q.Limit
	}

	params.Set("max_records", strconv.Itoa(size))

	if len(q.Names) > 0 {
		params.Set("message.name", strings.Join(q.Names, "|"))
	}

	return fmt.Sprintf("https://%s%s?%s", t.Address, emsEventsPath, params.Encode())
}

func (c *Client) resolve(t Target, href string) string {
	if strings.HasPrefix(href, "https://") || strings.HasPrefix(href, "http://") {
		return href
	}

	return fmt.Sprintf("https://%s%s", t.Address, href)
}

func (c *Client) getPage(ctx context.Context, t Target, pageURL string) (*emsPage, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: cluster %s: error creating request: %v", ErrConnection, t.Name, err)
	}

	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(t.Credentials.User, t.Credentials.Password.Reveal())

	client := c.verified
	if !t.VerifyTLS {
		client = c.insecure
	}

	klog.V(3).Infof("GET %s", pageURL)

	resp, err := client.Do(req)
	if err != nil {
		metrics.FetchErrors.WithLabelValues(t.Name, "connection").Inc()
		return nil, fmt.Errorf("%w: cluster %s: %v", ErrConnection, t.Name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.FetchErrors.WithLabelValues(t.Name, "not_found").Inc()
		return nil, fmt.Errorf("%w: cluster %s: %s", ErrNotFound, t.Name, emsEventsPath)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		metrics.FetchErrors.WithLabelValues(t.Name, "auth").Inc()
		return nil, fmt.Errorf("%w: cluster %s rejected user %s with status %d", ErrConnection, t.Name,
			t.Credentials.User, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.FetchErrors.WithLabelValues(t.Name, "http_status").Inc()
		return nil, fmt.Errorf("%w: cluster %s: HTTP request failed with status code: %d", ErrConnection, t.Name,
			resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.FetchErrors.WithLabelValues(t.Name, "connection").Inc()
		return nil, fmt.Errorf("%w: cluster %s: error reading response body: %v", ErrConnection, t.Name, err)
	}

	var page emsPage
	if err := json.Unmarshal(body, &page); err != nil {
		metrics.FetchErrors.WithLabelValues(t.Name, "decode").Inc()
		return nil, fmt.Errorf("%w: cluster %s: %v", ErrDecode, t.Name, err)
	}

	return &page, nil
}

func toRawEvents(cluster string, records []emsRecord) []model.RawEvent {
	events := make([]model.RawEvent, 0, len(records))

	for _, r := range records {
		ts, err := time.Parse(time.RFC3339, r.Time)
		if err != nil {
			klog.Warningf("Cluster %s: skipping EMS record %d with unparseable time %q", cluster, r.Index, r.Time)
			metrics.SkippedRecords.WithLabelValues(cluster).Inc()

			continue
		}

		events = append(events, model.RawEvent{
			Index:      r.Index,
			Time:       ts.UTC(),
			Node:       r.Node.Name,
			Name:       r.Message.Name,
			Severity:   r.Message.Severity,
			Message:    r.LogMessage,
			Source:     r.Source,
			Parameters: r.Parameters,
		})
	}

	return events
}
