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

package processor

import (
	"context"
	"time"

	"github.com/nvidia/nvsentinel/maintenance-correlator/pkg/config"
	klog "k8s.io/klog/v2"
)

// ClusterSelector returns the clusters of a pass. It is called once per pass.
type ClusterSelector func() ([]config.ClusterInfo, error)

// Poll runs an initial pass and then one pass per interval until ctx is cancelled. onPass, when
// set, receives every summary.
func (p *Processor) Poll(
	ctx context.Context,
	interval time.Duration,
	selectClusters ClusterSelector,
	onPass func(*RunSummary),
) error {
	klog.Infof("Starting EMS polling every %v", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.pass(ctx, selectClusters, onPass)

	for {
		select {
		case <-ctx.Done():
			klog.Infof("Context cancelled, polling stopped")
			return ctx.Err()
		case <-ticker.C:
			p.pass(ctx, selectClusters, onPass)
		}
	}
}

func (p *Processor) pass(ctx context.Context, selectClusters ClusterSelector, onPass func(*RunSummary)) {
	clusters, err := selectClusters()
	if err != nil {
		klog.Errorf("Failed to select clusters: %v", err)
		return
	}

	if len(clusters) == 0 {
		klog.Warningf("No clusters selected, nothing to poll")
		return
	}

	summary := p.Run(ctx, clusters)
	if onPass != nil {
		onPass(summary)
	}
}
