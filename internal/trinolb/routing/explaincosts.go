// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package routing

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/telemetry"
	"trino-lb/internal/trinolb/trinoclient"
)

// CostThreshold is one entry of the ordered threshold list: the first entry
// whose bounds all dominate the estimate wins its Group.
type CostThreshold struct {
	Group       string
	MaxCPUCost     float64
	MaxMemoryCost  float64
	MaxNetworkCost float64
	MaxOutputRows  float64
	MaxOutputBytes float64
}

func (t CostThreshold) dominates(e trinoclient.CostEstimate) bool {
	return e.CPUCost <= t.MaxCPUCost &&
		e.MemoryCost <= t.MaxMemoryCost &&
		e.NetworkCost <= t.MaxNetworkCost &&
		e.OutputRows <= t.MaxOutputRows &&
		e.OutputBytes <= t.MaxOutputBytes
}

// ExplainCostsRouter runs EXPLAIN (FORMAT JSON) against a configured
// coordinator and walks an ordered threshold list, returning the first
// group whose thresholds all dominate the estimate. It is expensive per
// classification (it costs a real EXPLAIN round trip) and is recommended
// to sit last in the chain.
type ExplainCostsRouter struct {
	client     *trinoclient.Client
	thresholds []CostThreshold
}

// NewExplainCostsRouter returns a router evaluating thresholds in order
// against EXPLAIN output from client's coordinator.
func NewExplainCostsRouter(client *trinoclient.Client, thresholds []CostThreshold) *ExplainCostsRouter {
	return &ExplainCostsRouter{client: client, thresholds: thresholds}
}

func (r *ExplainCostsRouter) Name() string { return "explain_costs" }

func (r *ExplainCostsRouter) Classify(ctx context.Context, statement string, headers http.Header) (string, bool) {
	start := time.Now()
	estimate, err := r.client.Explain(ctx, statement, headers)
	telemetry.ObserveExplainDuration(time.Since(start))
	if err != nil {
		log.WithError(err).Warn("explain-costs router: EXPLAIN failed, abstaining")
		return "", false
	}
	for _, t := range r.thresholds {
		if t.dominates(estimate) {
			return t.Group, true
		}
	}
	return "", false
}
