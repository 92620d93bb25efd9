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
	"testing"

	"trino-lb/internal/trinolb/trinoclient"
)

func costEstimateOf(cpu, mem, net, rows, bytes float64) trinoclient.CostEstimate {
	return trinoclient.CostEstimate{CPUCost: cpu, MemoryCost: mem, NetworkCost: net, OutputRows: rows, OutputBytes: bytes}
}

func configured(names ...string) func(string) bool {
	set := map[string]bool{}
	for _, n := range names {
		set[n] = true
	}
	return func(g string) bool { return set[g] }
}

// TestChain_S3RouterFallback reproduces the S3 testable-property scenario:
// header router, then client-tags via a fallback group m.
func TestChain_S3RouterFallback(t *testing.T) {
	header := NewHeaderRouter("")
	tags := &ClientTagsRouter{Target: "s", OneOf: []string{"s"}}
	chain := NewChain("m", configured("m", "s"), header, tags)

	h := http.Header{}
	h.Set("X-Trino-Routing-Group", "m")
	if got := chain.Route(context.Background(), "select 1", h); got != "m" {
		t.Fatalf("expected m, got %s", got)
	}

	h = http.Header{}
	h.Set("X-Trino-Client-Tags", "s")
	if got := chain.Route(context.Background(), "select 1", h); got != "s" {
		t.Fatalf("expected s, got %s", got)
	}

	h = http.Header{}
	if got := chain.Route(context.Background(), "select 1", h); got != "m" {
		t.Fatalf("expected fallback m, got %s", got)
	}
}

func TestChain_DiscardsDecisionForUnconfiguredGroup(t *testing.T) {
	header := NewHeaderRouter("")
	chain := NewChain("default", configured("default"), header)

	h := http.Header{}
	h.Set("X-Trino-Routing-Group", "nonexistent")
	if got := chain.Route(context.Background(), "select 1", h); got != "default" {
		t.Fatalf("expected fallback when router names unconfigured group, got %s", got)
	}
}

func TestClientTagsRouter_AllOf(t *testing.T) {
	r := &ClientTagsRouter{Target: "etl", AllOf: []string{"nightly", "batch"}}

	h := http.Header{}
	h.Set("X-Trino-Client-Tags", "nightly, batch, extra")
	if got, ok := r.Classify(context.Background(), "", h); !ok || got != "etl" {
		t.Fatalf("expected etl match, got %s ok=%v", got, ok)
	}

	h = http.Header{}
	h.Set("X-Trino-Client-Tags", "nightly")
	if _, ok := r.Classify(context.Background(), "", h); ok {
		t.Fatal("expected no match when not all tags present")
	}
}

func TestCostThreshold_Dominates(t *testing.T) {
	small := CostThreshold{Group: "interactive", MaxCPUCost: 10, MaxMemoryCost: 10, MaxNetworkCost: 10, MaxOutputRows: 1000, MaxOutputBytes: 1_000_000}
	if !small.dominates(costEstimateOf(5, 5, 5, 500, 500_000)) {
		t.Fatal("expected small estimate to be dominated")
	}
	if small.dominates(costEstimateOf(50, 5, 5, 500, 500_000)) {
		t.Fatal("expected large CPU cost to violate threshold")
	}
}
