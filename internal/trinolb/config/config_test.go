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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleConfig = `
address: ":8080"
trinoLbAddr: "http://trino-lb:8080"
proxyMode: "ProxyAllCalls"
persistence:
  backend: redis
  redisAddr: "redis:6379"
clusterGroups:
  - name: interactive
    maxRunningQueries: 10
    clusters:
      - name: c1
        endpoint: "http://c1:8080"
        user: trino
    autoscaling:
      enabled: true
      minClusters: 1
      maxClusters: 3
      upscaleQueuedQueriesThreshold: 5
      downscaleRunningQueriesPercentageThreshold: 0.2
      drainIdleDurationBeforeShutdown: 10m
      weeklyMinimum:
        - weekdays: ["mon", "tue", "wed", "thu", "fri"]
          start: 8h
          end: 18h
          minimum: 2
routing:
  fallback: interactive
  headerRouters:
    - header: X-Trino-Routing-Group
`

func writeConfig(t *testing.T, dir string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_ParsesGroupsAndAutoscaling(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Persistence.Backend != "redis" {
		t.Fatalf("expected redis backend, got %s", cfg.Persistence.Backend)
	}
	if len(cfg.Groups) != 1 || cfg.Groups[0].Name != "interactive" {
		t.Fatalf("unexpected groups: %+v", cfg.Groups)
	}
	auto := cfg.Groups[0].Autoscaling
	if !auto.Enabled || auto.MaxClusters != 3 {
		t.Fatalf("unexpected autoscaling config: %+v", auto)
	}
	if auto.DrainIdleDurationBeforeShutdown != 10*time.Minute {
		t.Fatalf("expected 10m drain duration, got %s", auto.DrainIdleDurationBeforeShutdown)
	}
	if len(auto.WeeklyMinimum) != 1 || auto.WeeklyMinimum[0].Minimum != 2 {
		t.Fatalf("unexpected weekly minimum: %+v", auto.WeeklyMinimum)
	}
}

func TestClusterGroups_ConvertsToTrinolbcoreShape(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	groups := cfg.ClusterGroups()
	if len(groups) != 1 || len(groups[0].Clusters) != 1 {
		t.Fatalf("unexpected converted groups: %+v", groups)
	}
	if groups[0].Clusters[0].Endpoint != "http://c1:8080" {
		t.Fatalf("unexpected cluster endpoint: %s", groups[0].Clusters[0].Endpoint)
	}
	if len(groups[0].Autoscaling.WeeklyMinimum[0].Weekdays) != 5 {
		t.Fatalf("expected 5 weekdays parsed, got %d", len(groups[0].Autoscaling.WeeklyMinimum[0].Weekdays))
	}
}

func TestRouterChain_BuildsChainFromHeaderRouterConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir)

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	chain, err := cfg.RouterChain(func(g string) bool { return g == "interactive" }, nil)
	if err != nil {
		t.Fatalf("RouterChain: %v", err)
	}
	if chain == nil {
		t.Fatal("expected non-nil chain")
	}
}
