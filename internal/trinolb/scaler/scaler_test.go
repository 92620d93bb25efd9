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

package scaler

import (
	"context"
	"testing"
	"time"

	"trino-lb/internal/trinolb/clusterstate"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/trinolbcore"
)

type fakeClock struct{ now time.Time }

func (f fakeClock) Now() time.Time { return f.now }

type fakeBackend struct {
	started, stopped map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{started: map[string]bool{}, stopped: map[string]bool{}}
}

func (b *fakeBackend) Start(_ context.Context, c trinolbcore.Cluster) error {
	b.started[c.Name] = true
	return nil
}

func (b *fakeBackend) Stop(_ context.Context, c trinolbcore.Cluster) error {
	b.stopped[c.Name] = true
	return nil
}

func TestScaler_UpscalesToMinimumWhenBelow(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	group := trinolbcore.ClusterGroup{
		Name:              "batch",
		MaxRunningQueries: 4,
		Autoscaling: trinolbcore.AutoscalingPolicy{
			Enabled:     true,
			MinClusters: 2,
			MaxClusters: 3,
		},
		Clusters: []trinolbcore.Cluster{{Group: "batch", Name: "c1"}, {Group: "batch", Name: "c2"}, {Group: "batch", Name: "c3"}},
	}
	reg := clusterstate.NewRegistry(store, []trinolbcore.ClusterGroup{group})
	backend := newFakeBackend()
	s := New(store, reg, backend, fakeClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)})

	if err := s.reconcileGroup(ctx, group); err != nil {
		t.Fatalf("reconcileGroup: %v", err)
	}
	if len(backend.started) != 2 {
		t.Fatalf("expected 2 clusters started to reach minimum, got %d", len(backend.started))
	}
}

func TestScaler_UpscalesOnQueuePressure(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	group := trinolbcore.ClusterGroup{
		Name:              "batch",
		MaxRunningQueries: 4,
		Autoscaling: trinolbcore.AutoscalingPolicy{
			Enabled:                       true,
			MinClusters:                   1,
			MaxClusters:                   2,
			UpscaleQueuedQueriesThreshold: 3,
		},
		Clusters: []trinolbcore.Cluster{{Group: "batch", Name: "c1"}, {Group: "batch", Name: "c2"}},
	}
	reg := clusterstate.NewRegistry(store, []trinolbcore.ClusterGroup{group})
	m, _ := reg.Machine("c1")
	_ = m.Transition(ctx, trinolbcore.ClusterStarting)
	_ = m.Transition(ctx, trinolbcore.ClusterReady)

	for i := 0; i < 3; i++ {
		if err := store.QueuedPut(ctx, trinolbcore.QueuedQuery{VirtualID: "q" + string(rune('0'+i)), ClusterGroup: "batch"}); err != nil {
			t.Fatalf("QueuedPut: %v", err)
		}
	}

	backend := newFakeBackend()
	s := New(store, reg, backend, fakeClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)})
	if err := s.reconcileGroup(ctx, group); err != nil {
		t.Fatalf("reconcileGroup: %v", err)
	}
	if !backend.started["c2"] {
		t.Fatal("expected c2 started under queue pressure")
	}
}

func TestScaler_DownscalesIdleClusterAfterSustainedWindow(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	group := trinolbcore.ClusterGroup{
		Name:              "batch",
		MaxRunningQueries: 4,
		Autoscaling: trinolbcore.AutoscalingPolicy{
			Enabled:                                    true,
			MinClusters:                                1,
			MaxClusters:                                2,
			DownscaleRunningQueriesPercentageThreshold: 0.1,
			DrainIdleDurationBeforeShutdown:             5 * time.Minute,
		},
		Clusters: []trinolbcore.Cluster{{Group: "batch", Name: "c1"}, {Group: "batch", Name: "c2"}},
	}
	reg := clusterstate.NewRegistry(store, []trinolbcore.ClusterGroup{group})
	for _, name := range []string{"c1", "c2"} {
		m, _ := reg.Machine(name)
		_ = m.Transition(ctx, trinolbcore.ClusterStarting)
		_ = m.Transition(ctx, trinolbcore.ClusterReady)
	}

	backend := newFakeBackend()
	clock := fakeClock{now: time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC)}
	s := New(store, reg, backend, clock)

	if err := s.reconcileGroup(ctx, group); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	m2, _ := reg.Machine("c2")
	if state, _ := store.LoadClusterState(ctx, "c2"); state == trinolbcore.ClusterDraining {
		t.Fatal("should not drain before sustained window elapses")
	}

	clock.now = clock.now.Add(6 * time.Minute)
	s2 := New(store, reg, backend, clock)
	s2.idleSince["c2"] = clock.now.Add(-6 * time.Minute)
	if err := s2.reconcileGroup(ctx, group); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	state, _ := store.LoadClusterState(ctx, "c2")
	if state != trinolbcore.ClusterDraining {
		t.Fatalf("expected c2 draining after sustained idle window, got %s", state)
	}
	_ = m2
}
