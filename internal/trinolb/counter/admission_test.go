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

package counter

import (
	"context"
	"sync"
	"testing"

	"trino-lb/internal/trinolb/clusterstate"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/trinolbcore"
)

func readyGroup(t *testing.T, store persistence.Store, group string, clusterNames ...string) *clusterstate.Registry {
	t.Helper()
	ctx := context.Background()
	var clusters []trinolbcore.Cluster
	for _, name := range clusterNames {
		clusters = append(clusters, trinolbcore.Cluster{Group: group, Name: name})
	}
	reg := clusterstate.NewRegistry(store, []trinolbcore.ClusterGroup{{Name: group, Clusters: clusters}})
	for _, name := range clusterNames {
		m, _ := reg.Machine(name)
		if err := m.Transition(ctx, trinolbcore.ClusterStarting); err != nil {
			t.Fatalf("transition to Starting: %v", err)
		}
		if err := m.Transition(ctx, trinolbcore.ClusterReady); err != nil {
			t.Fatalf("transition to Ready: %v", err)
		}
	}
	return reg
}

func TestManager_Admit_QueuesWhenAtCapacity(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	reg := readyGroup(t, store, "s", "c1")
	mgr := New(store, reg)

	a, err := mgr.Admit(ctx, "s", 1, "fp")
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	if a.Cluster.Name != "c1" {
		t.Fatalf("expected c1, got %s", a.Cluster.Name)
	}

	_, err = mgr.Admit(ctx, "s", 1, "fp")
	if err != ErrNoSlot {
		t.Fatalf("expected ErrNoSlot at capacity, got %v", err)
	}
}

func TestManager_Admit_NoReadyClustersQueues(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	reg := clusterstate.NewRegistry(store, []trinolbcore.ClusterGroup{{Name: "s"}})
	mgr := New(store, reg)

	_, err := mgr.Admit(ctx, "s", 10, "fp")
	if err != ErrNoSlot {
		t.Fatalf("expected ErrNoSlot with no clusters, got %v", err)
	}
}

func TestManager_Decrement_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	reg := readyGroup(t, store, "s", "c1")
	mgr := New(store, reg)

	if _, err := mgr.Admit(ctx, "s", 5, "fp"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if err := store.DeliveredPut(ctx, trinolbcore.DeliveredQuery{TrinoQueryID: "q1", Cluster: "c1"}); err != nil {
		t.Fatalf("DeliveredPut: %v", err)
	}

	if err := mgr.Decrement(ctx, "q1", "c1"); err != nil {
		t.Fatalf("first decrement: %v", err)
	}
	v, _ := store.CounterGet(ctx, "c1")
	if v != 0 {
		t.Fatalf("expected counter 0 after decrement, got %d", v)
	}

	// second decrement observing the same termination must not double-count
	if err := mgr.Decrement(ctx, "q1", "c1"); err != nil {
		t.Fatalf("second decrement: %v", err)
	}
	v, _ = store.CounterGet(ctx, "c1")
	if v != 0 {
		t.Fatalf("expected counter to stay 0 after idempotent decrement, got %d", v)
	}
}

func TestManager_Admit_ConcurrentCASContentionAdmitsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	reg := readyGroup(t, store, "s", "c1")
	mgr := New(store, reg)

	const racers = 8
	var wg sync.WaitGroup
	admitted := 0
	var mu sync.Mutex
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Admit(ctx, "s", 1, "fp"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if admitted != 1 {
		t.Fatalf("expected exactly 1 admission with maxRunningQueries=1, got %d", admitted)
	}
	v, _ := store.CounterGet(ctx, "c1")
	if v != 1 {
		t.Fatalf("expected final counter 1, got %d", v)
	}
}
