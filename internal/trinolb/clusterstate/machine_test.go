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

package clusterstate

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/trinolbcore"
)

func TestMachine_Transition_RejectsInvalidEdge(t *testing.T) {
	store := persistence.NewMemory()
	m := New("c1", store, nil)
	ctx := context.Background()

	if err := m.Transition(ctx, trinolbcore.ClusterReady); err == nil {
		t.Fatal("expected Stopped -> Ready to be rejected")
	}
}

func TestMachine_Transition_FollowsStartupPath(t *testing.T) {
	store := persistence.NewMemory()
	m := New("c1", store, nil)
	ctx := context.Background()

	steps := []trinolbcore.ClusterState{
		trinolbcore.ClusterStarting,
		trinolbcore.ClusterReady,
		trinolbcore.ClusterDraining,
		trinolbcore.ClusterStopping,
		trinolbcore.ClusterStopped,
	}
	for _, s := range steps {
		if err := m.Transition(ctx, s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
}

func TestDebouncer_RequiresStableHealthyBeforeReady(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := persistence.NewMemory()
	m := New("c1", store, clock)
	ctx := context.Background()
	_ = m.Transition(ctx, trinolbcore.ClusterStarting)

	d := NewDebouncer(m)
	if err := d.ObserveHealth(ctx, true); err != nil {
		t.Fatalf("ObserveHealth: %v", err)
	}
	state, _ := m.Current(ctx)
	if state != trinolbcore.ClusterStarting {
		t.Fatalf("expected still Starting before debounce elapses, got %s", state)
	}

	clock.Advance(ReadinessDebounce + time.Second)
	if err := d.ObserveHealth(ctx, true); err != nil {
		t.Fatalf("ObserveHealth: %v", err)
	}
	state, _ = m.Current(ctx)
	if state != trinolbcore.ClusterReady {
		t.Fatalf("expected Ready after stable debounce window, got %s", state)
	}
}

func TestDebouncer_UnhealthyIsImmediate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	store := persistence.NewMemory()
	m := New("c1", store, clock)
	ctx := context.Background()
	_ = m.Transition(ctx, trinolbcore.ClusterStarting)
	_ = m.Transition(ctx, trinolbcore.ClusterReady)

	d := NewDebouncer(m)
	if err := d.ObserveHealth(ctx, false); err != nil {
		t.Fatalf("ObserveHealth: %v", err)
	}
	state, _ := m.Current(ctx)
	if state != trinolbcore.ClusterUnhealthy {
		t.Fatalf("expected immediate Unhealthy transition, got %s", state)
	}
}

func TestSelfHealSweep_SkipsAutoscaledGroups(t *testing.T) {
	store := persistence.NewMemory()
	ctx := context.Background()
	clusters := []trinolbcore.Cluster{
		{Group: "manual", Name: "m1"},
		{Group: "auto", Name: "a1"},
	}
	SelfHealSweep(ctx, store, clusters, map[string]bool{"auto": true})

	manualState, _ := store.LoadClusterState(ctx, "m1")
	autoState, _ := store.LoadClusterState(ctx, "a1")
	if manualState != trinolbcore.ClusterReady {
		t.Fatalf("expected manual cluster forced Ready, got %s", manualState)
	}
	if autoState != trinolbcore.ClusterStopped {
		t.Fatalf("expected autoscaled cluster untouched, got %s", autoState)
	}
}
