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

// Package clusterstate implements the per-cluster state machine: seven
// states, guarded transitions, a readiness debounce, and the periodic
// self-heal sweep that forces non-autoscaled clusters back to Ready.
package clusterstate

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/telemetry"
	"trino-lb/internal/trinolb/trinolbcore"
)

var allStateNames = func() []string {
	names := make([]string, len(trinolbcore.AllClusterStates))
	for i, s := range trinolbcore.AllClusterStates {
		names[i] = string(s)
	}
	return names
}()

// ErrInvalidTransition is returned by Machine.Transition when the requested
// move does not appear in the transition table, or is the Draining->Stopping
// edge while the cluster is in maintenance.
type ErrInvalidTransition struct {
	From, To trinolbcore.ClusterState
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid cluster state transition %s -> %s", e.From, e.To)
}

// transitions enumerates the edges from the state diagram (§4.C). A "Any ->
// Deactivated" edge is checked separately since it applies from every state.
var transitions = map[trinolbcore.ClusterState][]trinolbcore.ClusterState{
	trinolbcore.ClusterDeactivated: {trinolbcore.ClusterStopped},
	trinolbcore.ClusterStopped:     {trinolbcore.ClusterStarting},
	trinolbcore.ClusterStarting:    {trinolbcore.ClusterReady, trinolbcore.ClusterUnhealthy},
	trinolbcore.ClusterReady:       {trinolbcore.ClusterUnhealthy, trinolbcore.ClusterDraining},
	trinolbcore.ClusterUnhealthy:   {trinolbcore.ClusterReady},
	trinolbcore.ClusterDraining:    {trinolbcore.ClusterStopping},
	trinolbcore.ClusterStopping:    {trinolbcore.ClusterStopped},
}

// Machine owns the state of a single cluster. It is safe for concurrent use;
// every method round-trips through the shared persistence.Store so replicas
// agree on the current state.
type Machine struct {
	cluster string
	store   persistence.Store
	clock   clockwork.Clock

	maintenance atomic.Bool
}

// New returns a Machine for cluster backed by store. clock is injectable so
// the readiness debounce is deterministic under test.
func New(cluster string, store persistence.Store, clock clockwork.Clock) *Machine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Machine{cluster: cluster, store: store, clock: clock}
}

// Current returns the cluster's persisted state.
func (m *Machine) Current(ctx context.Context) (trinolbcore.ClusterState, error) {
	return m.store.LoadClusterState(ctx, m.cluster)
}

// Transition moves the cluster to to, provided the edge exists in the
// transition table (or to is Deactivated, which is reachable from any
// state per config removal).
func (m *Machine) Transition(ctx context.Context, to trinolbcore.ClusterState) error {
	from, err := m.Current(ctx)
	if err != nil {
		return err
	}
	if from == to {
		return nil
	}
	if to != trinolbcore.ClusterDeactivated && !edgeExists(from, to) {
		return &ErrInvalidTransition{From: from, To: to}
	}
	if m.maintenance.Load() && from == trinolbcore.ClusterDraining && to == trinolbcore.ClusterStopping {
		return &ErrInvalidTransition{From: from, To: to}
	}
	if err := m.store.StoreClusterState(ctx, m.cluster, to); err != nil {
		return err
	}
	log.WithFields(log.Fields{"cluster": m.cluster, "from": from, "to": to}).Info("cluster state transition")
	telemetry.SetClusterState(m.cluster, allStateNames, string(to))
	return nil
}

func edgeExists(from, to trinolbcore.ClusterState) bool {
	for _, candidate := range transitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// SetMaintenance moves a Ready cluster to Draining (clusters in any other
// state are left where they are) and keeps a Draining cluster there: while
// maintenance is set, Transition rejects the Draining->Stopping edge with
// ErrInvalidTransition. This is the supplemented
// "maintenance mode" admin control: operators can pull a cluster out of
// rotation without disturbing the scaler's own state bookkeeping.
func (m *Machine) SetMaintenance(ctx context.Context, enabled bool) error {
	m.maintenance.Store(enabled)
	if enabled {
		cur, err := m.Current(ctx)
		if err != nil {
			return err
		}
		if cur == trinolbcore.ClusterReady {
			return m.Transition(ctx, trinolbcore.ClusterDraining)
		}
	}
	return nil
}

// InMaintenance reports whether an operator has forced this cluster out of
// rotation.
func (m *Machine) InMaintenance() bool { return m.maintenance.Load() }
