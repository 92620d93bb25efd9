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
	"sync"

	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/trinolbcore"
)

// Registry holds the live set of cluster groups and their Machines, and
// supports Reload for the SIGHUP-driven hot-reload supplement: clusters and
// groups can be added or removed without restarting the process and without
// disrupting queries already in flight on clusters that remain configured.
type Registry struct {
	mu       sync.RWMutex
	store    persistence.Store
	groups   map[string]trinolbcore.ClusterGroup
	machines map[string]*Machine
}

// NewRegistry returns a Registry seeded with the given groups.
func NewRegistry(store persistence.Store, groups []trinolbcore.ClusterGroup) *Registry {
	r := &Registry{store: store, groups: map[string]trinolbcore.ClusterGroup{}, machines: map[string]*Machine{}}
	r.Reload(groups)
	return r
}

// Reload atomically replaces the configured groups and clusters. Existing
// Machines for clusters that survive the reload are kept as-is (and so keep
// any in-memory debounce state); removed clusters are transitioned straight
// to Deactivated (reachable from any state), so they receive no new
// admissions, and their machines are then dropped.
func (r *Registry) Reload(groups []trinolbcore.ClusterGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := map[string]trinolbcore.ClusterGroup{}
	nextMachines := map[string]*Machine{}
	for _, g := range groups {
		next[g.Name] = g
		for _, c := range g.Clusters {
			if m, ok := r.machines[c.Name]; ok {
				nextMachines[c.Name] = m
				continue
			}
			nextMachines[c.Name] = New(c.Name, r.store, nil)
		}
	}

	for name, m := range r.machines {
		if _, stillConfigured := nextMachines[name]; stillConfigured {
			continue
		}
		if err := m.Transition(context.Background(), trinolbcore.ClusterDeactivated); err != nil {
			log.WithError(err).WithField("cluster", name).Warn("hot-reload: failed to deactivate removed cluster")
		}
	}

	r.groups = next
	r.machines = nextMachines
	log.WithField("group_count", len(next)).Info("cluster group configuration reloaded")
}

// Group returns the named group and whether it is configured.
func (r *Registry) Group(name string) (trinolbcore.ClusterGroup, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	return g, ok
}

// Groups returns a snapshot of every configured group.
func (r *Registry) Groups() []trinolbcore.ClusterGroup {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]trinolbcore.ClusterGroup, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	return out
}

// Machine returns the state machine for the named cluster, if configured.
func (r *Registry) Machine(cluster string) (*Machine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.machines[cluster]
	return m, ok
}

// ReadyClusters returns the clusters of group that are currently Ready,
// according to persisted state. Used by §4.D admission and §4.E routing.
func (r *Registry) ReadyClusters(ctx context.Context, group string) ([]trinolbcore.Cluster, error) {
	g, ok := r.Group(group)
	if !ok {
		return nil, nil
	}
	var ready []trinolbcore.Cluster
	for _, c := range g.Clusters {
		state, err := r.store.LoadClusterState(ctx, c.Name)
		if err != nil {
			return nil, err
		}
		if state.AcceptsNewQueries() {
			ready = append(ready, c)
		}
	}
	return ready, nil
}
