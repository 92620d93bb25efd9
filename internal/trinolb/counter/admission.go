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

// Package counter is the query counter manager: CAS-based admission against
// a group's Ready clusters, the idempotent decrement protocol, and the
// periodic reconciliation loop that corrects drift against Trino's own
// query list.
package counter

import (
	"context"
	"sort"

	"github.com/dgryski/go-rendezvous"
	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/clusterstate"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/telemetry"
	"trino-lb/internal/trinolb/trinolbcore"
)

// MaxCASAttempts bounds how many times admission retries the CAS loop
// against a group before giving up and telling the caller to queue.
const MaxCASAttempts = 5

// ErrNoSlot is returned by Admit when every Ready cluster is at capacity or
// no cluster in the group is Ready; the caller should queue the query.
var ErrNoSlot = errNoSlot{}

type errNoSlot struct{}

func (errNoSlot) Error() string { return "no admission slot available" }

// Manager runs the admission algorithm and decrement protocol for one or
// more cluster groups, backed by a shared persistence.Store.
type Manager struct {
	store    persistence.Store
	registry *clusterstate.Registry
}

// New returns a Manager reading cluster membership from registry and
// counters/state from store.
func New(store persistence.Store, registry *clusterstate.Registry) *Manager {
	return &Manager{store: store, registry: registry}
}

// Admission is the outcome of a successful Admit call.
type Admission struct {
	Cluster trinolbcore.Cluster
}

// Admit runs the five-step admission algorithm from §4.D against group for
// fingerprint (used only for the rendezvous tie-break, not identity).
// Returns ErrNoSlot when the query must be queued instead.
func (m *Manager) Admit(ctx context.Context, group string, maxRunningQueries int, fingerprint string) (Admission, error) {
	for attempt := 0; attempt < MaxCASAttempts; attempt++ {
		ready, err := m.registry.ReadyClusters(ctx, group)
		if err != nil {
			return Admission{}, err
		}
		if len(ready) == 0 {
			telemetry.ObserveAdmission(group, "queued")
			return Admission{}, ErrNoSlot
		}

		counts := make(map[string]int64, len(ready))
		min := int64(-1)
		for _, c := range ready {
			v, err := m.store.CounterGet(ctx, c.Name)
			if err != nil {
				return Admission{}, err
			}
			counts[c.Name] = v
			if min == -1 || v < min {
				min = v
			}
		}
		if min >= int64(maxRunningQueries) {
			telemetry.ObserveAdmission(group, "queued")
			return Admission{}, ErrNoSlot
		}

		candidates := make([]trinolbcore.Cluster, 0, len(ready))
		for _, c := range ready {
			if counts[c.Name] == min {
				candidates = append(candidates, c)
			}
		}
		chosen := pickCandidate(candidates, fingerprint)

		err = m.store.CounterCAS(ctx, chosen.Name, min, min+1)
		if err == nil {
			telemetry.ObserveAdmission(group, "admitted")
			telemetry.SetClusterCounter(chosen.Name, min+1)
			return Admission{Cluster: chosen}, nil
		}
		if _, mismatch := err.(*persistence.ErrMismatch); mismatch {
			log.WithField("cluster", chosen.Name).Debug("admission CAS lost a race, retrying")
			telemetry.ObserveCASRetry(group)
			continue
		}
		return Admission{}, err
	}
	telemetry.ObserveAdmission(group, "queued")
	return Admission{}, ErrNoSlot
}

// Release runs the best-effort compensating decrement used when Trino
// submission itself fails after a successful admission CAS (§4.D step 6).
func (m *Manager) Release(ctx context.Context, cluster string, reservedValue int64) {
	if err := m.store.CounterCAS(ctx, cluster, reservedValue+1, reservedValue); err != nil {
		log.WithError(err).WithField("cluster", cluster).Warn("failed to release admission reservation after submission failure")
		return
	}
	telemetry.SetClusterCounter(cluster, reservedValue)
}

// Decrement runs the idempotent decrement protocol: it marks the delivered
// query terminated and, only on the transition from not-terminated to
// terminated, decrements the cluster's counter. Safe to call more than once
// for the same query — the proxy stream and the event listener may both
// observe the same termination.
func (m *Manager) Decrement(ctx context.Context, trinoQueryID, cluster string) error {
	alreadyTerminated, err := m.store.MarkTerminated(ctx, trinoQueryID)
	if err != nil {
		return err
	}
	if alreadyTerminated {
		return nil
	}
	for attempt := 0; attempt < MaxCASAttempts; attempt++ {
		cur, err := m.store.CounterGet(ctx, cluster)
		if err != nil {
			return err
		}
		next := cur - 1
		if next < 0 {
			next = 0
		}
		err = m.store.CounterCAS(ctx, cluster, cur, next)
		if err == nil {
			telemetry.SetClusterCounter(cluster, next)
			return nil
		}
		if _, mismatch := err.(*persistence.ErrMismatch); mismatch {
			continue
		}
		return err
	}
	return nil
}

// pickCandidate applies the deterministic tie-break decided for Open
// Question §9.2: with an empty fingerprint, the first candidate in name
// order; otherwise a rendezvous hash of fingerprint over the candidate names,
// so repeated submissions with the same fingerprint tend toward the same
// cluster without starving the others.
func pickCandidate(candidates []trinolbcore.Cluster, fingerprint string) trinolbcore.Cluster {
	if len(candidates) == 1 {
		return candidates[0]
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	if fingerprint == "" {
		return candidates[0]
	}

	names := make([]string, len(candidates))
	byName := make(map[string]trinolbcore.Cluster, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
		byName[c.Name] = c
	}
	hasher := rendezvous.New(names, hashString)
	return byName[hasher.Lookup(fingerprint)]
}

func hashString(s string) uint64 {
	var h uint64 = 14695981039346656037
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= 1099511628211
	}
	return h
}
