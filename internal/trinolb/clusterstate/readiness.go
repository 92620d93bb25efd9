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
	"time"

	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/trinolbcore"
)

// ReadinessDebounce is the minimum duration a health check must report ready
// continuously before Starting/Unhealthy transitions to Ready (§4.C).
const ReadinessDebounce = 5 * time.Second

// Debouncer tracks how long a cluster's health check has been reporting a
// given verdict, so ObserveHealth only fires a transition once the verdict
// has been stable for ReadinessDebounce. One Debouncer per cluster.
type Debouncer struct {
	machine *Machine

	lastVerdict  bool
	verdictSince time.Time
	haveVerdict  bool
}

// NewDebouncer wraps machine with readiness debounce bookkeeping.
func NewDebouncer(machine *Machine) *Debouncer {
	return &Debouncer{machine: machine}
}

// ObserveHealth records a fresh health check result and applies whatever
// transition falls out of it: Starting/Unhealthy -> Ready once healthy has
// held for ReadinessDebounce, or Ready -> Unhealthy immediately on the
// first failing check (flapping down is not debounced, only flapping up).
func (d *Debouncer) ObserveHealth(ctx context.Context, healthy bool) error {
	now := d.machine.clock.Now()

	if !d.haveVerdict || healthy != d.lastVerdict {
		d.lastVerdict = healthy
		d.verdictSince = now
		d.haveVerdict = true
	}

	cur, err := d.machine.Current(ctx)
	if err != nil {
		return err
	}

	if !healthy {
		if cur == trinolbcore.ClusterReady {
			return d.machine.Transition(ctx, trinolbcore.ClusterUnhealthy)
		}
		return nil
	}

	stableFor := now.Sub(d.verdictSince)
	if stableFor < ReadinessDebounce {
		return nil
	}

	switch cur {
	case trinolbcore.ClusterStarting, trinolbcore.ClusterUnhealthy:
		return d.machine.Transition(ctx, trinolbcore.ClusterReady)
	default:
		return nil
	}
}

// SelfHealSweep forces every cluster in clusters that is not part of an
// autoscaled group back to Ready, so a wiped persistence layer or a
// transient blip self-heals instead of wedging admissions shut forever.
// Autoscaled clusters are left alone: their state is the scaler's business.
func SelfHealSweep(ctx context.Context, store interface {
	LoadClusterState(ctx context.Context, cluster string) (trinolbcore.ClusterState, error)
	StoreClusterState(ctx context.Context, cluster string, state trinolbcore.ClusterState) error
}, clusters []trinolbcore.Cluster, autoscaledGroups map[string]bool) {
	for _, c := range clusters {
		if autoscaledGroups[c.Group] {
			continue
		}
		state, err := store.LoadClusterState(ctx, c.Name)
		if err != nil {
			log.WithError(err).WithField("cluster", c.Name).Warn("self-heal sweep: failed to load state")
			continue
		}
		if state == trinolbcore.ClusterReady {
			continue
		}
		if err := store.StoreClusterState(ctx, c.Name, trinolbcore.ClusterReady); err != nil {
			log.WithError(err).WithField("cluster", c.Name).Warn("self-heal sweep: failed to force Ready")
			continue
		}
		log.WithField("cluster", c.Name).WithField("previous_state", state).Info("self-heal sweep forced cluster to Ready")
	}
}
