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

// Package scaler implements the autoscaling reconciliation loop for cluster
// groups that opt into it: demand-pressure upscale, idle-based downscale,
// weekly minimum windows, and the abstract backend that actually starts or
// stops a cluster.
package scaler

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/clusterstate"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/trinolbcore"
)

// Backend starts or stops the underlying compute for a cluster. The
// reference implementation toggles a Kubernetes custom resource's `stopped`
// field; a fixed-pool deployment can use a no-op Backend that always reports
// success, since the Backend is never called for non-autoscaled groups.
type Backend interface {
	Start(ctx context.Context, cluster trinolbcore.Cluster) error
	Stop(ctx context.Context, cluster trinolbcore.Cluster) error
}

// Scaler runs one reconciliation pass per autoscaled group per tick.
type Scaler struct {
	store    persistence.Store
	registry *clusterstate.Registry
	backend  Backend
	clock    clockwork
	// idleSince tracks, per cluster, when it first became downscale-eligible,
	// so DrainIdleDurationBeforeShutdown can require it sustained rather than
	// momentary.
	mu        sync.Mutex
	idleSince map[string]time.Time
}

// clockwork is the minimal surface Scaler needs; satisfied by
// clockwork.Clock, kept narrow here so tests can fake just Now().
type clockwork interface {
	Now() time.Time
}

// LoggingBackend is a Backend that only logs the start/stop it was asked to
// perform, for deployments that run against a fixed pool of already-running
// coordinators fronted by some external process the operator manages by
// hand. Real Kubernetes-backed deployments supply their own Backend that
// toggles a CR's stopped field instead.
type LoggingBackend struct{}

func (LoggingBackend) Start(_ context.Context, cluster trinolbcore.Cluster) error {
	log.WithField("cluster", cluster.Name).Info("scaler: start requested, no backend configured")
	return nil
}

func (LoggingBackend) Stop(_ context.Context, cluster trinolbcore.Cluster) error {
	log.WithField("cluster", cluster.Name).Info("scaler: stop requested, no backend configured")
	return nil
}

// New returns a Scaler. clock defaults to the real wall clock when nil.
func New(store persistence.Store, registry *clusterstate.Registry, backend Backend, clock clockwork) *Scaler {
	if clock == nil {
		clock = realClock{}
	}
	return &Scaler{store: store, registry: registry, backend: backend, clock: clock, idleSince: map[string]time.Time{}}
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Run ticks every interval until ctx is done, reconciling every configured
// autoscaled group each time and forcing the clusters of every other group
// to Ready via clusterstate.SelfHealSweep.
func (s *Scaler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, g := range s.registry.Groups() {
				if !g.Autoscaling.Enabled {
					clusterstate.SelfHealSweep(ctx, s.store, g.Clusters, nil)
					continue
				}
				if err := s.reconcileGroup(ctx, g); err != nil {
					log.WithError(err).WithField("group", g.Name).Warn("autoscaler reconciliation failed")
				}
			}
		}
	}
}

// reconcileGroup implements §4.I: compute the effective minimum for now,
// bring the group up to it, then evaluate demand-pressure upscale and
// idle-based downscale against whatever remains above the minimum.
func (s *Scaler) reconcileGroup(ctx context.Context, g trinolbcore.ClusterGroup) error {
	now := s.clock.Now()
	minimum := effectiveMinimum(g.Autoscaling, now)

	started, stopped, err := s.partitionByState(ctx, g)
	if err != nil {
		return err
	}
	if len(started) < minimum {
		return s.startClusters(ctx, g, stopped, minimum-len(started))
	}

	queuedCount, err := s.store.QueuedCountByGroup(ctx, g.Name)
	if err != nil {
		return err
	}
	if queuedCount >= g.Autoscaling.UpscaleQueuedQueriesThreshold && len(stopped) > 0 && len(started) < g.Autoscaling.MaxClusters {
		return s.startClusters(ctx, g, stopped, 1)
	}

	if len(started) <= minimum {
		return nil
	}
	return s.considerDownscale(ctx, g, started, minimum, now)
}

// partitionByState reads each cluster's persisted state directly; the
// registry itself only exposes the Ready subset via ReadyClusters, which is
// too narrow for the scaler's own bookkeeping (it must see Starting,
// Draining, Stopping clusters too, not just Ready ones).
func (s *Scaler) partitionByState(ctx context.Context, g trinolbcore.ClusterGroup) (started, stopped []trinolbcore.Cluster, err error) {
	for _, c := range g.Clusters {
		state, err := s.store.LoadClusterState(ctx, c.Name)
		if err != nil {
			return nil, nil, err
		}
		switch state {
		case trinolbcore.ClusterStopped, trinolbcore.ClusterDeactivated:
			stopped = append(stopped, c)
		default:
			started = append(started, c)
		}
	}
	return started, stopped, nil
}

func (s *Scaler) startClusters(ctx context.Context, g trinolbcore.ClusterGroup, candidates []trinolbcore.Cluster, n int) error {
	for i := 0; i < n && i < len(candidates); i++ {
		c := candidates[i]
		m, ok := s.registry.Machine(c.Name)
		if !ok {
			continue
		}
		if err := s.backend.Start(ctx, c); err != nil {
			log.WithError(err).WithField("cluster", c.Name).Warn("autoscaler backend failed to start cluster")
			continue
		}
		if err := m.Transition(ctx, trinolbcore.ClusterStarting); err != nil {
			return err
		}
		log.WithFields(log.Fields{"group": g.Name, "cluster": c.Name}).Info("autoscaler starting cluster")
	}
	return nil
}

// considerDownscale evaluates Open Question §9.1's resolution:
// active_queries(cluster)/maxRunningQueries, sustained for
// DrainIdleDurationBeforeShutdown, before a cluster above the minimum is
// drained and stopped.
func (s *Scaler) considerDownscale(ctx context.Context, g trinolbcore.ClusterGroup, started []trinolbcore.Cluster, minimum int, now time.Time) error {
	slack := len(started) - minimum
	for _, c := range started {
		if slack <= 0 {
			return nil
		}
		running, err := s.store.CounterGet(ctx, c.Name)
		if err != nil {
			return err
		}
		ratio := 0.0
		if g.MaxRunningQueries > 0 {
			ratio = float64(running) / float64(g.MaxRunningQueries)
		}
		if ratio > g.Autoscaling.DownscaleRunningQueriesPercentageThreshold {
			s.clearIdle(c.Name)
			continue
		}

		since := s.markIdle(c.Name, now)
		if now.Sub(since) < g.Autoscaling.DrainIdleDurationBeforeShutdown {
			continue
		}

		m, ok := s.registry.Machine(c.Name)
		if !ok {
			continue
		}
		if err := m.Transition(ctx, trinolbcore.ClusterDraining); err != nil {
			log.WithError(err).WithField("cluster", c.Name).Debug("autoscaler could not begin draining cluster")
			continue
		}
		log.WithFields(log.Fields{"group": g.Name, "cluster": c.Name}).Info("autoscaler draining idle cluster")
		slack--
	}
	return nil
}

// FinishDraining transitions a Draining cluster through Stopping/Stopped and
// tells the backend to stop it once it has no more in-flight queries,
// completing the downscale started by considerDownscale.
func (s *Scaler) FinishDraining(ctx context.Context, g trinolbcore.ClusterGroup) error {
	for _, c := range g.Clusters {
		state, err := s.store.LoadClusterState(ctx, c.Name)
		if err != nil {
			return err
		}
		if state != trinolbcore.ClusterDraining {
			continue
		}
		running, err := s.store.CounterGet(ctx, c.Name)
		if err != nil {
			return err
		}
		if running > 0 {
			continue
		}
		m, ok := s.registry.Machine(c.Name)
		if !ok {
			continue
		}
		if err := m.Transition(ctx, trinolbcore.ClusterStopping); err != nil {
			continue
		}
		if err := s.backend.Stop(ctx, c); err != nil {
			log.WithError(err).WithField("cluster", c.Name).Warn("autoscaler backend failed to stop cluster")
			continue
		}
		if err := m.Transition(ctx, trinolbcore.ClusterStopped); err != nil {
			return err
		}
		s.clearIdle(c.Name)
	}
	return nil
}

func (s *Scaler) markIdle(cluster string, now time.Time) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	since, ok := s.idleSince[cluster]
	if !ok {
		s.idleSince[cluster] = now
		return now
	}
	return since
}

func (s *Scaler) clearIdle(cluster string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.idleSince, cluster)
}

// effectiveMinimum resolves AutoscalingPolicy.MinClusters against any
// WeeklyMinimumWindow that covers now, taking the largest applicable
// minimum when multiple windows overlap.
func effectiveMinimum(policy trinolbcore.AutoscalingPolicy, now time.Time) int {
	minimum := policy.MinClusters
	offset := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute + time.Duration(now.Second())*time.Second
	for _, w := range policy.WeeklyMinimum {
		if !coversWeekday(w.Weekdays, now.Weekday()) {
			continue
		}
		if offset < w.Start || offset >= w.End {
			continue
		}
		if w.Minimum > minimum {
			minimum = w.Minimum
		}
	}
	return minimum
}

func coversWeekday(days []time.Weekday, day time.Weekday) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}
