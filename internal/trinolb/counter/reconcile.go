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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"trino-lb/internal/trinolb/telemetry"
	"trino-lb/internal/trinolb/trinolbcore"
)

// ActiveQueryLister reports the Trino query ids currently active on a
// cluster, so reconciliation can cross-reference against DeliveredQuery
// rows and correct drift. Implemented by a thin wrapper over Trino's own
// /v1/query endpoint; kept as an interface here so tests can fake it
// without standing up an HTTP server.
type ActiveQueryLister interface {
	ActiveQueryIDs(ctx context.Context, cluster trinolbcore.Cluster) ([]string, error)
}

// Reconciler runs the periodic drift-correction sweep described in §4.D:
// every interval, for each cluster, cross-reference Trino's own view of
// active queries against DeliveredQuery rows and CounterSet to the observed
// truth. Corrects drift from crashed replicas or lost decrements.
type Reconciler struct {
	manager  *Manager
	lister   ActiveQueryLister
	interval time.Duration
}

// NewReconciler returns a Reconciler that queries lister on each tick.
func NewReconciler(manager *Manager, lister ActiveQueryLister, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{manager: manager, lister: lister, interval: interval}
}

// Run blocks, reconciling every interval, until ctx is canceled.
func (r *Reconciler) Run(ctx context.Context, clusters func() []trinolbcore.Cluster) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.reconcileOnce(ctx, clusters()); err != nil {
				log.WithError(err).Warn("reconciliation pass encountered errors")
			}
		}
	}
}

// reconcileOnce fans out one reconciliation pass across every cluster
// concurrently, aggregating whatever failed rather than aborting on the
// first error — partial success on some clusters is still useful.
func (r *Reconciler) reconcileOnce(ctx context.Context, clusters []trinolbcore.Cluster) error {
	g, gctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	var errs error
	for _, c := range clusters {
		c := c
		g.Go(func() error {
			if err := r.reconcileCluster(gctx, c); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, fmt.Errorf("cluster %s: %w", c.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (r *Reconciler) reconcileCluster(ctx context.Context, cluster trinolbcore.Cluster) error {
	activeIDs, err := r.lister.ActiveQueryIDs(ctx, cluster)
	if err != nil {
		return err
	}

	delivered, err := r.manager.store.DeliveredListByCluster(ctx, cluster.Name)
	if err != nil {
		return err
	}

	activeSet := make(map[string]bool, len(activeIDs))
	for _, id := range activeIDs {
		activeSet[id] = true
	}

	observed := int64(0)
	for _, dq := range delivered {
		if activeSet[dq.TrinoQueryID] {
			observed++
			continue
		}
		// Trino no longer knows about this query: it finished without us
		// observing termination through the proxy or the event listener.
		// Clean up the stale DeliveredQuery record so it stops inflating
		// future reconciliation passes.
		if _, err := r.manager.store.MarkTerminated(ctx, dq.TrinoQueryID); err != nil {
			log.WithError(err).WithField("trino_query_id", dq.TrinoQueryID).Warn("reconciliation: failed to mark stale delivered query terminated")
		}
		if err := r.manager.store.DeliveredRemove(ctx, dq.TrinoQueryID); err != nil {
			log.WithError(err).WithField("trino_query_id", dq.TrinoQueryID).Warn("reconciliation: failed to remove stale delivered query")
		}
	}

	current, err := r.manager.store.CounterGet(ctx, cluster.Name)
	if err != nil {
		return err
	}
	if current == observed {
		return nil
	}
	log.WithFields(log.Fields{"cluster": cluster.Name, "observed": observed, "previous": current}).
		Info("reconciliation corrected counter drift")
	if err := r.manager.store.CounterSet(ctx, cluster.Name, observed); err != nil {
		return err
	}
	telemetry.ObserveReconcileDrift(cluster.Name)
	telemetry.SetClusterCounter(cluster.Name, observed)
	return nil
}

// httpActiveQueryLister hits a Trino coordinator's own /v1/query listing
// endpoint directly — this is outside the statement protocol proper, so it
// does not go through trinoclient.Client.
type httpActiveQueryLister struct {
	httpClient *http.Client
}

// NewTrinoActiveQueryLister returns an ActiveQueryLister backed by real
// Trino coordinators' /v1/query endpoint.
func NewTrinoActiveQueryLister(httpClient *http.Client) ActiveQueryLister {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &httpActiveQueryLister{httpClient: httpClient}
}

func (l *httpActiveQueryLister) ActiveQueryIDs(ctx context.Context, cluster trinolbcore.Cluster) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cluster.Endpoint+"/v1/query", nil)
	if err != nil {
		return nil, err
	}
	if cluster.Credentials.User != "" {
		req.SetBasicAuth(cluster.Credentials.User, cluster.Credentials.Password)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var infos []struct {
		QueryID string `json:"queryId"`
		State   string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		if info.State == "FINISHED" || info.State == "FAILED" {
			continue
		}
		ids = append(ids, info.QueryID)
	}
	return ids, nil
}
