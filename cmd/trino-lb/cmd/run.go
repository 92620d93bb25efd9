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

package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trino-lb/internal/trinolb/admission"
	"trino-lb/internal/trinolb/clusterstate"
	"trino-lb/internal/trinolb/config"
	"trino-lb/internal/trinolb/counter"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/proxy"
	"trino-lb/internal/trinolb/queued"
	"trino-lb/internal/trinolb/ratelimit"
	"trino-lb/internal/trinolb/scaler"
	"trino-lb/internal/trinolb/telemetry"
	"trino-lb/internal/trinolb/trinoclient"
	"trino-lb/internal/trinolb/trinolbcore"

	"github.com/jonboulle/clockwork"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "run starts the trino-lb server",
		RunE:  runCmdE,
	}
	cmd.Flags().String("config", "./config", "path to the directory holding config.yaml")
	cmd.Flags().Duration("reconcile_interval", 30*time.Second, "how often the counter reconciler corrects drift against Trino's own query list")
	cmd.Flags().Duration("scaler_interval", 30*time.Second, "how often the autoscaler reconciles cluster groups")
	cmd.Flags().String("metrics_addr", "", "if non-empty, expose Prometheus /metrics on this address")
	return cmd
}

func runCmdE(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	reconcileInterval, _ := cmd.Flags().GetDuration("reconcile_interval")
	scalerInterval, _ := cmd.Flags().GetDuration("scaler_interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics_addr")

	config.ConfigureLogging()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.ReconcileInterval > 0 {
		reconcileInterval = cfg.ReconcileInterval
	}
	if cfg.ScalerInterval > 0 {
		scalerInterval = cfg.ScalerInterval
	}

	store, err := newStore(cmd.Context(), cfg.Persistence)
	if err != nil {
		return fmt.Errorf("initialize persistence: %w", err)
	}

	groups := cfg.ClusterGroups()
	registry := clusterstate.NewRegistry(store, groups)
	admitter := counter.New(store, registry)
	clients := newClientCache()

	router, err := cfg.RouterChain(configuredGroupSet(groups), explainClientFor(groups, clients))
	if err != nil {
		return fmt.Errorf("build router chain: %w", err)
	}

	queue := queued.New(store, admitter, clients.get, cfg.TrinoLBAddr, clockwork.NewRealClock())
	p := proxy.New(cfg.ProxyModeValue(), store, admitter, clients.get, clusterByNameFunc(registry), cfg.TrinoLBAddr)
	submitLimiter := ratelimit.New(cfg.SubmitRateLimit, cfg.SubmitRateWindow)
	server := admission.New(router, admitter, queue, store, clients.get, p, cfg.TrinoLBAddr, groupMaxRunningFunc(groups)).
		WithSubmitLimiter(submitLimiter)

	backend := scaler.LoggingBackend{}
	autoscaler := scaler.New(store, registry, backend, nil)

	lister := counter.NewTrinoActiveQueryLister(&http.Client{Timeout: 10 * time.Second})
	reconciler := counter.NewReconciler(admitter, lister, reconcileInterval)

	g, ctx := errgroup.WithContext(cmd.Context())

	g.Go(func() error {
		log.WithField("addr", cfg.Address).Info("trino-lb listening")
		return server.ListenAndServe(cfg.Address)
	})

	g.Go(func() error {
		return reconciler.Run(ctx, func() []trinolbcore.Cluster { return allClusters(groups) })
	})

	g.Go(func() error {
		return autoscaler.Run(ctx, scalerInterval)
	})

	g.Go(func() error {
		return drainFinisher(ctx, autoscaler, groups, scalerInterval)
	})

	g.Go(func() error {
		return submitLimiter.Run(ctx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if _, err := queue.GCStaleQueries(ctx); err != nil {
					log.WithError(err).Warn("queued-query GC sweep failed")
				}
			}
		}
	})

	if metricsAddr != "" {
		g.Go(func() error {
			log.WithField("addr", metricsAddr).Info("serving Prometheus metrics")
			return telemetry.ServeMetrics(metricsAddr)
		})
	}

	g.Go(func() error {
		return watchSignals(ctx, registry, configPath)
	})

	return g.Wait()
}

// watchSignals reloads configuration on SIGHUP (the hot-reload supplement)
// and cancels ctx's errgroup on SIGINT/SIGTERM for a graceful shutdown.
func watchSignals(ctx context.Context, registry *clusterstate.Registry, configPath string) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-sig:
			if s == syscall.SIGHUP {
				cfg, err := config.Load(configPath)
				if err != nil {
					log.WithError(err).Warn("SIGHUP: failed to reload config, keeping current configuration")
					continue
				}
				registry.Reload(cfg.ClusterGroups())
				continue
			}
			return fmt.Errorf("received signal %v", s)
		}
	}
}

// drainFinisher periodically completes the Draining->Stopping->Stopped path
// for every autoscaled group, since a Draining cluster only finishes once
// its counter reaches zero (checked here rather than inline in Scaler.Run
// so a slow-to-drain cluster never blocks the next group's reconciliation).
func drainFinisher(ctx context.Context, s *scaler.Scaler, groups []trinolbcore.ClusterGroup, interval time.Duration) error {
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
			for _, g := range groups {
				if !g.Autoscaling.Enabled {
					continue
				}
				if err := s.FinishDraining(ctx, g); err != nil {
					log.WithError(err).WithField("group", g.Name).Warn("failed to finish draining cluster group")
				}
			}
		}
	}
}

func newStore(ctx context.Context, pc config.PersistenceConfig) (persistence.Store, error) {
	switch pc.Backend {
	case "", "memory":
		return persistence.NewMemory(), nil
	case "redis":
		return persistence.NewRedis(pc.RedisAddr), nil
	case "postgres":
		return persistence.NewPostgres(ctx, pc.PostgresDSN)
	default:
		return nil, fmt.Errorf("unknown persistence backend %q", pc.Backend)
	}
}

// clientCache memoizes trinoclient.Clients per cluster, since each Client
// owns its own *http.Client and should be reused across requests.
type clientCache struct {
	mu      sync.Mutex
	clients map[string]*trinoclient.Client
}

func newClientCache() *clientCache {
	return &clientCache{clients: map[string]*trinoclient.Client{}}
}

func (c *clientCache) get(cluster trinolbcore.Cluster) *trinoclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[cluster.Name]; ok {
		return client
	}
	client := trinoclient.New(cluster.Endpoint, cluster.Credentials, cluster.TLSInsecure, 3)
	c.clients[cluster.Name] = client
	return client
}

func configuredGroupSet(groups []trinolbcore.ClusterGroup) func(string) bool {
	names := make(map[string]bool, len(groups))
	for _, g := range groups {
		names[g.Name] = true
	}
	return func(name string) bool { return names[name] }
}

func groupMaxRunningFunc(groups []trinolbcore.ClusterGroup) func(string) int {
	byName := make(map[string]int, len(groups))
	for _, g := range groups {
		byName[g.Name] = g.MaxRunningQueries
	}
	return func(name string) int { return byName[name] }
}

func clusterByNameFunc(registry *clusterstate.Registry) func(string) (trinolbcore.Cluster, bool) {
	return func(name string) (trinolbcore.Cluster, bool) {
		for _, g := range registry.Groups() {
			for _, c := range g.Clusters {
				if c.Name == name {
					return c, true
				}
			}
		}
		return trinolbcore.Cluster{}, false
	}
}

func allClusters(groups []trinolbcore.ClusterGroup) []trinolbcore.Cluster {
	var out []trinolbcore.Cluster
	for _, g := range groups {
		out = append(out, g.Clusters...)
	}
	return out
}

// explainClientFor picks a client for the first cluster of the first
// configured group to run the explain-costs router's EXPLAIN calls against;
// returns nil when no cluster is configured, in which case config.RouterChain
// skips building any explain-costs routers.
func explainClientFor(groups []trinolbcore.ClusterGroup, clients *clientCache) *trinoclient.Client {
	for _, g := range groups {
		if len(g.Clusters) > 0 {
			return clients.get(g.Clusters[0])
		}
	}
	return nil
}
