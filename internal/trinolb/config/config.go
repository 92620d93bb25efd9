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

// Package config declares trino-lb's on-disk configuration shape and the
// viper-backed loader that reads it, mirroring the load/reload conventions
// used across the retrieval pack's services.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"trino-lb/internal/trinolb/proxy"
	"trino-lb/internal/trinolb/routing"
	"trino-lb/internal/trinolb/trinoclient"
	"trino-lb/internal/trinolb/trinolbcore"
)

// Config is the full on-disk shape of a trino-lb deployment: how it listens,
// which persistence backend it uses, its cluster groups, and its router
// chain.
type Config struct {
	Address     string `mapstructure:"address"`
	TrinoLBAddr string `mapstructure:"trinoLbAddr"`
	ProxyMode   string `mapstructure:"proxyMode"`

	Persistence PersistenceConfig `mapstructure:"persistence"`
	Groups      []GroupConfig     `mapstructure:"clusterGroups"`
	Routing     RoutingConfig     `mapstructure:"routing"`

	ReconcileInterval time.Duration `mapstructure:"reconcileInterval"`
	ScalerInterval    time.Duration `mapstructure:"scalerInterval"`

	SubmitRateLimit  int64         `mapstructure:"submitRateLimitPerClient"`
	SubmitRateWindow time.Duration `mapstructure:"submitRateLimitWindow"`
}

// PersistenceConfig selects and configures one of the three Store backends.
type PersistenceConfig struct {
	Backend  string `mapstructure:"backend"` // "memory", "redis", "postgres"
	RedisAddr string `mapstructure:"redisAddr"`
	PostgresDSN string `mapstructure:"postgresDsn"`
}

// ClusterConfig is one Trino coordinator within a GroupConfig.
type ClusterConfig struct {
	Name        string `mapstructure:"name"`
	Endpoint    string `mapstructure:"endpoint"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	TLSInsecure bool   `mapstructure:"tlsInsecure"`
}

// AutoscalingConfig mirrors trinolbcore.AutoscalingPolicy for decoding.
type AutoscalingConfig struct {
	Enabled                                     bool                   `mapstructure:"enabled"`
	MinClusters                                 int                    `mapstructure:"minClusters"`
	MaxClusters                                 int                    `mapstructure:"maxClusters"`
	UpscaleQueuedQueriesThreshold               int                    `mapstructure:"upscaleQueuedQueriesThreshold"`
	DownscaleRunningQueriesPercentageThreshold  float64                `mapstructure:"downscaleRunningQueriesPercentageThreshold"`
	DrainIdleDurationBeforeShutdown             time.Duration          `mapstructure:"drainIdleDurationBeforeShutdown"`
	WeeklyMinimum                               []WeeklyMinimumConfig  `mapstructure:"weeklyMinimum"`
}

// WeeklyMinimumConfig mirrors trinolbcore.WeeklyMinimumWindow for decoding;
// Start/End are durations since midnight ("8h30m") and Weekdays are the
// standard three-letter English abbreviations.
type WeeklyMinimumConfig struct {
	Weekdays []string      `mapstructure:"weekdays"`
	Start    time.Duration `mapstructure:"start"`
	End      time.Duration `mapstructure:"end"`
	Minimum  int           `mapstructure:"minimum"`
}

// GroupConfig is one cluster group.
type GroupConfig struct {
	Name              string            `mapstructure:"name"`
	MaxRunningQueries int               `mapstructure:"maxRunningQueries"`
	Autoscaling       AutoscalingConfig `mapstructure:"autoscaling"`
	Clusters          []ClusterConfig   `mapstructure:"clusters"`
}

// RoutingConfig declares the router chain in the order it should run.
type RoutingConfig struct {
	Fallback string               `mapstructure:"fallback"`
	Headers  []HeaderRouteConfig  `mapstructure:"headerRouters"`
	Tags     []TagRouteConfig     `mapstructure:"clientTagsRouters"`
	Script   *ScriptRouteConfig   `mapstructure:"scriptRouter"`
	Costs    []CostRouteConfig    `mapstructure:"explainCostsRouters"`
}

type HeaderRouteConfig struct {
	Header string `mapstructure:"header"`
}

type TagRouteConfig struct {
	Target string   `mapstructure:"target"`
	OneOf  []string `mapstructure:"oneOf"`
	AllOf  []string `mapstructure:"allOf"`
}

type ScriptRouteConfig struct {
	Source  string        `mapstructure:"source"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CostRouteConfig struct {
	Group          string  `mapstructure:"group"`
	MaxCPUCost     float64 `mapstructure:"maxCpuCost"`
	MaxMemoryCost  float64 `mapstructure:"maxMemoryCost"`
	MaxNetworkCost float64 `mapstructure:"maxNetworkCost"`
	MaxOutputRows  float64 `mapstructure:"maxOutputRows"`
	MaxOutputBytes float64 `mapstructure:"maxOutputBytes"`
}

// Load reads and unmarshals a "config.yaml"/"config.json"/etc file found on
// path, using viper's usual config-name/path resolution, the same shape
// armadaproject-armada's internal/common.LoadConfig uses across every one of
// its services.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(path)
	v.SetEnvPrefix("TRINO_LB")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// ConfigureLogging sets up structured logging the way every service in the
// retrieval pack does it: a coloured text formatter with full timestamps
// writing to stdout, so log aggregators see one line per event.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ClusterGroups converts the decoded config into the trinolbcore shape the
// rest of trino-lb operates on.
func (c *Config) ClusterGroups() []trinolbcore.ClusterGroup {
	groups := make([]trinolbcore.ClusterGroup, 0, len(c.Groups))
	for _, g := range c.Groups {
		clusters := make([]trinolbcore.Cluster, 0, len(g.Clusters))
		for _, cc := range g.Clusters {
			clusters = append(clusters, trinolbcore.Cluster{
				Group:       g.Name,
				Name:        cc.Name,
				Endpoint:    cc.Endpoint,
				Credentials: trinolbcore.Credentials{User: cc.User, Password: cc.Password},
				TLSInsecure: cc.TLSInsecure,
			})
		}
		groups = append(groups, trinolbcore.ClusterGroup{
			Name:              g.Name,
			MaxRunningQueries: g.MaxRunningQueries,
			Autoscaling:       g.Autoscaling.toPolicy(),
			Clusters:          clusters,
		})
	}
	return groups
}

func (a AutoscalingConfig) toPolicy() trinolbcore.AutoscalingPolicy {
	windows := make([]trinolbcore.WeeklyMinimumWindow, 0, len(a.WeeklyMinimum))
	for _, w := range a.WeeklyMinimum {
		windows = append(windows, trinolbcore.WeeklyMinimumWindow{
			Weekdays: parseWeekdays(w.Weekdays),
			Start:    w.Start,
			End:      w.End,
			Minimum:  w.Minimum,
		})
	}
	return trinolbcore.AutoscalingPolicy{
		Enabled:                                     a.Enabled,
		MinClusters:                                 a.MinClusters,
		MaxClusters:                                 a.MaxClusters,
		UpscaleQueuedQueriesThreshold:               a.UpscaleQueuedQueriesThreshold,
		DownscaleRunningQueriesPercentageThreshold:  a.DownscaleRunningQueriesPercentageThreshold,
		DrainIdleDurationBeforeShutdown:              a.DrainIdleDurationBeforeShutdown,
		WeeklyMinimum:                                windows,
	}
}

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "mon": time.Monday, "tue": time.Tuesday, "wed": time.Wednesday,
	"thu": time.Thursday, "fri": time.Friday, "sat": time.Saturday,
}

func parseWeekdays(names []string) []time.Weekday {
	out := make([]time.Weekday, 0, len(names))
	for _, n := range names {
		if len(n) >= 3 {
			n = n[:3]
		}
		if d, ok := weekdayNames[strings.ToLower(n)]; ok {
			out = append(out, d)
		}
	}
	return out
}

// ProxyModeValue resolves the configured proxy mode, defaulting to ProxyAllCalls.
func (c *Config) ProxyModeValue() proxy.Mode {
	if c.ProxyMode == string(proxy.ProxyFirstCall) {
		return proxy.ProxyFirstCall
	}
	return proxy.ProxyAllCalls
}

// RouterChain builds the configured router.Chain, in the fixed declared
// order: header routers, then client-tags routers, then the script router,
// then explain-costs routers, per §4.E. explainClient is used to construct
// any configured explain-costs routers; pass nil if none are configured.
func (c *Config) RouterChain(configuredGroups func(string) bool, explainClient *trinoclient.Client) (*routing.Chain, error) {
	var routers []routing.Router
	for _, h := range c.Routing.Headers {
		routers = append(routers, routing.NewHeaderRouter(h.Header))
	}
	for _, tg := range c.Routing.Tags {
		routers = append(routers, &routing.ClientTagsRouter{Target: tg.Target, OneOf: tg.OneOf, AllOf: tg.AllOf})
	}
	if c.Routing.Script != nil {
		sr, err := routing.NewScriptRouter(c.Routing.Script.Source, c.Routing.Script.Timeout)
		if err != nil {
			return nil, fmt.Errorf("compile script router: %w", err)
		}
		routers = append(routers, sr)
	}
	if len(c.Routing.Costs) > 0 && explainClient != nil {
		thresholds := make([]routing.CostThreshold, 0, len(c.Routing.Costs))
		for _, ct := range c.Routing.Costs {
			thresholds = append(thresholds, routing.CostThreshold{
				Group:          ct.Group,
				MaxCPUCost:     ct.MaxCPUCost,
				MaxMemoryCost:  ct.MaxMemoryCost,
				MaxNetworkCost: ct.MaxNetworkCost,
				MaxOutputRows:  ct.MaxOutputRows,
				MaxOutputBytes: ct.MaxOutputBytes,
			})
		}
		routers = append(routers, routing.NewExplainCostsRouter(explainClient, thresholds))
	}
	return routing.NewChain(c.Routing.Fallback, configuredGroups, routers...), nil
}
