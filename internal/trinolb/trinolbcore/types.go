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

// Package trinolbcore defines the entities shared across every trino-lb
// component: cluster groups, clusters, cluster state, and the queued/delivered
// query records persisted by the store.
package trinolbcore

import (
	"fmt"
	"net/http"
	"time"
)

// ClusterState is the lifecycle state of a single Trino cluster, tracked
// process-wide and persisted so all trino-lb replicas agree.
type ClusterState string

const (
	ClusterStopped     ClusterState = "Stopped"
	ClusterStarting    ClusterState = "Starting"
	ClusterReady       ClusterState = "Ready"
	ClusterUnhealthy   ClusterState = "Unhealthy"
	ClusterDraining    ClusterState = "Draining"
	ClusterStopping    ClusterState = "Stopping"
	ClusterDeactivated ClusterState = "Deactivated"
)

// AcceptsNewQueries reports whether a cluster in this state may receive new
// admissions. Only Ready clusters do; every other state may still be
// draining in-flight queries from earlier.
func (s ClusterState) AcceptsNewQueries() bool {
	return s == ClusterReady
}

// AllClusterStates lists every ClusterState value, in the order the state
// diagram (§4.C) introduces them.
var AllClusterStates = []ClusterState{
	ClusterStopped, ClusterStarting, ClusterReady, ClusterUnhealthy,
	ClusterDraining, ClusterStopping, ClusterDeactivated,
}

// Cluster is a single Trino coordinator endpoint within a ClusterGroup.
// Identity is (Group, Name); Name must be globally unique.
type Cluster struct {
	Group       string
	Name        string
	Endpoint    string
	Credentials Credentials
	TLSInsecure bool
}

// Credentials carries whatever trino-lb forwards to Trino verbatim; trino-lb
// never authenticates users itself (spec Non-goals).
type Credentials struct {
	User     string
	Password string
}

// AutoscalingPolicy is the optional autoscaling configuration for a
// ClusterGroup. Left zero-valued, a group is not autoscaled and its clusters
// are permanently forced to Ready by the periodic self-heal sweep.
type AutoscalingPolicy struct {
	Enabled bool

	MinClusters int
	MaxClusters int

	// UpscaleQueuedQueriesThreshold: once queued_count(group) reaches this,
	// the scaler requests another cluster be started.
	UpscaleQueuedQueriesThreshold int

	// DownscaleRunningQueriesPercentageThreshold is running/max (NOT
	// running/currently-active — see DESIGN.md Open Question #1).
	DownscaleRunningQueriesPercentageThreshold float64

	DrainIdleDurationBeforeShutdown time.Duration

	// WeeklyMinimum optionally overrides MinClusters for specific
	// weekday/time windows (e.g. "scale up to 3 on weekday mornings").
	WeeklyMinimum []WeeklyMinimumWindow
}

// WeeklyMinimumWindow pins a minimum cluster count for a recurring time
// window, keyed by weekday and a [Start, End) time-of-day range in the
// time zone of the scaler clock's current time.
type WeeklyMinimumWindow struct {
	Weekdays []time.Weekday
	Start    time.Duration // offset since midnight
	End      time.Duration
	Minimum  int
}

// ClusterGroup is a named set of clusters sharing uniform per-cluster
// concurrency semantics. Immutable across the process lifetime except
// through a full config reload (clusterstate.Registry.Reload).
type ClusterGroup struct {
	Name              string
	MaxRunningQueries int
	Autoscaling       AutoscalingPolicy
	Clusters          []Cluster
}

// QueuedQuery is held by trino-lb under a virtual id while no admission slot
// exists. VirtualID is formatted as trino_lb_<YYYYMMDD>_<HHMMSS>_<random> to
// parse under Trino's own QueryId conventions.
type QueuedQuery struct {
	VirtualID    string
	Statement    string
	Headers      http.Header
	ClusterGroup string
	CreationTime time.Time
	LastAccessed time.Time
}

// DeliveredQuery is created once a statement has been handed off to a real
// Trino cluster. Owning identity is the Trino-assigned query id.
type DeliveredQuery struct {
	TrinoQueryID  string
	Cluster       string
	ClusterGroup  string
	Endpoint      string
	CreationTime  time.Time
	DeliveredTime time.Time
	// Terminated is set exactly once, the first time either the proxy stream
	// or the event-listener observes a terminal state, so the matching
	// counter decrement only ever happens once (§4.D decrement protocol).
	Terminated bool
}

// SanitizeHeaders returns a shallow clone of h with the Authorization header
// redacted, safe to place in a log field or trace span. Basic-auth
// credentials otherwise land verbatim in every request trino-lb forwards, so
// this must run before headers are logged anywhere on the request path.
func SanitizeHeaders(h http.Header) http.Header {
	sanitized := h.Clone()
	if sanitized.Get("Authorization") != "" {
		sanitized.Set("Authorization", "<redacted>")
	}
	return sanitized
}

// QueryFingerprint is the derived (statement, selected headers) tuple passed
// to routers. It is never persisted.
type QueryFingerprint struct {
	Statement string
	Headers   http.Header
}

const queuedIDPrefix = "trino_lb_"

// NewVirtualID formats a virtual queued-query id the way Trino formats its
// own query ids, so stock Trino clients' parsers accept it.
func NewVirtualID(now time.Time, randomSuffix string) string {
	return fmt.Sprintf("%s%s_%s", queuedIDPrefix, now.Format("20060102_150405"), randomSuffix)
}

// IsVirtualID reports whether id was minted by NewVirtualID.
func IsVirtualID(id string) bool {
	return len(id) > len(queuedIDPrefix) && id[:len(queuedIDPrefix)] == queuedIDPrefix
}
