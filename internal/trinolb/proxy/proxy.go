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

// Package proxy implements the follow-up leg of the statement protocol once
// a query has been delivered to a real Trino cluster: every nextUri hop that
// reaches trino-lb is proxied to the coordinator, its nextUri is rewritten
// back to trino-lb, and an observed terminal state triggers the decrement
// protocol. The Proxy stores its Mode but no code path reads it, so
// ProxyFirstCall behaves exactly like ProxyAllCalls: clients are never
// handed the coordinator's own nextUri.
package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/counter"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/trinoclient"
	"trino-lb/internal/trinolb/trinolbcore"
	"trino-lb/internal/trinolb/trinolberr"
)

// Mode selects how follow-up statement-protocol calls are handled once a
// query has been delivered to a cluster.
type Mode string

const (
	// ProxyAllCalls proxies every nextUri hop through trino-lb, so it can
	// observe terminal states itself and drive the decrement protocol
	// without depending on the event-listener webhook.
	ProxyAllCalls Mode = "ProxyAllCalls"
	// ProxyFirstCall is accepted from config and stored on the Proxy, but
	// nothing branches on it: submissions, polls and follow-up hops are
	// handled exactly as in ProxyAllCalls.
	ProxyFirstCall Mode = "ProxyFirstCall"
)

// Proxy serves the delivered-query half of the statement protocol.
type Proxy struct {
	mode        Mode
	store       persistence.Store
	admitter    *counter.Manager
	clientFor   func(trinolbcore.Cluster) *trinoclient.Client
	clusterByName func(name string) (trinolbcore.Cluster, bool)
	trinoLBAddr string
}

// New returns a Proxy running in mode. clusterByName resolves a cluster's
// full definition (endpoint, credentials) from the bare name stored on a
// DeliveredQuery record.
func New(mode Mode, store persistence.Store, admitter *counter.Manager, clientFor func(trinolbcore.Cluster) *trinoclient.Client, clusterByName func(string) (trinolbcore.Cluster, bool), trinoLBAddr string) *Proxy {
	return &Proxy{
		mode:          mode,
		store:         store,
		admitter:      admitter,
		clientFor:     clientFor,
		clusterByName: clusterByName,
		trinoLBAddr:   strings.TrimRight(trinoLBAddr, "/"),
	}
}

// ServeFollow handles a GET follow-up against a delivered query, reached
// either as /v1/statement/executing/<queryId>/... (a query Trino itself now
// reports as running) or as /v1/statement/queued/<queryId>/... (a query
// Trino delivered but still reports queued — the same wire shape as trino-lb's
// own virtual queued responses, disambiguated by trinoQueryID not being a
// trino-lb virtual id). Whatever the Proxy's Mode, it follows the hop against
// the real coordinator, rewrites nextUri back to trino-lb, and decrements the
// admission counter the moment a terminal state is observed.
func (p *Proxy) ServeFollow(w http.ResponseWriter, r *http.Request, trinoQueryID string) {
	dq, err := p.store.DeliveredGet(r.Context(), trinoQueryID)
	if err == persistence.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}
	cluster, ok := p.clusterByName(dq.Cluster)
	if !ok {
		trinolberr.WriteHTTP(w, trinolberr.Wrap(trinolberr.KindRouting, "follow", errUnknownCluster(dq.Cluster)))
		return
	}

	client := p.clientFor(cluster)
	upstreamURI := cluster.Endpoint + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURI += "?" + r.URL.RawQuery
	}
	resp, err := client.Follow(r.Context(), upstreamURI, r.Header)
	if err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}

	if resp.Stats.IsTerminal() {
		if err := p.admitter.Decrement(r.Context(), dq.TrinoQueryID, dq.Cluster); err != nil {
			log.WithError(err).WithField("trino_query_id", dq.TrinoQueryID).Warn("failed to decrement on observed terminal state")
		}
	}

	rewritten, err := trinoclient.RewriteNextURI(resp.NextURI, p.trinoLBAddr)
	if err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}
	resp.NextURI = rewritten

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp)
}

// ServeCancel proxies a DELETE against a delivered query's coordinator, then
// releases its admission slot regardless of the coordinator's response, per
// the compensating-release step of the decrement protocol.
func (p *Proxy) ServeCancel(w http.ResponseWriter, r *http.Request, trinoQueryID string) {
	dq, err := p.store.DeliveredGet(r.Context(), trinoQueryID)
	if err == persistence.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}
	cluster, ok := p.clusterByName(dq.Cluster)
	if ok {
		client := p.clientFor(cluster)
		_ = client.Cancel(r.Context(), trinoQueryID)
	}
	if err := p.admitter.Decrement(r.Context(), trinoQueryID, dq.Cluster); err != nil {
		log.WithError(err).WithField("trino_query_id", trinoQueryID).Warn("failed to decrement on cancel")
	}
	w.WriteHeader(http.StatusNoContent)
}

type errUnknownCluster string

func (e errUnknownCluster) Error() string { return "unknown cluster: " + string(e) }

func writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}
