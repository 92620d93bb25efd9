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

package admission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"

	"trino-lb/internal/trinolb/clusterstate"
	"trino-lb/internal/trinolb/counter"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/proxy"
	"trino-lb/internal/trinolb/queued"
	"trino-lb/internal/trinolb/routing"
	"trino-lb/internal/trinolb/trinoclient"
	"trino-lb/internal/trinolb/trinolbcore"
)

func newTestServer(t *testing.T, upstreamURL string) *Server {
	t.Helper()
	ctx := context.Background()
	store := persistence.NewMemory()
	cluster := trinolbcore.Cluster{Group: "default", Name: "c1", Endpoint: upstreamURL}
	reg := clusterstate.NewRegistry(store, []trinolbcore.ClusterGroup{{Name: "default", MaxRunningQueries: 1, Clusters: []trinolbcore.Cluster{cluster}}})
	m, _ := reg.Machine("c1")
	if err := m.Transition(ctx, trinolbcore.ClusterStarting); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := m.Transition(ctx, trinolbcore.ClusterReady); err != nil {
		t.Fatalf("transition: %v", err)
	}
	mgr := counter.New(store, reg)

	clientFor := func(trinolbcore.Cluster) *trinoclient.Client {
		return trinoclient.New(upstreamURL, trinolbcore.Credentials{}, false, 0)
	}
	q := queued.New(store, mgr, clientFor, "http://trino-lb", clockwork.NewFakeClock())
	chain := routing.NewChain("default", func(g string) bool { return g == "default" })
	p := proxy.New(proxy.ProxyAllCalls, store, mgr, clientFor,
		func(name string) (trinolbcore.Cluster, bool) { return cluster, name == "c1" },
		"http://trino-lb")

	return New(chain, mgr, q, store, clientFor, p, "http://trino-lb", func(string) int { return 1 })
}

func TestServer_SubmitAdmitsFirstThenQueuesSecond(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(trinoclient.StatementResponse{
			ID:    "20240112_082858_00000_kggk9",
			Stats: trinoclient.Stats{State: "RUNNING"},
		})
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp1, err := http.Post(ts.URL+"/v1/statement", "text/plain", strings.NewReader("select 1"))
	if err != nil {
		t.Fatalf("submit 1: %v", err)
	}
	var body1 trinoclient.StatementResponse
	if err := json.NewDecoder(resp1.Body).Decode(&body1); err != nil {
		t.Fatalf("decode 1: %v", err)
	}
	resp1.Body.Close()
	if body1.ID != "20240112_082858_00000_kggk9" {
		t.Fatalf("expected first query admitted directly, got id=%s", body1.ID)
	}

	resp2, err := http.Post(ts.URL+"/v1/statement", "text/plain", strings.NewReader("select 2"))
	if err != nil {
		t.Fatalf("submit 2: %v", err)
	}
	var body2 trinoclient.StatementResponse
	if err := json.NewDecoder(resp2.Body).Decode(&body2); err != nil {
		t.Fatalf("decode 2: %v", err)
	}
	resp2.Body.Close()
	if body2.Stats.State != "QUEUED_IN_TRINO_LB" {
		t.Fatalf("expected second query queued, got state=%s", body2.Stats.State)
	}
}

// TestServer_QueuedPollFollowsDeliveredQuery covers the case where Trino
// itself still answers "queued" for a query that trino-lb already delivered
// (a real Trino query id, not a trino-lb virtual one), reachable at the same
// /v1/statement/queued/ prefix as a genuinely virtual query.
func TestServer_QueuedPollFollowsDeliveredQuery(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(trinoclient.StatementResponse{
			ID:    "20240112_082858_00000_kggk9",
			Stats: trinoclient.Stats{State: "QUEUED", Queued: true},
		})
	}))
	defer upstream.Close()

	srv := newTestServer(t, upstream.URL)
	ctx := context.Background()
	if err := srv.store.DeliveredPut(ctx, trinolbcore.DeliveredQuery{
		TrinoQueryID: "20240112_082858_00000_kggk9",
		Cluster:      "c1",
		ClusterGroup: "default",
		Endpoint:     upstream.URL,
	}); err != nil {
		t.Fatalf("DeliveredPut: %v", err)
	}

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/statement/queued/20240112_082858_00000_kggk9/y/0")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from proxied follow, got %d", resp.StatusCode)
	}
	var body trinoclient.StatementResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.ID != "20240112_082858_00000_kggk9" {
		t.Fatalf("expected the real Trino id proxied through, got %s", body.ID)
	}
}
