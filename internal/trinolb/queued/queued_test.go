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

package queued

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"trino-lb/internal/trinolb/clusterstate"
	"trino-lb/internal/trinolb/counter"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/trinoclient"
	"trino-lb/internal/trinolb/trinolbcore"
)

func newReadyRegistry(t *testing.T, store persistence.Store, group, cluster string) *clusterstate.Registry {
	t.Helper()
	ctx := context.Background()
	reg := clusterstate.NewRegistry(store, []trinolbcore.ClusterGroup{
		{Name: group, Clusters: []trinolbcore.Cluster{{Group: group, Name: cluster}}},
	})
	m, _ := reg.Machine(cluster)
	if err := m.Transition(ctx, trinolbcore.ClusterStarting); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := m.Transition(ctx, trinolbcore.ClusterReady); err != nil {
		t.Fatalf("transition: %v", err)
	}
	return reg
}

// TestEngine_S1QueueThenAdmit reproduces the S1 testable-property scenario:
// group s, maxRunningQueries=1, one Ready cluster. Q1 admits immediately;
// Q2 queues while Q1 is active; once Q1's slot frees, Q2's next poll hands
// off to a real Trino id.
func TestEngine_S1QueueThenAdmit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(trinoclient.StatementResponse{
			ID:      "20240112_082858_00000_kggk9",
			NextURI: tsURL(r) + "/v1/statement/executing/x/0",
			InfoURI: tsURL(r) + "/ui/query.html?x",
			Stats:   trinoclient.Stats{State: "RUNNING"},
		})
	}))
	defer ts.Close()

	ctx := context.Background()
	store := persistence.NewMemory()
	reg := newReadyRegistry(t, store, "s", "c1")
	mgr := counter.New(store, reg)
	clock := clockwork.NewFakeClock()

	client := trinoclient.New(ts.URL, trinolbcore.Credentials{}, false, 0)
	engine := New(store, mgr, func(trinolbcore.Cluster) *trinoclient.Client { return client }, "http://trino-lb", clock)

	// Q1 admits directly by going through admission then submit, as the
	// admission handler would for a fresh POST /v1/statement.
	admission, err := mgr.Admit(ctx, "s", 1, "q1")
	if err != nil {
		t.Fatalf("Q1 admit: %v", err)
	}
	if admission.Cluster.Name != "c1" {
		t.Fatalf("unexpected cluster: %s", admission.Cluster.Name)
	}

	// Q2 queues since the single slot is taken.
	resp, err := engine.Enqueue(ctx, "select 2", nil, "s")
	if err != nil {
		t.Fatalf("Enqueue Q2: %v", err)
	}
	if resp.Stats.State != "QUEUED_IN_TRINO_LB" {
		t.Fatalf("expected virtual QUEUED response, got %s", resp.Stats.State)
	}

	polled, err := engine.Poll(ctx, resp.ID, 1, 0)
	if err != nil {
		t.Fatalf("poll while Q1 active: %v", err)
	}
	if polled.Stats.State != "QUEUED_IN_TRINO_LB" {
		t.Fatalf("expected still queued while Q1 active, got %s", polled.Stats.State)
	}
	if !strings.HasSuffix(polled.NextURI, "/x/1") {
		t.Fatalf("expected next poll sequence 1 in nextUri, got %s", polled.NextURI)
	}

	// Release Q1's slot.
	if err := store.DeliveredPut(ctx, trinolbcore.DeliveredQuery{TrinoQueryID: "q1-real-id", Cluster: "c1"}); err != nil {
		t.Fatalf("DeliveredPut: %v", err)
	}
	if err := mgr.Decrement(ctx, "q1-real-id", "c1"); err != nil {
		t.Fatalf("decrement Q1: %v", err)
	}

	final, err := engine.Poll(ctx, resp.ID, 1, 1)
	if err != nil {
		t.Fatalf("final poll: %v", err)
	}
	if final.ID != "20240112_082858_00000_kggk9" {
		t.Fatalf("expected handoff to real Trino id, got %s", final.ID)
	}

	if _, err := store.QueuedGet(ctx, resp.ID); err != persistence.ErrNotFound {
		t.Fatalf("expected queued record removed after handoff, got err=%v", err)
	}
}

func TestEngine_GCRemovesStaleQueries(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	reg := newReadyRegistry(t, store, "s", "c1")
	mgr := counter.New(store, reg)
	clock := clockwork.NewFakeClock()

	engine := New(store, mgr, nil, "http://trino-lb", clock)
	resp, err := engine.Enqueue(ctx, "select 1", nil, "s")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	clock.Advance(StaleAfter + time.Minute)
	n, err := engine.GCStaleQueries(ctx)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale entry removed, got %d", n)
	}
	if _, err := store.QueuedGet(ctx, resp.ID); err != persistence.ErrNotFound {
		t.Fatalf("expected queued query gone after GC, err=%v", err)
	}
}

func TestBackoffForSequence(t *testing.T) {
	cases := []struct {
		seq  uint64
		want time.Duration
	}{
		{0, 0},
		{1, 0},
		{2, 512 * time.Millisecond},
		{3, 1024 * time.Millisecond},
		{4, 2048 * time.Millisecond},
		{5, MaxPollBackoff},
		{100, MaxPollBackoff},
	}
	for _, c := range cases {
		if got := backoffForSequence(c.seq); got != c.want {
			t.Errorf("backoffForSequence(%d) = %v, want %v", c.seq, got, c.want)
		}
	}
}

// TestEngine_PollDelaysBySequenceBackoff exercises the adaptive-backoff path:
// a poll that finds no free slot must wait out its sequence's backoff before
// returning, so a client polling in a tight loop can't flood trino-lb.
func TestEngine_PollDelaysBySequenceBackoff(t *testing.T) {
	ctx := context.Background()
	store := persistence.NewMemory()
	reg := newReadyRegistry(t, store, "s", "c1")
	mgr := counter.New(store, reg)
	clock := clockwork.NewFakeClock()

	engine := New(store, mgr, nil, "http://trino-lb", clock)

	if _, err := mgr.Admit(ctx, "s", 1, "occupier"); err != nil {
		t.Fatalf("admit occupier: %v", err)
	}
	resp, err := engine.Enqueue(ctx, "select 1", nil, "s")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	done := make(chan *trinoclient.StatementResponse, 1)
	errs := make(chan error, 1)
	go func() {
		polled, err := engine.Poll(ctx, resp.ID, 1, 2)
		errs <- err
		done <- polled
	}()

	clock.BlockUntil(1)
	clock.Advance(512 * time.Millisecond)

	if err := <-errs; err != nil {
		t.Fatalf("poll: %v", err)
	}
	polled := <-done
	if !strings.HasSuffix(polled.NextURI, "/x/3") {
		t.Fatalf("expected next poll sequence 3 in nextUri, got %s", polled.NextURI)
	}
}

func tsURL(r *http.Request) string {
	scheme := "http"
	return scheme + "://" + r.Host
}
