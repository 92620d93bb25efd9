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

// Package queued is the queued-query engine: virtual query ids that
// impersonate Trino's own QUEUED state, adaptive-backoff polling, and the
// staleness garbage-collection sweep.
package queued

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/counter"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/telemetry"
	"trino-lb/internal/trinolb/trinoclient"
	"trino-lb/internal/trinolb/trinolbcore"
)

// StaleAfter is how long a queued query may go unpolled before the GC
// sweep removes it, mirroring Trino's own query.client.timeout default.
const StaleAfter = 5 * time.Minute

// MaxPollBackoff bounds the adaptive polling backoff applied to a still-
// queued response: trino-lb holds the HTTP response open for this long at
// most before answering, so a client hammering its nextUri without its own
// backoff still can't flood trino-lb with requests/s.
const MaxPollBackoff = 3 * time.Second

// backoffForSequence computes how long to delay a still-queued poll
// response for the given poll sequence number: doubling from 512ms at
// sequence 2, capped at MaxPollBackoff. Sequences 0 and 1 never delay, so a
// client's very first poll gets an immediate answer.
func backoffForSequence(seq uint64) time.Duration {
	if seq <= 1 {
		return 0
	}
	if seq >= 56 { // 2^(56+7)ms is already far past MaxPollBackoff
		return MaxPollBackoff
	}
	millis := uint64(1) << (seq + 7)
	d := time.Duration(millis) * time.Millisecond
	if d > MaxPollBackoff {
		return MaxPollBackoff
	}
	return d
}

// Engine owns the lifecycle of queued queries: admission-time creation,
// per-poll admission retries, and GC of abandoned entries.
type Engine struct {
	store        persistence.Store
	admitter     *counter.Manager
	clientFor    func(trinolbcore.Cluster) *trinoclient.Client
	trinoLBAddr  string
	clock        clockwork.Clock
}

// New returns an Engine. clientFor builds a trinoclient.Client for a chosen
// cluster; trinoLBAddr is this replica's externally reachable base URL,
// used to build nextUri values that point back at trino-lb.
func New(store persistence.Store, admitter *counter.Manager, clientFor func(trinolbcore.Cluster) *trinoclient.Client, trinoLBAddr string, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{store: store, admitter: admitter, clientFor: clientFor, trinoLBAddr: trinoLBAddr, clock: clock}
}

// Enqueue persists a new QueuedQuery and returns the synthesized virtual
// statement-protocol response the client sees immediately.
func (e *Engine) Enqueue(ctx context.Context, statement string, headers http.Header, group string) (*trinoclient.StatementResponse, error) {
	now := e.clock.Now()
	virtualID := trinolbcore.NewVirtualID(now, uuid.NewString()[:8])

	qq := trinolbcore.QueuedQuery{
		VirtualID:    virtualID,
		Statement:    statement,
		Headers:      headers,
		ClusterGroup: group,
		CreationTime: now,
		LastAccessed: now,
	}
	if err := e.store.QueuedPut(ctx, qq); err != nil {
		return nil, err
	}
	e.reportQueueDepth(ctx, group)
	return e.virtualResponse(qq, now, 0), nil
}

// reportQueueDepth refreshes the queue-depth gauge for group. Best-effort:
// a failure here should never fail the request that triggered it.
func (e *Engine) reportQueueDepth(ctx context.Context, group string) {
	depth, err := e.store.QueuedCountByGroup(ctx, group)
	if err != nil {
		log.WithError(err).WithField("group", group).Warn("failed to refresh queue depth gauge")
		return
	}
	telemetry.SetQueueDepth(group, depth)
}

// Poll implements §4.G step 1-3: touch last_accessed, retry admission,
// either hand off to a real Trino submission or return another QUEUED
// response pointing back at the same virtual id, delayed by seq's adaptive
// backoff so a client polling in a tight loop can't flood trino-lb. seq is
// the poll sequence number embedded in the request's nextUri; the response
// (when still queued) embeds seq+1 for the client's next poll.
func (e *Engine) Poll(ctx context.Context, virtualID string, maxRunningQueries int, seq uint64) (*trinoclient.StatementResponse, error) {
	qq, err := e.store.QueuedGet(ctx, virtualID)
	if err != nil {
		return nil, err
	}
	now := e.clock.Now()
	qq.LastAccessed = now
	if err := e.store.QueuedTouch(ctx, virtualID, now); err != nil {
		return nil, err
	}

	fingerprint := qq.ClusterGroup + "|" + qq.Statement
	admission, err := e.admitter.Admit(ctx, qq.ClusterGroup, maxRunningQueries, fingerprint)
	if err == counter.ErrNoSlot {
		if backoff := backoffForSequence(seq); backoff > 0 {
			select {
			case <-e.clock.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return e.virtualResponse(qq, now, seq+1), nil
	}
	if err != nil {
		return nil, err
	}

	client := e.clientFor(admission.Cluster)
	resp, err := client.Submit(ctx, qq.Statement, qq.Headers)
	if err != nil {
		e.admitter.Release(ctx, admission.Cluster.Name, 0)
		return nil, err
	}

	if err := e.store.DeliveredPut(ctx, trinolbcore.DeliveredQuery{
		TrinoQueryID:  resp.ID,
		Cluster:       admission.Cluster.Name,
		ClusterGroup:  qq.ClusterGroup,
		Endpoint:      admission.Cluster.Endpoint,
		CreationTime:  qq.CreationTime,
		DeliveredTime: now,
	}); err != nil {
		return nil, err
	}
	if err := e.store.QueuedRemove(ctx, virtualID); err != nil {
		log.WithError(err).WithField("virtual_id", virtualID).Warn("failed to remove queued record after handoff")
	}
	e.reportQueueDepth(ctx, qq.ClusterGroup)

	rewritten, err := trinoclient.RewriteNextURI(resp.NextURI, e.trinoLBAddr)
	if err != nil {
		return nil, err
	}
	resp.NextURI = rewritten
	return resp, nil
}

// GCStaleQueries removes queued queries whose last_accessed is older than
// StaleAfter (§4.G garbage collection).
func (e *Engine) GCStaleQueries(ctx context.Context) (int, error) {
	stale, err := e.store.QueuedListStale(ctx, e.clock.Now().Add(-StaleAfter))
	if err != nil {
		return 0, err
	}
	touchedGroups := make(map[string]bool)
	for _, qq := range stale {
		if err := e.store.QueuedRemove(ctx, qq.VirtualID); err != nil {
			log.WithError(err).WithField("virtual_id", qq.VirtualID).Warn("GC: failed to remove stale queued query")
			continue
		}
		log.WithField("virtual_id", qq.VirtualID).Info("GC removed abandoned queued query")
		touchedGroups[qq.ClusterGroup] = true
	}
	for group := range touchedGroups {
		e.reportQueueDepth(ctx, group)
	}
	return len(stale), nil
}

// virtualResponse synthesizes a Trino-shaped QUEUED response for qq, zeroing
// every stat field except elapsed/queued time, per the client protocol
// preservation rule in §6. nextSeq is embedded in NextURI so the following
// poll knows its own sequence number for backoff purposes.
func (e *Engine) virtualResponse(qq trinolbcore.QueuedQuery, now time.Time, nextSeq uint64) *trinoclient.StatementResponse {
	queuedMillis := uint64(now.Sub(qq.CreationTime).Milliseconds())
	return &trinoclient.StatementResponse{
		ID:      qq.VirtualID,
		NextURI: e.trinoLBAddr + "/v1/statement/queued/" + qq.VirtualID + "/x/" + strconv.FormatUint(nextSeq, 10),
		InfoURI: e.trinoLBAddr + "/ui/query.html?" + qq.VirtualID,
		Stats: trinoclient.Stats{
			State:             "QUEUED_IN_TRINO_LB",
			Queued:            true,
			QueuedTimeMillis:  queuedMillis,
			ElapsedTimeMillis: queuedMillis,
		},
	}
}
