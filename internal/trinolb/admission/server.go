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

// Package admission implements the public HTTP surface trino-lb presents to
// Trino clients: statement submission, queued/delivered polling, cancellation
// and the trino-event-listener webhook, wiring the router chain, the
// admission counter manager, the queued-query engine and the proxy together.
package admission

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"trino-lb/internal/trinolb/counter"
	"trino-lb/internal/trinolb/persistence"
	"trino-lb/internal/trinolb/proxy"
	"trino-lb/internal/trinolb/queued"
	"trino-lb/internal/trinolb/ratelimit"
	"trino-lb/internal/trinolb/routing"
	"trino-lb/internal/trinolb/trinoclient"
	"trino-lb/internal/trinolb/trinolbcore"
	"trino-lb/internal/trinolb/trinolberr"
)

// ClientFor resolves the trinoclient.Client to use for a chosen cluster.
// Implementations typically cache one Client per cluster endpoint.
type ClientFor func(trinolbcore.Cluster) *trinoclient.Client

// Server is the public HTTP entry point for the statement protocol. It never
// authenticates users itself (spec Non-goals); credentials and X-Trino-User
// are forwarded to Trino verbatim by trinoclient.Client.
type Server struct {
	router      *routing.Chain
	admitter    *counter.Manager
	queue       *queued.Engine
	store       persistence.Store
	clientFor   ClientFor
	proxy       *proxy.Proxy
	trinoLBAddr string

	groupMaxRunning func(group string) int
	submitLimiter   *ratelimit.Limiter
}

// New returns a Server. groupMaxRunning resolves a group's configured
// maxRunningQueries, used both at initial submission and on every poll.
func New(router *routing.Chain, admitter *counter.Manager, queue *queued.Engine, store persistence.Store, clientFor ClientFor, p *proxy.Proxy, trinoLBAddr string, groupMaxRunning func(string) int) *Server {
	return &Server{
		router:          router,
		admitter:        admitter,
		queue:           queue,
		store:           store,
		clientFor:       clientFor,
		proxy:           p,
		trinoLBAddr:     strings.TrimRight(trinoLBAddr, "/"),
		groupMaxRunning: groupMaxRunning,
	}
}

// WithSubmitLimiter installs a per-client submission-rate guard in front of
// /v1/statement, keyed by remote address. Optional; a Server with none
// configured never rate limits.
func (s *Server) WithSubmitLimiter(limiter *ratelimit.Limiter) *Server {
	s.submitLimiter = limiter
	return s
}

// RegisterRoutes wires every statement-protocol endpoint onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/statement", s.handleSubmit)
	mux.HandleFunc("/v1/statement/queued/", s.handleQueuedPoll)
	mux.HandleFunc("/v1/statement/executing/", s.handleDeliveredPoll)
	mux.HandleFunc("/v1/statement/", s.handleCancel)
	mux.HandleFunc("/v1/trino-event-listener", s.handleEventListener)
}

// ListenAndServe starts the HTTP server on addr with the teacher's timeouts.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	log.WithField("addr", addr).Info("trino-lb statement server listening")
	return httpServer.ListenAndServe()
}

// handleSubmit implements POST /v1/statement: classify, admit-or-queue,
// submit to the winning cluster or synthesize a queued response.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.submitLimiter.Allow(clientKey(r)) {
		trinolberr.WriteHTTP(w, trinolberr.Wrap(trinolberr.KindRateLimited, "submit statement", errRateLimited))
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		trinolberr.WriteHTTP(w, trinolberr.Wrap(trinolberr.KindProtocol, "read statement body", err))
		return
	}
	statement := string(body)
	log.WithField("headers", trinolbcore.SanitizeHeaders(r.Header)).Debug("trino-lb: received statement submission")
	group := s.router.Route(r.Context(), statement, r.Header)
	maxRunning := s.groupMaxRunning(group)
	fingerprint := group + "|" + statement

	admission, err := s.admitter.Admit(r.Context(), group, maxRunning, fingerprint)
	if err == counter.ErrNoSlot {
		resp, qerr := s.queue.Enqueue(r.Context(), statement, r.Header, group)
		if qerr != nil {
			trinolberr.WriteHTTP(w, qerr)
			return
		}
		writeJSON(w, resp)
		return
	}
	if err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}

	client := s.clientFor(admission.Cluster)
	resp, err := client.Submit(r.Context(), statement, r.Header)
	if err != nil {
		s.admitter.Release(r.Context(), admission.Cluster.Name, 0)
		trinolberr.WriteHTTP(w, err)
		return
	}
	if err := s.store.DeliveredPut(r.Context(), trinolbcore.DeliveredQuery{
		TrinoQueryID:  resp.ID,
		Cluster:       admission.Cluster.Name,
		ClusterGroup:  group,
		Endpoint:      admission.Cluster.Endpoint,
		CreationTime:  time.Now(),
		DeliveredTime: time.Now(),
	}); err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}

	rewritten, err := trinoclient.RewriteNextURI(resp.NextURI, s.trinoLBAddr)
	if err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}
	resp.NextURI = rewritten
	writeJSON(w, resp)
}

// handleQueuedPoll implements GET /v1/statement/queued/<id>/<token>/<seq>: a
// poll against either a virtual (still-queued) query id, served straight out
// of the queued-query engine, or a real Trino query id that Trino itself
// still reports as queued (delivered but not yet running), proxied exactly
// like handleDeliveredPoll. <seq> is the client's poll sequence number, used
// only in the virtual case to compute this poll's adaptive backoff.
func (s *Server) handleQueuedPoll(w http.ResponseWriter, r *http.Request) {
	id, seq := parseQueuedPath(r.URL.Path, "/v1/statement/queued/")
	if !trinolbcore.IsVirtualID(id) {
		s.proxy.ServeFollow(w, r, id)
		return
	}

	qq, err := s.store.QueuedGet(r.Context(), id)
	if err == persistence.ErrNotFound {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}

	resp, err := s.queue.Poll(r.Context(), id, s.groupMaxRunning(qq.ClusterGroup), seq)
	if err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, resp)
}

// handleDeliveredPoll implements GET /v1/statement/executing/...: proxy the
// follow-up call to whichever cluster the query was delivered to.
func (s *Server) handleDeliveredPoll(w http.ResponseWriter, r *http.Request) {
	id := pathSegment(r.URL.Path, "/v1/statement/executing/")
	s.proxy.ServeFollow(w, r, id)
}

// handleCancel implements DELETE against either a queued virtual id (simply
// removed) or a delivered id (proxied as a best-effort DELETE, per §4.D
// step 6's compensating release).
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.NotFound(w, r)
		return
	}
	id := pathSegment(r.URL.Path, "/v1/statement/")
	if trinolbcore.IsVirtualID(id) {
		if err := s.store.QueuedRemove(r.Context(), id); err != nil && err != persistence.ErrNotFound {
			trinolberr.WriteHTTP(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.proxy.ServeCancel(w, r, id)
}

// handleEventListener implements POST /v1/trino-event-listener: Trino's own
// query-completed event, which runs the same idempotent decrement protocol
// the proxy runs when it observes a terminal state itself (§4.H).
func (s *Server) handleEventListener(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var event struct {
		QueryID string `json:"queryId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		trinolberr.WriteHTTP(w, trinolberr.Wrap(trinolberr.KindProtocol, "decode event", err))
		return
	}
	dq, err := s.store.DeliveredGet(r.Context(), event.QueryID)
	if err == persistence.ErrNotFound {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}
	if err := s.admitter.Decrement(r.Context(), dq.TrinoQueryID, dq.Cluster); err != nil {
		trinolberr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

var errRateLimited = errors.New("submission rate limit exceeded")

// clientKey derives the ratelimit.Limiter key for a request: the forwarded
// client address when trino-lb sits behind a proxy, else RemoteAddr.
func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.Index(fwd, ","); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}

func pathSegment(path, prefix string) string {
	rest := strings.TrimPrefix(path, prefix)
	if i := strings.Index(rest, "/"); i >= 0 {
		return rest[:i]
	}
	return rest
}

// parseQueuedPath splits "<id>/<token>/<seq>" from a queued-poll path into
// the virtual query id and its poll sequence number. A missing or
// unparseable <seq> segment is treated as sequence 0, matching a client's
// first poll.
func parseQueuedPath(path, prefix string) (id string, seq uint64) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.Split(rest, "/")
	if len(parts) == 0 {
		return "", 0
	}
	id = parts[0]
	if len(parts) >= 3 {
		if n, err := strconv.ParseUint(parts[2], 10, 64); err == nil {
			seq = n
		}
	}
	return id, seq
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
