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

// Package persistence is the abstract K/V-like store every trino-lb replica
// shares: CAS counters, queued-query records, delivered-query records, and
// cluster-state records. It is the only safe admission primitive (CAS on the
// counter) and the only shared mutable resource across replicas.
package persistence

import (
	"context"
	"errors"
	"time"

	"trino-lb/internal/trinolb/trinolbcore"
)

// ErrMismatch is returned by CounterCAS when the observed value did not
// match the caller's expectation. The actual value is attached so callers
// can retry from a fresh read without an extra round-trip.
type ErrMismatch struct {
	Actual int64
}

func (e *ErrMismatch) Error() string { return "counter CAS mismatch" }

// ErrNotFound is returned by Get-style calls when the key does not exist.
var ErrNotFound = errors.New("persistence: not found")

// Store is the capability set every backend (in-memory, Redis, relational)
// implements. CounterCAS is the only safe admission primitive; everything
// else may be eventually consistent.
type Store interface {
	LoadClusterState(ctx context.Context, cluster string) (trinolbcore.ClusterState, error)
	StoreClusterState(ctx context.Context, cluster string, state trinolbcore.ClusterState) error

	// CounterCAS atomically sets the counter for cluster to new iff its
	// current value equals expected. On mismatch it returns *ErrMismatch
	// with the actual observed value.
	CounterCAS(ctx context.Context, cluster string, expected, new int64) error
	// CounterSet is used by reconciliation only — it overwrites the
	// counter unconditionally with the value observed from Trino.
	CounterSet(ctx context.Context, cluster string, value int64) error
	CounterGet(ctx context.Context, cluster string) (int64, error)

	QueuedPut(ctx context.Context, qq trinolbcore.QueuedQuery) error
	QueuedGet(ctx context.Context, id string) (trinolbcore.QueuedQuery, error)
	QueuedTouch(ctx context.Context, id string, now time.Time) error
	QueuedRemove(ctx context.Context, id string) error
	QueuedListStale(ctx context.Context, cutoff time.Time) ([]trinolbcore.QueuedQuery, error)
	// QueuedCountByGroup reports how many queries are currently queued for
	// group, the demand-pressure signal the autoscaler's upscale decision
	// reads (§4.I).
	QueuedCountByGroup(ctx context.Context, group string) (int, error)

	DeliveredPut(ctx context.Context, dq trinolbcore.DeliveredQuery) error
	DeliveredGet(ctx context.Context, trinoQueryID string) (trinolbcore.DeliveredQuery, error)
	DeliveredRemove(ctx context.Context, trinoQueryID string) error
	DeliveredListByCluster(ctx context.Context, cluster string) ([]trinolbcore.DeliveredQuery, error)

	// MarkTerminated flips DeliveredQuery.Terminated atomically and reports
	// whether the flag was already set before this call (false means this
	// call is the one that flipped it), so the decrement
	// protocol (§4.D) stays idempotent under both the proxy stream and the
	// event-listener observing completion.
	MarkTerminated(ctx context.Context, trinoQueryID string) (alreadyTerminated bool, err error)
}
