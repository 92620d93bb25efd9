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

package persistence

import (
	"context"
	"sync"
	"time"

	"trino-lb/internal/trinolb/trinolbcore"
)

// memoryStore is the single-replica backend. Grounded on etalazz-vsa's
// core.Store, but simpler: plain maps guarded by one mutex for the whole
// store (the VSA teacher uses striped atomics for its hot path; one lock is
// sufficient here since CAS already serializes admission).
type memoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
	states   map[string]trinolbcore.ClusterState
	queued   map[string]trinolbcore.QueuedQuery
	delivered map[string]trinolbcore.DeliveredQuery
}

// NewMemory returns a Store backed by process memory. Only safe for a
// single trino-lb replica — multiple replicas sharing one memoryStore would
// need to share the process, which defeats horizontal scaling.
func NewMemory() Store {
	return &memoryStore{
		counters:  make(map[string]int64),
		states:    make(map[string]trinolbcore.ClusterState),
		queued:    make(map[string]trinolbcore.QueuedQuery),
		delivered: make(map[string]trinolbcore.DeliveredQuery),
	}
}

func (m *memoryStore) LoadClusterState(_ context.Context, cluster string) (trinolbcore.ClusterState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[cluster]
	if !ok {
		return trinolbcore.ClusterStopped, nil
	}
	return s, nil
}

func (m *memoryStore) StoreClusterState(_ context.Context, cluster string, state trinolbcore.ClusterState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[cluster] = state
	return nil
}

func (m *memoryStore) CounterCAS(_ context.Context, cluster string, expected, new int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.counters[cluster]
	if cur != expected {
		return &ErrMismatch{Actual: cur}
	}
	m.counters[cluster] = new
	return nil
}

func (m *memoryStore) CounterSet(_ context.Context, cluster string, value int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[cluster] = value
	return nil
}

func (m *memoryStore) CounterGet(_ context.Context, cluster string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[cluster], nil
}

func (m *memoryStore) QueuedPut(_ context.Context, qq trinolbcore.QueuedQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[qq.VirtualID] = qq
	return nil
}

func (m *memoryStore) QueuedGet(_ context.Context, id string) (trinolbcore.QueuedQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qq, ok := m.queued[id]
	if !ok {
		return trinolbcore.QueuedQuery{}, ErrNotFound
	}
	return qq, nil
}

func (m *memoryStore) QueuedTouch(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	qq, ok := m.queued[id]
	if !ok {
		return ErrNotFound
	}
	qq.LastAccessed = now
	m.queued[id] = qq
	return nil
}

func (m *memoryStore) QueuedRemove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queued, id)
	return nil
}

func (m *memoryStore) QueuedListStale(_ context.Context, cutoff time.Time) ([]trinolbcore.QueuedQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []trinolbcore.QueuedQuery
	for _, qq := range m.queued {
		if qq.LastAccessed.Before(cutoff) {
			out = append(out, qq)
		}
	}
	return out, nil
}

func (m *memoryStore) QueuedCountByGroup(_ context.Context, group string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, qq := range m.queued {
		if qq.ClusterGroup == group {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) DeliveredPut(_ context.Context, dq trinolbcore.DeliveredQuery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered[dq.TrinoQueryID] = dq
	return nil
}

func (m *memoryStore) DeliveredGet(_ context.Context, trinoQueryID string) (trinolbcore.DeliveredQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dq, ok := m.delivered[trinoQueryID]
	if !ok {
		return trinolbcore.DeliveredQuery{}, ErrNotFound
	}
	return dq, nil
}

func (m *memoryStore) DeliveredRemove(_ context.Context, trinoQueryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.delivered, trinoQueryID)
	return nil
}

func (m *memoryStore) DeliveredListByCluster(_ context.Context, cluster string) ([]trinolbcore.DeliveredQuery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []trinolbcore.DeliveredQuery
	for _, dq := range m.delivered {
		if dq.Cluster == cluster {
			out = append(out, dq)
		}
	}
	return out, nil
}

func (m *memoryStore) MarkTerminated(_ context.Context, trinoQueryID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dq, ok := m.delivered[trinoQueryID]
	if !ok {
		return false, ErrNotFound
	}
	already := dq.Terminated
	dq.Terminated = true
	m.delivered[trinoQueryID] = dq
	return already, nil
}
