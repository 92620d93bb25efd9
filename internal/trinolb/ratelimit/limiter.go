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

// Package ratelimit guards statement submission against a single client
// hammering trino-lb: a fixed-window, per-key limiter that spreads each
// key's budget across striped atomic counters, so consuming from a key's
// budget is lock-free on the common path; looking the key's budget up takes
// one limiter-wide mutex on every call. This is independent of the
// admission counter manager, which limits per-cluster concurrency; this
// limiter limits per-client submission rate, before a statement is even
// routed.
package ratelimit

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// cache line size varies; we over-pad to 128 bytes to avoid false sharing
// between adjacent stripes.
const padSize = 128 - 8

type stripe struct {
	remaining atomic.Int64
	_         [padSize]byte
}

// budget is one key's per-window submission allowance, spread across
// stripes so concurrent callers under the same key rarely contend on the
// same cache line. Consuming a unit is a lock-free atomic decrement on the
// common path; only a stripe running dry falls back to scanning the others
// under a lock, which is rare once the window's total budget is above the
// stripe count.
type budget struct {
	stripes []stripe
	mask    int
	chooser atomic.Uint64

	mu sync.Mutex // guards the cross-stripe scan on a local miss
}

func newBudget(limit int64) *budget {
	p := runtime.GOMAXPROCS(0)
	n := nextPow2(clampInt(2*p, 8, 128))
	b := &budget{stripes: make([]stripe, n), mask: n - 1}
	base := limit / int64(n)
	rem := limit % int64(n)
	for i := range b.stripes {
		v := base
		if int64(i) < rem {
			v++
		}
		b.stripes[i].remaining.Store(v)
	}
	return b
}

// tryConsume reserves one unit of budget, returning false once every
// stripe is exhausted.
func (b *budget) tryConsume() bool {
	idx := int(b.chooser.Add(1)) & b.mask
	if b.stripes[idx].remaining.Add(-1) >= 0 {
		return true
	}
	b.stripes[idx].remaining.Add(1) // this stripe was already dry, put it back

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.stripes {
		if b.stripes[i].remaining.Add(-1) >= 0 {
			return true
		}
		b.stripes[i].remaining.Add(1)
	}
	return false
}

// Limiter tracks one budget per key, reset to a fresh allowance every
// window.
type Limiter struct {
	limit  int64
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*budget
}

// New returns a Limiter allowing limit submissions per key per window. A
// non-positive limit disables the limiter entirely (Allow always true).
func New(limit int64, window time.Duration) *Limiter {
	return &Limiter{limit: limit, window: window, buckets: map[string]*budget{}}
}

// Allow reports whether key may submit one more statement this window,
// reserving the slot atomically if so.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = newBudget(l.limit)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.tryConsume()
}

// Run resets every bucket to a fresh window on each tick until ctx is done.
func (l *Limiter) Run(ctx context.Context) error {
	if l == nil || l.window <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.reset()
		}
	}
}

func (l *Limiter) reset() {
	l.mu.Lock()
	n := len(l.buckets)
	l.buckets = map[string]*budget{}
	l.mu.Unlock()
	log.WithField("keys", n).Debug("ratelimit: window reset")
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return x + 1
}

func clampInt(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
