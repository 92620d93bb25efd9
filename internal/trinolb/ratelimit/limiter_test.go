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

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_AllowsUpToLimitThenBlocks(t *testing.T) {
	l := New(3, time.Minute)
	for i := 0; i < 3; i++ {
		if !l.Allow("alice") {
			t.Fatalf("expected request %d to be allowed", i)
		}
	}
	if l.Allow("alice") {
		t.Fatal("expected 4th request to be blocked")
	}
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	l := New(1, time.Minute)
	if !l.Allow("alice") {
		t.Fatal("expected alice's first request to be allowed")
	}
	if !l.Allow("bob") {
		t.Fatal("expected bob's first request to be allowed regardless of alice's usage")
	}
}

func TestLimiter_ZeroLimitDisablesLimiting(t *testing.T) {
	l := New(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.Allow("anyone") {
			t.Fatalf("expected request %d to be allowed with limiting disabled", i)
		}
	}
}

func TestLimiter_RunResetsWindow(t *testing.T) {
	l := New(1, 10*time.Millisecond)
	if !l.Allow("alice") {
		t.Fatal("expected first request to be allowed")
	}
	if l.Allow("alice") {
		t.Fatal("expected second request within the same window to be blocked")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	go l.Run(ctx)

	time.Sleep(30 * time.Millisecond)
	if !l.Allow("alice") {
		t.Fatal("expected request to be allowed again after window reset")
	}
}
