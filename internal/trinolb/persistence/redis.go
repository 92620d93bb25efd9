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
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"trino-lb/internal/trinolb/trinolbcore"
)

// redisStore is the multi-replica-safe backend. Counter CAS is implemented
// as a Lua script (atomic GET+compare+SET in one round trip), the same
// EVAL-based idempotency pattern etalazz-vsa's RedisPersister uses for its
// commit marker. Queued/delivered records are stored as JSON string values
// under "trino-lb:queued:<id>" and "trino-lb:delivered:<id>" keys, with SADD
// index sets (one for queued ids, one per cluster for delivered ids) for
// listing; counters and cluster states are plain strings keyed by cluster.
type redisStore struct {
	client *redis.Client
}

// NewRedis returns a Store backed by a single (non-cluster) Redis instance
// reachable at addr.
func NewRedis(addr string) Store {
	return &redisStore{client: redis.NewClient(&redis.Options{Addr: addr})}
}

const casScript = `
local cur = redis.call('GET', KEYS[1])
if cur == false then
  cur = 0
else
  cur = tonumber(cur)
end
if cur ~= tonumber(ARGV[1]) then
  return {err = 'mismatch:' .. tostring(cur)}
end
redis.call('SET', KEYS[1], ARGV[2])
return 1
`

func counterKey(cluster string) string       { return "trino-lb:counter:" + cluster }
func clusterStateKey(cluster string) string   { return "trino-lb:clusterstate:" + cluster }
func queuedKey(id string) string              { return "trino-lb:queued:" + id }
func queuedIndexKey() string                  { return "trino-lb:queued:index" }
func deliveredKey(trinoQueryID string) string { return "trino-lb:delivered:" + trinoQueryID }
func deliveredIndexKey(cluster string) string { return "trino-lb:delivered:index:" + cluster }

func (r *redisStore) LoadClusterState(ctx context.Context, cluster string) (trinolbcore.ClusterState, error) {
	v, err := r.client.Get(ctx, clusterStateKey(cluster)).Result()
	if err == redis.Nil {
		return trinolbcore.ClusterStopped, nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get cluster state: %w", err)
	}
	return trinolbcore.ClusterState(v), nil
}

func (r *redisStore) StoreClusterState(ctx context.Context, cluster string, state trinolbcore.ClusterState) error {
	return r.client.Set(ctx, clusterStateKey(cluster), string(state), 0).Err()
}

func (r *redisStore) CounterCAS(ctx context.Context, cluster string, expected, new int64) error {
	_, err := r.client.Eval(ctx, casScript, []string{counterKey(cluster)}, expected, new).Result()
	if err == nil {
		return nil
	}
	var actual int64
	if n, scanErr := fmt.Sscanf(err.Error(), "mismatch:%d", &actual); scanErr == nil && n == 1 {
		return &ErrMismatch{Actual: actual}
	}
	return fmt.Errorf("redis counter cas: %w", err)
}

func (r *redisStore) CounterSet(ctx context.Context, cluster string, value int64) error {
	return r.client.Set(ctx, counterKey(cluster), value, 0).Err()
}

func (r *redisStore) CounterGet(ctx context.Context, cluster string) (int64, error) {
	v, err := r.client.Get(ctx, counterKey(cluster)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis counter get: %w", err)
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *redisStore) QueuedPut(ctx context.Context, qq trinolbcore.QueuedQuery) error {
	b, err := json.Marshal(qq)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, queuedKey(qq.VirtualID), b, 0)
	pipe.SAdd(ctx, queuedIndexKey(), qq.VirtualID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisStore) QueuedGet(ctx context.Context, id string) (trinolbcore.QueuedQuery, error) {
	v, err := r.client.Get(ctx, queuedKey(id)).Result()
	if err == redis.Nil {
		return trinolbcore.QueuedQuery{}, ErrNotFound
	}
	if err != nil {
		return trinolbcore.QueuedQuery{}, err
	}
	var qq trinolbcore.QueuedQuery
	if err := json.Unmarshal([]byte(v), &qq); err != nil {
		return trinolbcore.QueuedQuery{}, err
	}
	return qq, nil
}

func (r *redisStore) QueuedTouch(ctx context.Context, id string, now time.Time) error {
	qq, err := r.QueuedGet(ctx, id)
	if err != nil {
		return err
	}
	qq.LastAccessed = now
	return r.QueuedPut(ctx, qq)
}

func (r *redisStore) QueuedRemove(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, queuedKey(id))
	pipe.SRem(ctx, queuedIndexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisStore) QueuedListStale(ctx context.Context, cutoff time.Time) ([]trinolbcore.QueuedQuery, error) {
	ids, err := r.client.SMembers(ctx, queuedIndexKey()).Result()
	if err != nil {
		return nil, err
	}
	var out []trinolbcore.QueuedQuery
	for _, id := range ids {
		qq, err := r.QueuedGet(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if qq.LastAccessed.Before(cutoff) {
			out = append(out, qq)
		}
	}
	return out, nil
}

func (r *redisStore) QueuedCountByGroup(ctx context.Context, group string) (int, error) {
	ids, err := r.client.SMembers(ctx, queuedIndexKey()).Result()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		qq, err := r.QueuedGet(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return 0, err
		}
		if qq.ClusterGroup == group {
			n++
		}
	}
	return n, nil
}

func (r *redisStore) DeliveredPut(ctx context.Context, dq trinolbcore.DeliveredQuery) error {
	b, err := json.Marshal(dq)
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, deliveredKey(dq.TrinoQueryID), b, 0)
	pipe.SAdd(ctx, deliveredIndexKey(dq.Cluster), dq.TrinoQueryID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisStore) DeliveredGet(ctx context.Context, trinoQueryID string) (trinolbcore.DeliveredQuery, error) {
	v, err := r.client.Get(ctx, deliveredKey(trinoQueryID)).Result()
	if err == redis.Nil {
		return trinolbcore.DeliveredQuery{}, ErrNotFound
	}
	if err != nil {
		return trinolbcore.DeliveredQuery{}, err
	}
	var dq trinolbcore.DeliveredQuery
	if err := json.Unmarshal([]byte(v), &dq); err != nil {
		return trinolbcore.DeliveredQuery{}, err
	}
	return dq, nil
}

func (r *redisStore) DeliveredRemove(ctx context.Context, trinoQueryID string) error {
	dq, err := r.DeliveredGet(ctx, trinoQueryID)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, deliveredKey(trinoQueryID))
	pipe.SRem(ctx, deliveredIndexKey(dq.Cluster), trinoQueryID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisStore) DeliveredListByCluster(ctx context.Context, cluster string) ([]trinolbcore.DeliveredQuery, error) {
	ids, err := r.client.SMembers(ctx, deliveredIndexKey(cluster)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]trinolbcore.DeliveredQuery, 0, len(ids))
	for _, id := range ids {
		dq, err := r.DeliveredGet(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, dq)
	}
	return out, nil
}

// MarkTerminated uses SETNX on a side marker key so the flip is atomic and
// visible to every replica, mirroring etalazz-vsa's SETNX idempotency
// marker in RedisPersister.CommitBatch.
func (r *redisStore) MarkTerminated(ctx context.Context, trinoQueryID string) (bool, error) {
	marker := "trino-lb:terminated:" + trinoQueryID
	ok, err := r.client.SetNX(ctx, marker, 1, 24*time.Hour).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}
