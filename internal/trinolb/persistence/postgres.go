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
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"trino-lb/internal/trinolb/trinolbcore"
)

// Schema (spec §6), plus key/value tables for counters and cluster states:
//
//	CREATE TABLE IF NOT EXISTS queued_queries(
//	  id TEXT PRIMARY KEY, query TEXT, headers JSONB,
//	  creation_time TIMESTAMPTZ, last_accessed TIMESTAMPTZ, cluster_group TEXT);
//	CREATE TABLE IF NOT EXISTS queries(
//	  id TEXT PRIMARY KEY, trino_cluster TEXT, trino_endpoint TEXT,
//	  creation_time TIMESTAMPTZ, delivered_time TIMESTAMPTZ, terminated BOOLEAN DEFAULT false);
//	CREATE TABLE IF NOT EXISTS counters(cluster TEXT PRIMARY KEY, value BIGINT NOT NULL DEFAULT 0);
//	CREATE TABLE IF NOT EXISTS cluster_states(cluster TEXT PRIMARY KEY, state TEXT NOT NULL);

// postgresStore implements the persistence port with row-level locking for
// CAS, grounded on etalazz-vsa's PostgresPersister transaction shape
// (BeginTx, defer Rollback, idempotent upserts, Commit).
type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgres returns a Store backed by a PostgreSQL database reachable via
// dsn. Callers are responsible for having applied the schema above.
func NewPostgres(ctx context.Context, dsn string) (Store, error) {
	pool, err := pgxpool.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (p *postgresStore) LoadClusterState(ctx context.Context, cluster string) (trinolbcore.ClusterState, error) {
	var state string
	err := p.pool.QueryRow(ctx, `SELECT state FROM cluster_states WHERE cluster = $1`, cluster).Scan(&state)
	if err == pgx.ErrNoRows {
		return trinolbcore.ClusterStopped, nil
	}
	if err != nil {
		return "", err
	}
	return trinolbcore.ClusterState(state), nil
}

func (p *postgresStore) StoreClusterState(ctx context.Context, cluster string, state trinolbcore.ClusterState) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO cluster_states(cluster, state) VALUES ($1, $2)
		ON CONFLICT (cluster) DO UPDATE SET state = EXCLUDED.state`, cluster, string(state))
	return err
}

// CounterCAS locks the counter row with SELECT ... FOR UPDATE inside a
// transaction, the row-level-locking primitive spec §4.A requires of the
// relational backend, then compares and updates within the same lock.
func (p *postgresStore) CounterCAS(ctx context.Context, cluster string, expected, new int64) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cur int64
	err = tx.QueryRow(ctx, `SELECT value FROM counters WHERE cluster = $1 FOR UPDATE`, cluster).Scan(&cur)
	if err == pgx.ErrNoRows {
		cur = 0
		if _, err := tx.Exec(ctx, `INSERT INTO counters(cluster, value) VALUES ($1, 0)`, cluster); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cur != expected {
		return &ErrMismatch{Actual: cur}
	}

	if _, err := tx.Exec(ctx, `UPDATE counters SET value = $2 WHERE cluster = $1`, cluster, new); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *postgresStore) CounterSet(ctx context.Context, cluster string, value int64) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO counters(cluster, value) VALUES ($1, $2)
		ON CONFLICT (cluster) DO UPDATE SET value = EXCLUDED.value`, cluster, value)
	return err
}

func (p *postgresStore) CounterGet(ctx context.Context, cluster string) (int64, error) {
	var v int64
	err := p.pool.QueryRow(ctx, `SELECT value FROM counters WHERE cluster = $1`, cluster).Scan(&v)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func (p *postgresStore) QueuedPut(ctx context.Context, qq trinolbcore.QueuedQuery) error {
	headers, err := json.Marshal(qq.Headers)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO queued_queries(id, query, headers, creation_time, last_accessed, cluster_group)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET last_accessed = EXCLUDED.last_accessed`,
		qq.VirtualID, qq.Statement, headers, qq.CreationTime, qq.LastAccessed, qq.ClusterGroup)
	return err
}

func (p *postgresStore) QueuedGet(ctx context.Context, id string) (trinolbcore.QueuedQuery, error) {
	var qq trinolbcore.QueuedQuery
	var headers []byte
	err := p.pool.QueryRow(ctx, `
		SELECT id, query, headers, creation_time, last_accessed, cluster_group
		FROM queued_queries WHERE id = $1`, id).
		Scan(&qq.VirtualID, &qq.Statement, &headers, &qq.CreationTime, &qq.LastAccessed, &qq.ClusterGroup)
	if err == pgx.ErrNoRows {
		return trinolbcore.QueuedQuery{}, ErrNotFound
	}
	if err != nil {
		return trinolbcore.QueuedQuery{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &qq.Headers); err != nil {
			return trinolbcore.QueuedQuery{}, err
		}
	}
	return qq, nil
}

func (p *postgresStore) QueuedTouch(ctx context.Context, id string, now time.Time) error {
	tag, err := p.pool.Exec(ctx, `UPDATE queued_queries SET last_accessed = $2 WHERE id = $1`, id, now)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *postgresStore) QueuedRemove(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM queued_queries WHERE id = $1`, id)
	return err
}

func (p *postgresStore) QueuedListStale(ctx context.Context, cutoff time.Time) ([]trinolbcore.QueuedQuery, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, query, headers, creation_time, last_accessed, cluster_group
		FROM queued_queries WHERE last_accessed < $1`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trinolbcore.QueuedQuery
	for rows.Next() {
		var qq trinolbcore.QueuedQuery
		var headers []byte
		if err := rows.Scan(&qq.VirtualID, &qq.Statement, &headers, &qq.CreationTime, &qq.LastAccessed, &qq.ClusterGroup); err != nil {
			return nil, err
		}
		if len(headers) > 0 {
			_ = json.Unmarshal(headers, &qq.Headers)
		}
		out = append(out, qq)
	}
	return out, rows.Err()
}

func (p *postgresStore) QueuedCountByGroup(ctx context.Context, group string) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT count(*) FROM queued_queries WHERE cluster_group = $1`, group).Scan(&n)
	return n, err
}

func (p *postgresStore) DeliveredPut(ctx context.Context, dq trinolbcore.DeliveredQuery) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO queries(id, trino_cluster, trino_endpoint, creation_time, delivered_time, terminated)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET terminated = EXCLUDED.terminated`,
		dq.TrinoQueryID, dq.Cluster, dq.Endpoint, dq.CreationTime, dq.DeliveredTime, dq.Terminated)
	return err
}

func (p *postgresStore) DeliveredGet(ctx context.Context, trinoQueryID string) (trinolbcore.DeliveredQuery, error) {
	var dq trinolbcore.DeliveredQuery
	err := p.pool.QueryRow(ctx, `
		SELECT id, trino_cluster, trino_endpoint, creation_time, delivered_time, terminated
		FROM queries WHERE id = $1`, trinoQueryID).
		Scan(&dq.TrinoQueryID, &dq.Cluster, &dq.Endpoint, &dq.CreationTime, &dq.DeliveredTime, &dq.Terminated)
	if err == pgx.ErrNoRows {
		return trinolbcore.DeliveredQuery{}, ErrNotFound
	}
	return dq, err
}

func (p *postgresStore) DeliveredRemove(ctx context.Context, trinoQueryID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM queries WHERE id = $1`, trinoQueryID)
	return err
}

func (p *postgresStore) DeliveredListByCluster(ctx context.Context, cluster string) ([]trinolbcore.DeliveredQuery, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, trino_cluster, trino_endpoint, creation_time, delivered_time, terminated
		FROM queries WHERE trino_cluster = $1`, cluster)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trinolbcore.DeliveredQuery
	for rows.Next() {
		var dq trinolbcore.DeliveredQuery
		if err := rows.Scan(&dq.TrinoQueryID, &dq.Cluster, &dq.Endpoint, &dq.CreationTime, &dq.DeliveredTime, &dq.Terminated); err != nil {
			return nil, err
		}
		out = append(out, dq)
	}
	return out, rows.Err()
}

// MarkTerminated uses the same row lock as CounterCAS so the flip is
// linearizable with respect to concurrent readers, implementing the
// decrement protocol's "already decremented" flag (§4.D) for this backend.
func (p *postgresStore) MarkTerminated(ctx context.Context, trinoQueryID string) (bool, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var terminated bool
	err = tx.QueryRow(ctx, `SELECT terminated FROM queries WHERE id = $1 FOR UPDATE`, trinoQueryID).Scan(&terminated)
	if err != nil {
		return false, err
	}
	if terminated {
		return true, nil
	}
	if _, err := tx.Exec(ctx, `UPDATE queries SET terminated = true WHERE id = $1`, trinoQueryID); err != nil {
		return false, err
	}
	return false, tx.Commit(ctx)
}
