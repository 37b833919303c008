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

// Package persistence provides store adapters for the upsert engine: Redis,
// DynamoDB and SQL (Postgres, SQLite) clients implementing core.StoreClient,
// plus decorators for client-side rate limiting and a Kafka write journal.
//
// Every adapter talks to its backend through a minimal client interface so
// that tests can substitute a fake without a network.
package persistence

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// RedisKV abstracts the minimal surface we need from a Redis client.
// GoRedisKV wraps github.com/redis/go-redis/v9; tests use an in-memory fake.
type RedisKV interface {
	// Get returns the value and true, or nil and false when the key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetMany writes all pairs atomically (MULTI/EXEC).
	SetMany(ctx context.Context, pairs []RedisPair, ttl time.Duration) error
}

// RedisPair is one key/value of a SetMany call.
type RedisPair struct {
	Key   string
	Value []byte
}

// DefaultRedisBatchSize is the batch limit used when RedisConfig.MaxBatch is unset.
const DefaultRedisBatchSize = 100

// RedisConfig holds the Redis adapter knobs.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string        // prepended to every record key, e.g. "kv:"
	TTL       time.Duration // 0 keeps records forever
	MaxBatch  int
}

// RedisStore stores each record as a plain string value under
// <prefix><key>. Batches are written in one MULTI/EXEC transaction, so a
// batch is either fully written or not at all.
type RedisStore struct {
	client   RedisKV
	prefix   string
	ttl      time.Duration
	maxBatch int
}

// NewRedisStore returns a store over client.
func NewRedisStore(client RedisKV, cfg RedisConfig) *RedisStore {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultRedisBatchSize
	}
	return &RedisStore{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL, maxBatch: cfg.MaxBatch}
}

// RedisRecordKey is the Redis key holding a record (public for interoperability).
func RedisRecordKey(prefix, key string) string { return prefix + key }

func (r *RedisStore) MaxBatchSize() int { return r.maxBatch }

func (r *RedisStore) Get(ctx context.Context, key string) (*kvupsert.Record, error) {
	raw, ok, err := r.client.Get(ctx, RedisRecordKey(r.prefix, key))
	if err != nil {
		return nil, core.Connectivity("get", errors.Wrapf(err, "redis get key=%s", key))
	}
	if !ok {
		return nil, nil
	}
	return &kvupsert.Record{Key: key, Value: raw}, nil
}

func (r *RedisStore) Put(ctx context.Context, rec kvupsert.Record) error {
	if err := r.client.Set(ctx, RedisRecordKey(r.prefix, rec.Key), rec.Value, r.ttl); err != nil {
		return core.Connectivity("put", errors.Wrapf(err, "redis set key=%s", rec.Key))
	}
	return nil
}

func (r *RedisStore) BatchPut(ctx context.Context, recs []kvupsert.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if len(recs) > r.maxBatch {
		return errors.Errorf("redis batch of %d exceeds limit %d", len(recs), r.maxBatch)
	}
	pairs := make([]RedisPair, len(recs))
	for i, rec := range recs {
		pairs[i] = RedisPair{Key: RedisRecordKey(r.prefix, rec.Key), Value: rec.Value}
	}
	if err := r.client.SetMany(ctx, pairs, r.ttl); err != nil {
		return core.Connectivity("batch_put", errors.Wrapf(err, "redis multi set of %d keys", len(pairs)))
	}
	return nil
}
