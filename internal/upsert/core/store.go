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

// Package core implements the deduplicated concurrent upsert engine: existence
// checking, filtering, batching, bounded-concurrency dispatch and result
// aggregation against a remote key/value store.
package core

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"kvupsert"
)

// StoreClient is the capability the engine needs from a key/value store.
// Implementations must be safe for concurrent use; one client is shared by
// every check and write of a call.
type StoreClient interface {
	// Get returns the stored record for key, or nil, nil when absent.
	Get(ctx context.Context, key string) (*kvupsert.Record, error)
	// Put stores a single record, overwriting any previous value.
	Put(ctx context.Context, rec kvupsert.Record) error
	// BatchPut stores up to MaxBatchSize records in one request. A
	// *PartialBatchError names the records that were not written; any other
	// error means none of them should be assumed written.
	BatchPut(ctx context.Context, recs []kvupsert.Record) error
	// MaxBatchSize is the store's per-request batch limit.
	MaxBatchSize() int
}

// DefaultMemoryBatchSize is the batch limit of a MemoryStore built with a
// non-positive size. It mirrors the DynamoDB BatchWriteItem limit.
const DefaultMemoryBatchSize = 25

// StoreStats counts calls received by a MemoryStore.
type StoreStats struct {
	Gets      int64
	Puts      int64
	BatchPuts int64
	Records   int64 // records written through Put and BatchPut
}

// MemoryStore is an in-process StoreClient used by the demo adapter and by
// tests. It honors context cancellation and enforces its batch limit.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]kvupsert.Record
	maxBatch int
	stats    StoreStats
}

// NewMemoryStore creates an empty store with the given batch limit.
func NewMemoryStore(maxBatch int) *MemoryStore {
	if maxBatch <= 0 {
		maxBatch = DefaultMemoryBatchSize
	}
	return &MemoryStore{data: make(map[string]kvupsert.Record), maxBatch: maxBatch}
}

// Seed stores records directly, bypassing call accounting.
func (m *MemoryStore) Seed(recs ...kvupsert.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		m.data[r.Key] = r
	}
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Stats returns a snapshot of the call counters.
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

func (m *MemoryStore) MaxBatchSize() int { return m.maxBatch }

func (m *MemoryStore) Get(ctx context.Context, key string) (*kvupsert.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, Connectivity("get", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Gets++
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Put(ctx context.Context, rec kvupsert.Record) error {
	if err := ctx.Err(); err != nil {
		return Connectivity("put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Puts++
	m.stats.Records++
	m.data[rec.Key] = rec
	return nil
}

func (m *MemoryStore) BatchPut(ctx context.Context, recs []kvupsert.Record) error {
	if err := ctx.Err(); err != nil {
		return Connectivity("batch_put", err)
	}
	if len(recs) > m.maxBatch {
		return errors.Errorf("batch of %d exceeds limit %d", len(recs), m.maxBatch)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.BatchPuts++
	m.stats.Records += int64(len(recs))
	for _, r := range recs {
		m.data[r.Key] = r
	}
	return nil
}
