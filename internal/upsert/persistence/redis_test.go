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
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// fakeRedisKV is an in-memory RedisKV.
type fakeRedisKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	ttls     map[string]time.Duration
	err      error
	setMany  int
	lastTTL  time.Duration
	getCalls int
}

func newFakeRedisKV() *fakeRedisKV {
	return &fakeRedisKV{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	if f.err != nil {
		return nil, false, f.err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *fakeRedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.data[key] = value
	f.ttls[key] = ttl
	f.lastTTL = ttl
	return nil
}

func (f *fakeRedisKV) SetMany(ctx context.Context, pairs []RedisPair, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.setMany++
	for _, p := range pairs {
		f.data[p.Key] = p.Value
		f.ttls[p.Key] = ttl
	}
	f.lastTTL = ttl
	return nil
}

func TestRedisStore_Defaults(t *testing.T) {
	r := NewRedisStore(newFakeRedisKV(), RedisConfig{})
	assert.Equal(t, DefaultRedisBatchSize, r.MaxBatchSize())
	assert.Equal(t, "kv:a", RedisRecordKey("kv:", "a"))
}

func TestRedisStore_GetPut(t *testing.T) {
	fake := newFakeRedisKV()
	r := NewRedisStore(fake, RedisConfig{KeyPrefix: "kv:", TTL: time.Minute})
	ctx := context.Background()

	got, err := r.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, r.Put(ctx, kvupsert.Record{Key: "a", Value: json.RawMessage(`{"n":1}`)}))
	assert.Equal(t, []byte(`{"n":1}`), fake.data["kv:a"])
	assert.Equal(t, time.Minute, fake.ttls["kv:a"])

	got, err = r.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Key)
	assert.JSONEq(t, `{"n":1}`, string(got.Value))
}

func TestRedisStore_BatchPut(t *testing.T) {
	fake := newFakeRedisKV()
	r := NewRedisStore(fake, RedisConfig{MaxBatch: 2})
	ctx := context.Background()

	require.NoError(t, r.BatchPut(ctx, nil))
	assert.Equal(t, 0, fake.setMany)

	recs := []kvupsert.Record{{Key: "a", Value: json.RawMessage(`1`)}, {Key: "b", Value: json.RawMessage(`2`)}}
	require.NoError(t, r.BatchPut(ctx, recs))
	assert.Equal(t, 1, fake.setMany)
	assert.Len(t, fake.data, 2)

	err := r.BatchPut(ctx, append(recs, kvupsert.Record{Key: "c"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestRedisStore_ErrorsAreConnectivity(t *testing.T) {
	fake := newFakeRedisKV()
	fake.err = errors.New("dial tcp: connection refused")
	r := NewRedisStore(fake, RedisConfig{})
	ctx := context.Background()

	_, err := r.Get(ctx, "a")
	assert.True(t, errors.Is(err, core.ErrConnectivity), "get: %v", err)
	err = r.Put(ctx, kvupsert.Record{Key: "a"})
	assert.True(t, errors.Is(err, core.ErrConnectivity), "put: %v", err)
	err = r.BatchPut(ctx, []kvupsert.Record{{Key: "a"}})
	assert.True(t, errors.Is(err, core.ErrConnectivity), "batch: %v", err)
	assert.True(t, core.Retryable(err))
}

// The store satisfies the engine end to end.
func TestRedisStore_WithService(t *testing.T) {
	fake := newFakeRedisKV()
	fake.data["kv:exists"] = []byte(`"old"`)
	r := NewRedisStore(fake, RedisConfig{KeyPrefix: "kv:"})
	svc, err := core.NewService(r, core.Options{BatchSize: 10})
	require.NoError(t, err)

	res, err := svc.Upsert(context.Background(), []kvupsert.Record{
		{Key: "exists", Value: json.RawMessage(`"new"`)},
		{Key: "fresh", Value: json.RawMessage(`"v"`)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []byte(`"old"`), fake.data["kv:exists"])
	assert.Equal(t, []byte(`"v"`), fake.data["kv:fresh"])
}
