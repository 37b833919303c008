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

type fakeProducer struct {
	mu     sync.Mutex
	topics []string
	msgs   []KafkaMessage
	err    error
}

func (f *fakeProducer) Produce(ctx context.Context, topic string, msgs ...KafkaMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeProducer) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.msgs))
	for i, m := range f.msgs {
		out[i] = string(m.Key)
	}
	return out
}

// partialStore fails the listed keys of every batch.
type partialStore struct {
	*core.MemoryStore
	failKeys []string
}

func (p *partialStore) BatchPut(ctx context.Context, recs []kvupsert.Record) error {
	return &core.PartialBatchError{Keys: p.failKeys, Err: core.Throttled("batch_put", errors.New("unprocessed"))}
}

func TestJournaledStore_PublishesWrites(t *testing.T) {
	prod := &fakeProducer{}
	j := NewJournaledStore(core.NewMemoryStore(10), prod, "kv-writes", nil)
	j.now = func() time.Time { return time.UnixMilli(1700000000000) }
	ctx := context.Background()

	require.NoError(t, j.Put(ctx, kvupsert.Record{Key: "a", Value: json.RawMessage(`{"n":1}`)}))
	require.NoError(t, j.BatchPut(ctx, []kvupsert.Record{{Key: "b"}, {Key: "c"}}))

	assert.Equal(t, []string{"a", "b", "c"}, prod.keys())
	assert.Equal(t, []string{"kv-writes", "kv-writes"}, prod.topics)

	var entry JournalEntry
	require.NoError(t, json.Unmarshal(prod.msgs[0].Value, &entry))
	assert.Equal(t, JournalEntry{Key: "a", Value: json.RawMessage(`{"n":1}`), Op: "put", TsUnixMs: 1700000000000}, entry)
	assert.Equal(t, "application/json", prod.msgs[0].Headers["content-type"])

	// Reads pass through to the inner store.
	got, err := j.Get(ctx, "a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 10, j.MaxBatchSize())
}

func TestJournaledStore_FailedWritesAreNotPublished(t *testing.T) {
	prod := &fakeProducer{}
	inner := &fakeRedisKV{data: map[string][]byte{}, ttls: map[string]time.Duration{}, err: errors.New("down")}
	j := NewJournaledStore(NewRedisStore(inner, RedisConfig{}), prod, "t", nil)

	assert.Error(t, j.Put(context.Background(), kvupsert.Record{Key: "a"}))
	assert.Error(t, j.BatchPut(context.Background(), []kvupsert.Record{{Key: "a"}}))
	assert.Empty(t, prod.keys())
}

func TestJournaledStore_PartialBatch(t *testing.T) {
	prod := &fakeProducer{}
	j := NewJournaledStore(&partialStore{MemoryStore: core.NewMemoryStore(10), failKeys: []string{"b"}}, prod, "t", nil)

	err := j.BatchPut(context.Background(), []kvupsert.Record{{Key: "a"}, {Key: "b"}, {Key: "c"}})
	var pbe *core.PartialBatchError
	require.True(t, errors.As(err, &pbe))
	assert.Equal(t, []string{"a", "c"}, prod.keys())
}

func TestJournaledStore_ProducerFailureDoesNotFailWrite(t *testing.T) {
	prod := &fakeProducer{err: errors.New("broker unavailable")}
	inner := core.NewMemoryStore(10)
	j := NewJournaledStore(inner, prod, "t", nil)

	require.NoError(t, j.Put(context.Background(), kvupsert.Record{Key: "a"}))
	assert.Equal(t, int64(1), j.JournalFailures())
	assert.Equal(t, 1, inner.Len())
}
