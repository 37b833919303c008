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
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// KafkaMessage is one journal entry handed to a producer.
type KafkaMessage struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// KafkaProducer is a minimal interface to publish messages to Kafka.
// SegmentioProducer wraps github.com/segmentio/kafka-go; LoggingKafkaProducer prints.
type KafkaProducer interface {
	Produce(ctx context.Context, topic string, msgs ...KafkaMessage) error
}

// JournalEntry is the JSON value of each journal message.
type JournalEntry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value,omitempty"`
	Op       string          `json:"op"` // "put" or "batch_put"
	TsUnixMs int64           `json:"ts_unix_ms"`
}

// JournaledStore publishes every record its inner store accepted to a
// Kafka topic keyed by record key. Journal failures are logged and counted;
// they never fail the write.
type JournaledStore struct {
	core.StoreClient

	producer KafkaProducer
	topic    string
	logger   *slog.Logger
	failures atomic.Int64
	now      func() time.Time
}

// NewJournaledStore decorates inner.
func NewJournaledStore(inner core.StoreClient, producer KafkaProducer, topic string, logger *slog.Logger) *JournaledStore {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &JournaledStore{StoreClient: inner, producer: producer, topic: topic, logger: logger, now: time.Now}
}

func (j *JournaledStore) Put(ctx context.Context, rec kvupsert.Record) error {
	if err := j.StoreClient.Put(ctx, rec); err != nil {
		return err
	}
	j.publish(ctx, "put", []kvupsert.Record{rec})
	return nil
}

func (j *JournaledStore) BatchPut(ctx context.Context, recs []kvupsert.Record) error {
	err := j.StoreClient.BatchPut(ctx, recs)
	if err == nil {
		j.publish(ctx, "batch_put", recs)
		return nil
	}
	var pbe *core.PartialBatchError
	if errors.As(err, &pbe) {
		failed := make(map[string]struct{}, len(pbe.Keys))
		for _, k := range pbe.Keys {
			failed[k] = struct{}{}
		}
		written := make([]kvupsert.Record, 0, len(recs))
		for _, rec := range recs {
			if _, bad := failed[rec.Key]; !bad {
				written = append(written, rec)
			}
		}
		j.publish(ctx, "batch_put", written)
	}
	return err
}

// JournalFailures reports how many publish calls failed.
func (j *JournaledStore) JournalFailures() int64 { return j.failures.Load() }

func (j *JournaledStore) publish(ctx context.Context, op string, recs []kvupsert.Record) {
	if len(recs) == 0 {
		return
	}
	ts := j.now().UnixMilli()
	msgs := make([]KafkaMessage, 0, len(recs))
	for _, rec := range recs {
		b, err := json.Marshal(JournalEntry{Key: rec.Key, Value: rec.Value, Op: op, TsUnixMs: ts})
		if err != nil {
			j.failures.Add(1)
			j.logger.Warn("Journal entry not encodable", "key", rec.Key, "error", err)
			continue
		}
		msgs = append(msgs, KafkaMessage{
			Key:     []byte(rec.Key),
			Value:   b,
			Headers: map[string]string{"content-type": "application/json", "op": op},
		})
	}
	if len(msgs) == 0 {
		return
	}
	if err := j.producer.Produce(ctx, j.topic, msgs...); err != nil {
		j.failures.Add(1)
		j.logger.Warn("Journal publish failed", "topic", j.topic, "records", len(msgs), "error", err)
	}
}
