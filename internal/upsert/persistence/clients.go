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
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// GoRedisKV is a production Redis client implementing RedisKV.
// It uses github.com/redis/go-redis/v9 under the hood.
type GoRedisKV struct{ c *redis.Client }

// NewGoRedisKV connects lazily to cfg.Addr, e.g. "127.0.0.1:6379".
func NewGoRedisKV(cfg RedisConfig) *GoRedisKV {
	opt := &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	return &GoRedisKV{c: redis.NewClient(opt)}
}

func (g *GoRedisKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := g.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (g *GoRedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.c.Set(ctx, key, value, ttl).Err()
}

func (g *GoRedisKV) SetMany(ctx context.Context, pairs []RedisPair, ttl time.Duration) error {
	_, err := g.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, kv := range pairs {
			p.Set(ctx, kv.Key, kv.Value, ttl)
		}
		return nil
	})
	return err
}

// Ping checks connectivity.
func (g *GoRedisKV) Ping(ctx context.Context) error { return g.c.Ping(ctx).Err() }

func (g *GoRedisKV) Close() error { return g.c.Close() }

// SegmentioProducer is a production KafkaProducer backed by
// github.com/segmentio/kafka-go. Messages are hashed to partitions by key so
// per-key ordering is preserved; every write waits for all in-sync replicas.
type SegmentioProducer struct{ w *kafka.Writer }

// NewSegmentioProducer builds a writer for the given brokers.
func NewSegmentioProducer(brokers []string) *SegmentioProducer {
	return &SegmentioProducer{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}}
}

func (s *SegmentioProducer) Produce(ctx context.Context, topic string, msgs ...KafkaMessage) error {
	out := make([]kafka.Message, len(msgs))
	for i, m := range msgs {
		out[i] = kafka.Message{Topic: topic, Key: m.Key, Value: m.Value}
		for k, v := range m.Headers {
			out[i].Headers = append(out[i].Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return s.w.WriteMessages(ctx, out...)
}

func (s *SegmentioProducer) Close() error { return s.w.Close() }

// LoggingKafkaProducer is a tiny demo producer that prints the produced
// messages. It enables the journal without a real broker.
// Not for production use.
type LoggingKafkaProducer struct {
	Out io.Writer // os.Stdout when nil
}

func (l LoggingKafkaProducer) Produce(ctx context.Context, topic string, msgs ...KafkaMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	out := l.Out
	if out == nil {
		out = os.Stdout
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "[kafka-demo] TOPIC=%s KEY=%s VALUE=%s HEADERS=%v\n", topic, string(m.Key), truncate(string(m.Value), 256), m.Headers)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
