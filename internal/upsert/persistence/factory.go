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
	"log/slog"
	"strings"

	"github.com/pkg/errors"

	"kvupsert/internal/upsert/core"
)

// Supported adapter names.
const (
	AdapterMemory   = "memory"
	AdapterRedis    = "redis"
	AdapterDynamoDB = "dynamodb"
	AdapterPostgres = "postgres"
	AdapterSQLite   = "sqlite"
)

// Adapters lists the names BuildStore accepts.
func Adapters() []string {
	return []string{AdapterMemory, AdapterRedis, AdapterDynamoDB, AdapterPostgres, AdapterSQLite}
}

// JournalConfig enables the Kafka write journal when Topic is set.
type JournalConfig struct {
	Brokers []string
	Topic   string
	// Demo prints journal messages instead of producing them; used when no
	// brokers are configured.
	Demo bool
}

// StoreOptions carries the settings of every adapter; only the selected
// adapter's section is read.
type StoreOptions struct {
	MemoryMaxBatch int
	Redis          RedisConfig
	Dynamo         DynamoConfig
	SQL            SQLConfig

	RateLimit float64 // operations per second; 0 disables
	RateBurst int

	Journal JournalConfig
	Logger  *slog.Logger
}

// BuildStore constructs a core.StoreClient for the named adapter and wraps it
// with the rate limit and journal decorators when configured. The returned
// close func releases clients and is never nil.
// Supported adapters:
//   - "memory": in-process map (default)
//   - "redis": go-redis client against Redis.Addr
//   - "dynamodb": AWS SDK client against Dynamo.Table
//   - "postgres", "sqlite": database/sql against SQL.DSN
func BuildStore(ctx context.Context, adapter string, opts StoreOptions) (core.StoreClient, func() error, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	var (
		store   core.StoreClient
		closers []func() error
	)
	switch strings.ToLower(adapter) {
	case "", AdapterMemory:
		store = core.NewMemoryStore(opts.MemoryMaxBatch)
	case AdapterRedis:
		if opts.Redis.Addr == "" {
			return nil, nil, errors.New("redis adapter requires an address")
		}
		client := NewGoRedisKV(opts.Redis)
		closers = append(closers, client.Close)
		store = NewRedisStore(client, opts.Redis)
	case AdapterDynamoDB:
		api, err := NewDynamoDBClient(opts.Dynamo)
		if err != nil {
			return nil, nil, err
		}
		ds, err := NewDynamoStore(api, opts.Dynamo)
		if err != nil {
			return nil, nil, err
		}
		store = ds
	case AdapterPostgres, AdapterSQLite:
		ss, err := OpenSQLStore(ctx, Dialect(strings.ToLower(adapter)), opts.SQL)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, ss.Close)
		store = ss
	default:
		return nil, nil, errors.Errorf("unknown store adapter: %s", adapter)
	}

	if opts.RateLimit > 0 {
		store = NewRateLimitedStore(store, opts.RateLimit, opts.RateBurst)
	}
	if opts.Journal.Topic != "" {
		var producer KafkaProducer
		switch {
		case len(opts.Journal.Brokers) > 0:
			sp := NewSegmentioProducer(opts.Journal.Brokers)
			closers = append(closers, sp.Close)
			producer = sp
		case opts.Journal.Demo:
			producer = LoggingKafkaProducer{}
		default:
			closeAll(closers)
			return nil, nil, errors.New("journal topic set without brokers")
		}
		store = NewJournaledStore(store, producer, opts.Journal.Topic, logger)
	}
	logger.Debug("Store ready", "adapter", adapter, "max_batch", store.MaxBatchSize(), "rate_limit", opts.RateLimit, "journal_topic", opts.Journal.Topic)
	return store, func() error { return closeAll(closers) }, nil
}

// closeAll runs closers in reverse order and returns the first error.
func closeAll(closers []func() error) error {
	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}
