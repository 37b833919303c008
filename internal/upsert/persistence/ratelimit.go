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

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// RateLimitedStore waits on a token bucket before every store call so a
// large run stays under the backend's provisioned rate. A batch costs one
// token per record. It does not retry.
type RateLimitedStore struct {
	core.StoreClient
	limiter *rate.Limiter
}

// NewRateLimitedStore allows rps operations per second with the given burst.
// Burst is raised to the inner store's batch limit so a full batch can pass.
func NewRateLimitedStore(inner core.StoreClient, rps float64, burst int) *RateLimitedStore {
	if burst < inner.MaxBatchSize() {
		burst = inner.MaxBatchSize()
	}
	return &RateLimitedStore{StoreClient: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimitedStore) Get(ctx context.Context, key string) (*kvupsert.Record, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, core.Throttled("get", errors.Wrap(err, "waiting for rate limiter"))
	}
	return r.StoreClient.Get(ctx, key)
}

func (r *RateLimitedStore) Put(ctx context.Context, rec kvupsert.Record) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return core.Throttled("put", errors.Wrap(err, "waiting for rate limiter"))
	}
	return r.StoreClient.Put(ctx, rec)
}

func (r *RateLimitedStore) BatchPut(ctx context.Context, recs []kvupsert.Record) error {
	if err := r.limiter.WaitN(ctx, len(recs)); err != nil {
		return core.Throttled("batch_put", errors.Wrap(err, "waiting for rate limiter"))
	}
	return r.StoreClient.BatchPut(ctx, recs)
}
