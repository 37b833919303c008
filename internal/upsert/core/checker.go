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

package core

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// ExistenceChecker determines which keys are already present in the store by
// issuing one Get per key through a bounded pool. A concurrency of 1 checks
// keys sequentially; the result is the same either way.
type ExistenceChecker struct {
	store       StoreClient
	concurrency int
	policy      ExistencePolicy
	logger      *slog.Logger
}

// NewExistenceChecker returns a checker. A non-positive concurrency means 1.
func NewExistenceChecker(store StoreClient, concurrency int, policy ExistencePolicy, logger *slog.Logger) *ExistenceChecker {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = discardLogger
	}
	return &ExistenceChecker{store: store, concurrency: concurrency, policy: policy, logger: logger}
}

// Check queries every key once. keys must already be distinct.
//
// Under FailFast the first failure stops new checks from being issued
// (in-flight ones may finish) and is returned as a *CheckPhaseError. Under
// BestEffort failed keys are logged, returned as unverified and left out of
// the existing set. A context that ends during the phase fails the check
// under either policy.
func (c *ExistenceChecker) Check(ctx context.Context, keys []string) (existing map[string]struct{}, unverified []string, err error) {
	present := make([]bool, len(keys))
	failed := make([]error, len(keys))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, key := range keys {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			rec, err := c.store.Get(gctx, key)
			if err != nil {
				if c.policy == FailFast {
					return &CheckPhaseError{Key: key, Err: err}
				}
				failed[i] = err
				c.logger.Warn("existence check failed, assuming absent", "key", key, "err", err)
				return nil
			}
			present[i] = rec != nil
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, &CheckPhaseError{Err: err}
	}

	existing = make(map[string]struct{})
	for i, key := range keys {
		switch {
		case failed[i] != nil:
			unverified = append(unverified, key)
		case present[i]:
			existing[key] = struct{}{}
			c.logger.Debug("key already exists", "key", key)
		}
	}
	return existing, unverified, nil
}
