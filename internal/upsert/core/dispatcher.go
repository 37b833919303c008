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
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"kvupsert"
)

// Dispatcher runs write units against the store with at most concurrency
// units in flight. It is best-effort per unit: a failing unit never cancels
// queued or in-flight siblings.
type Dispatcher struct {
	store       StoreClient
	concurrency int
	logger      *slog.Logger
	observer    Observer
	callID      string
}

// NewDispatcher returns a dispatcher. A non-positive concurrency means 1.
func NewDispatcher(store StoreClient, concurrency int, logger *slog.Logger, observer Observer) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = discardLogger
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Dispatcher{store: store, concurrency: concurrency, logger: logger, observer: observer}
}

// BuildUnits turns records into write units: one batch unit per partition of
// at most batchSize records, or one single-record unit per record when
// batched is false.
func BuildUnits(records []kvupsert.Record, batchSize int, batched bool) []UnitOfWork {
	if !batched {
		units := make([]UnitOfWork, len(records))
		for i := range records {
			units[i] = UnitOfWork{Records: records[i : i+1 : i+1]}
		}
		return units
	}
	batches := kvupsert.Partition(records, batchSize)
	units := make([]UnitOfWork, len(batches))
	for i, b := range batches {
		units[i] = UnitOfWork{Records: b, Batched: true}
	}
	return units
}

// Dispatch executes every unit and returns one outcome per unit. Outcome i
// belongs to units[i]; each worker fills only its own slot.
//
// A unit that has not started when ctx ends is not sent to the store and is
// reported failed with the context error. In-flight units observe ctx through
// the store client.
func (d *Dispatcher) Dispatch(ctx context.Context, units []UnitOfWork) []OperationOutcome {
	outcomes := make([]OperationOutcome, len(units))

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, u := range units {
		g.Go(func() error {
			outcomes[i] = d.run(ctx, u)
			d.observer.UnitCompleted(d.callID, outcomes[i])
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}

func (d *Dispatcher) run(ctx context.Context, u UnitOfWork) OperationOutcome {
	out := OperationOutcome{Unit: u}
	if err := ctx.Err(); err != nil {
		out.Failed = failAll(u, errors.Wrap(err, "unit not started"))
		return out
	}

	start := time.Now()
	var err error
	if u.Batched {
		err = d.store.BatchPut(ctx, u.Records)
	} else {
		for _, r := range u.Records {
			if perr := d.store.Put(ctx, r); perr != nil {
				if out.Failed == nil {
					out.Failed = make(map[string]error)
				}
				out.Failed[r.Key] = perr
			}
		}
	}
	out.Duration = time.Since(start)

	if err != nil {
		var partial *PartialBatchError
		if errors.As(err, &partial) {
			out.Failed = failSome(u, partial.Keys, err)
		} else {
			out.Failed = failAll(u, err)
		}
	}
	if !out.Succeeded() {
		d.logger.Error("write unit failed",
			"kind", u.Kind(), "records", len(u.Records),
			"failed", len(out.Failed), "err", out.Err(), "duration", out.Duration)
	} else {
		d.logger.Debug("write unit stored",
			"kind", u.Kind(), "records", len(u.Records), "duration", out.Duration)
	}
	return out
}

// failSome marks the listed keys of u failed. Keys outside u are ignored; a
// partial error naming none of u's keys fails the whole unit.
func failSome(u UnitOfWork, keys []string, err error) map[string]error {
	listed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		listed[k] = struct{}{}
	}
	m := make(map[string]error, len(keys))
	for _, r := range u.Records {
		if _, ok := listed[r.Key]; ok {
			m[r.Key] = err
		}
	}
	if len(m) == 0 {
		return failAll(u, err)
	}
	return m
}

func failAll(u UnitOfWork, err error) map[string]error {
	m := make(map[string]error, len(u.Records))
	for _, r := range u.Records {
		m[r.Key] = err
	}
	return m
}
