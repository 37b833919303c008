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
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"kvupsert"
)

var discardLogger = slog.New(slog.DiscardHandler)

// Service is the single entry point of the engine. It holds no per-call
// state; every call builds its own checker, units and dispatcher, so a
// Service may be used from many goroutines.
type Service struct {
	store    StoreClient
	opts     Options
	logger   *slog.Logger
	observer Observer
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger. The default discards.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithObserver sets the telemetry sink. The default discards.
func WithObserver(o Observer) ServiceOption {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewService validates opts against the store's batch limit and returns a
// service using them as defaults for Upsert.
func NewService(store StoreClient, opts Options, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("nil store client")
	}
	resolved, err := opts.withDefaults(store.MaxBatchSize())
	if err != nil {
		return nil, &OptionsError{Err: err}
	}
	s := &Service{store: store, opts: resolved, logger: discardLogger, observer: NopObserver{}}
	for _, o := range options {
		o(s)
	}
	return s, nil
}

// Options returns the resolved default options.
func (s *Service) Options() Options { return s.opts }

// Upsert writes the candidates whose keys are not yet in the store, using the
// service default options.
func (s *Service) Upsert(ctx context.Context, candidates []kvupsert.Record) (*UpsertResult, error) {
	return s.UpsertWithOptions(ctx, candidates, s.opts)
}

// UpsertWithOptions is Upsert with per-call options; zero fields fall back
// to the engine defaults, not to the service's.
//
// The call fails only on invalid options, on an invalid record under
// ValidationReject (*kvupsert.ValidationError) or on a failed existence check
// under FailFast (*CheckPhaseError). Write failures are reported in
// UpsertResult.Failures and never fail the call.
func (s *Service) UpsertWithOptions(ctx context.Context, candidates []kvupsert.Record, opts Options) (*UpsertResult, error) {
	start := time.Now()
	callID := uuid.NewString()
	res, err := s.upsert(ctx, callID, candidates, opts)
	s.observer.UpsertCompleted(res, err, time.Since(start))
	return res, err
}

func (s *Service) upsert(ctx context.Context, callID string, candidates []kvupsert.Record, opts Options) (*UpsertResult, error) {
	opts, err := opts.withDefaults(s.store.MaxBatchSize())
	if err != nil {
		return nil, &OptionsError{Err: err}
	}
	log := s.logger.With("call_id", callID)
	res := &UpsertResult{CallID: callID, Total: len(candidates)}
	if len(candidates) == 0 {
		log.Debug("empty candidate set")
		return res, nil
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	// Validation happens before any store call.
	var failures []Failure
	valid := make([]kvupsert.Record, 0, len(candidates))
	validIdx := make([]int, 0, len(candidates))
	for i, rec := range candidates {
		if err := rec.Validate(); err != nil {
			var ve *kvupsert.ValidationError
			if errors.As(err, &ve) {
				ve.Index = i
			}
			if opts.ValidationPolicy == ValidationReject {
				log.Warn("rejecting call with invalid record", "index", i, "err", err)
				return nil, err
			}
			failures = append(failures, Failure{Index: i, Record: rec, Err: err})
			continue
		}
		valid = append(valid, rec)
		validIdx = append(validIdx, i)
	}

	keys, first := kvupsert.DedupKeys(valid)
	res.Duplicates = len(valid) - len(keys)

	checkStart := time.Now()
	checker := NewExistenceChecker(s.store, opts.CheckConcurrency, opts.ExistencePolicy, log)
	existing, unverified, err := checker.Check(ctx, keys)
	s.observer.ChecksCompleted(callID, len(keys), len(existing), len(unverified), time.Since(checkStart))
	if err != nil {
		log.Error("existence check phase failed, no writes attempted", "keys", len(keys), "err", err)
		return nil, err
	}
	res.Unverified = unverified

	pending := make([]kvupsert.Record, 0, len(keys)-len(existing))
	pendingIdx := make([]int, 0, len(keys)-len(existing))
	for _, key := range keys {
		pos := first[key]
		if _, ok := existing[key]; ok {
			res.Skipped++
			res.SkippedKeys = append(res.SkippedKeys, key)
			continue
		}
		pending = append(pending, valid[pos])
		pendingIdx = append(pendingIdx, validIdx[pos])
	}

	if len(pending) == 0 {
		log.Info("No new key-value pairs to store", "skipped", res.Skipped, "duplicates", res.Duplicates)
		return finish(res, failures), nil
	}
	log.Info("Storing key-value pairs", "records", len(pending), "skipped", res.Skipped,
		"batch_size", opts.BatchSize, "batched", !opts.DisableBatching)

	units := BuildUnits(pending, opts.BatchSize, !opts.DisableBatching)
	d := NewDispatcher(s.store, opts.WriteConcurrency, log, s.observer)
	d.callID = callID
	outcomes := d.Dispatch(ctx, units)

	failed := make(map[string]error)
	for _, o := range outcomes {
		for k, e := range o.Failed {
			failed[k] = e
		}
	}
	for j, rec := range pending {
		if e, ok := failed[rec.Key]; ok {
			failures = append(failures, Failure{Index: pendingIdx[j], Record: rec, Err: e})
			continue
		}
		res.Written++
		res.WrittenKeys = append(res.WrittenKeys, rec.Key)
	}
	res = finish(res, failures)
	if res.Failed > 0 {
		log.Warn("upsert completed with failures", "written", res.Written, "failed", res.Failed)
	}
	return res, nil
}

func finish(res *UpsertResult, failures []Failure) *UpsertResult {
	sort.SliceStable(failures, func(i, j int) bool { return failures[i].Index < failures[j].Index })
	res.Failures = failures
	res.Failed = len(failures)
	return res
}
