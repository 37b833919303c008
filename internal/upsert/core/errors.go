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
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrConnectivity marks transient network or service failures.
	ErrConnectivity = errors.New("store connectivity error")
	// ErrThrottled marks rate-limit responses from the store.
	ErrThrottled = errors.New("store throttled request")
)

// ErrorKind classifies store failures.
type ErrorKind string

const (
	KindConnectivity ErrorKind = "connectivity"
	KindThrottling   ErrorKind = "throttling"
)

// StoreError is a classified store failure. It matches ErrConnectivity or
// ErrThrottled under errors.Is according to its Kind.
type StoreError struct {
	Kind ErrorKind
	Op   string // get, put, batch_put
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrConnectivity:
		return e.Kind == KindConnectivity
	case ErrThrottled:
		return e.Kind == KindThrottling
	}
	return false
}

// Connectivity classifies err as a connectivity failure of op.
// A nil err stays nil.
func Connectivity(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: KindConnectivity, Op: op, Err: err}
}

// Throttled classifies err as a throttling response to op.
// A nil err stays nil.
func Throttled(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Kind: KindThrottling, Op: op, Err: err}
}

// Retryable reports whether err is a connectivity or throttling failure.
// The engine never retries on its own; callers layering retries use this.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnectivity) || errors.Is(err, ErrThrottled)
}

// OptionsError rejects out-of-range Options before any store call.
type OptionsError struct{ Err error }

func (e *OptionsError) Error() string { return "invalid upsert options: " + e.Err.Error() }

func (e *OptionsError) Unwrap() error { return e.Err }

// CheckPhaseError aborts an upsert call when an existence check fails under
// the fail-fast policy. No writes are attempted after it.
type CheckPhaseError struct {
	Key string
	Err error
}

func (e *CheckPhaseError) Error() string {
	return fmt.Sprintf("existence check failed for key %q: %v", e.Key, e.Err)
}

func (e *CheckPhaseError) Unwrap() error { return e.Err }

// PartialBatchError is returned by StoreClient.BatchPut when only part of a
// batch was written. Keys lists the records that were not written; records
// of the batch not listed were stored.
type PartialBatchError struct {
	Keys []string
	Err  error
}

func (e *PartialBatchError) Error() string {
	return fmt.Sprintf("%d of batch not written (%s): %v", len(e.Keys), strings.Join(e.Keys, ","), e.Err)
}

func (e *PartialBatchError) Unwrap() error { return e.Err }
