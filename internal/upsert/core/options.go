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
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ExistencePolicy decides what a failed existence check does to a call.
type ExistencePolicy int

const (
	// FailFast aborts the call on the first failed check; no writes happen.
	FailFast ExistencePolicy = iota
	// BestEffort treats an unverifiable key as absent and writes it anyway.
	// It must be selected explicitly: writing on unknown state can overwrite
	// a value that already existed.
	BestEffort
)

func (p ExistencePolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case BestEffort:
		return "best-effort"
	}
	return "unknown"
}

// ParseExistencePolicy parses "fail-fast" or "best-effort". Empty means FailFast.
func ParseExistencePolicy(s string) (ExistencePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail-fast", "failfast":
		return FailFast, nil
	case "best-effort", "besteffort":
		return BestEffort, nil
	}
	return FailFast, errors.Errorf("unknown existence policy %q (want fail-fast or best-effort)", s)
}

// ValidationPolicy decides what a malformed record does to a call.
type ValidationPolicy int

const (
	// ValidationReject fails the whole call on the first invalid record.
	ValidationReject ValidationPolicy = iota
	// ValidationReport counts invalid records as failed and writes the rest.
	ValidationReport
)

func (p ValidationPolicy) String() string {
	switch p {
	case ValidationReject:
		return "reject"
	case ValidationReport:
		return "report"
	}
	return "unknown"
}

// ParseValidationPolicy parses "reject" or "report". Empty means ValidationReject.
func ParseValidationPolicy(s string) (ValidationPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return ValidationReject, nil
	case "report":
		return ValidationReport, nil
	}
	return ValidationReject, errors.Errorf("unknown validation policy %q (want reject or report)", s)
}

const (
	DefaultCheckConcurrency = 8
	DefaultWriteConcurrency = 4
)

// Options tunes one upsert call. Zero values select the defaults.
type Options struct {
	// BatchSize caps records per batch write. 0 means the store maximum;
	// larger than the store maximum is an error.
	BatchSize int
	// DisableBatching dispatches one Put per record instead of batches.
	DisableBatching bool
	// CheckConcurrency bounds in-flight existence checks. 1 is sequential.
	CheckConcurrency int
	// WriteConcurrency bounds in-flight write units.
	WriteConcurrency int
	ExistencePolicy  ExistencePolicy
	ValidationPolicy ValidationPolicy
	// Timeout bounds the whole call when positive. Units that cannot finish
	// in time are reported as failed.
	Timeout time.Duration
}

// withDefaults validates o against the store batch limit and fills defaults.
func (o Options) withDefaults(storeMax int) (Options, error) {
	if storeMax <= 0 {
		return o, errors.Errorf("store reports invalid max batch size %d", storeMax)
	}
	switch {
	case o.BatchSize < 0:
		return o, errors.Errorf("batch size must not be negative, got %d", o.BatchSize)
	case o.BatchSize > storeMax:
		return o, errors.Errorf("batch size %d exceeds store maximum %d", o.BatchSize, storeMax)
	case o.CheckConcurrency < 0:
		return o, errors.Errorf("check concurrency must not be negative, got %d", o.CheckConcurrency)
	case o.WriteConcurrency < 0:
		return o, errors.Errorf("write concurrency must not be negative, got %d", o.WriteConcurrency)
	case o.Timeout < 0:
		return o, errors.Errorf("timeout must not be negative, got %s", o.Timeout)
	}
	if o.BatchSize == 0 {
		o.BatchSize = storeMax
	}
	if o.CheckConcurrency == 0 {
		o.CheckConcurrency = DefaultCheckConcurrency
	}
	if o.WriteConcurrency == 0 {
		o.WriteConcurrency = DefaultWriteConcurrency
	}
	return o, nil
}
