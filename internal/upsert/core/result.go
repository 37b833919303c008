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
	"encoding/json"
	"time"

	"kvupsert"
)

// UnitOfWork is the atomic unit submitted to the write pool: a single-record
// Put, or a BatchPut of up to the batch size.
type UnitOfWork struct {
	Records []kvupsert.Record
	Batched bool
}

// Kind names the unit for logs and metrics.
func (u UnitOfWork) Kind() string {
	if u.Batched {
		return "batch"
	}
	return "single"
}

// OperationOutcome is the result of one UnitOfWork. Failed maps each record
// key that was not written to its cause; it is empty on success.
type OperationOutcome struct {
	Unit     UnitOfWork
	Failed   map[string]error
	Duration time.Duration
}

// Succeeded reports whether every record of the unit was written.
func (o OperationOutcome) Succeeded() bool { return len(o.Failed) == 0 }

// Err returns the cause attached to the first failed record of the unit, or nil.
func (o OperationOutcome) Err() error {
	for _, r := range o.Unit.Records {
		if err, ok := o.Failed[r.Key]; ok {
			return err
		}
	}
	return nil
}

// Failure is a record that was not written and why.
type Failure struct {
	Index  int // position in the candidate sequence
	Record kvupsert.Record
	Err    error
}

func (f Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		Index int             `json:"index"`
		Key   string          `json:"key"`
		Value json.RawMessage `json:"value,omitempty"`
		Error string          `json:"error"`
	}{f.Index, f.Record.Key, f.Record.Value, msg})
}

// UpsertResult aggregates one call. Written + Skipped + Duplicates + Failed
// always equals Total, the number of submitted candidates. Key lists and
// failures follow candidate order.
type UpsertResult struct {
	CallID string `json:"call_id"`
	Total  int    `json:"total"`
	// Written records were stored by this call.
	Written int `json:"written"`
	// Skipped records already existed in the store.
	Skipped int `json:"skipped"`
	// Duplicates repeat a key submitted earlier in the same call.
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`

	WrittenKeys []string `json:"written_keys,omitempty"`
	SkippedKeys []string `json:"skipped_keys,omitempty"`
	// Unverified keys could not be checked and were written under BestEffort.
	Unverified []string  `json:"unverified,omitempty"`
	Failures   []Failure `json:"failures,omitempty"`
}

// FailedKeys returns the keys of Failures in candidate order.
func (r *UpsertResult) FailedKeys() []string {
	out := make([]string, len(r.Failures))
	for i, f := range r.Failures {
		out[i] = f.Record.Key
	}
	return out
}
