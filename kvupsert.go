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

// Package kvupsert holds the data model shared by the upsert engine, its
// store adapters and its outer surfaces: records, batches and the pure batch
// partitioner. It performs no I/O beyond decoding record streams.
package kvupsert

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// MaxKeyLength bounds the byte length of a record key. It matches the
// partition key limit of DynamoDB, the most restrictive supported store.
const MaxKeyLength = 1024

// Record is a key/value pair targeted for storage. Value is opaque to the
// engine; it is kept as raw JSON so it round-trips through the CLI and HTTP
// surfaces untouched. Records are treated as immutable once submitted.
type Record struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Batch is an ordered group of records written together in one store request.
type Batch []Record

// ValidationError reports a malformed record detected before any store call.
type ValidationError struct {
	Index  int // position in the submitted candidate sequence, -1 if unknown
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("invalid record at index %d (key=%q): %s", e.Index, e.Key, e.Reason)
	}
	return fmt.Sprintf("invalid record (key=%q): %s", e.Key, e.Reason)
}

// Validate checks that the record carries a usable key.
func (r Record) Validate() error {
	switch {
	case strings.TrimSpace(r.Key) == "":
		return &ValidationError{Index: -1, Key: r.Key, Reason: "missing key"}
	case len(r.Key) > MaxKeyLength:
		return &ValidationError{Index: -1, Key: r.Key[:32] + "...", Reason: fmt.Sprintf("key longer than %d bytes", MaxKeyLength)}
	}
	return nil
}

// Keys returns the keys of records in order, duplicates included.
func Keys(records []Record) []string {
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	return keys
}

// DedupKeys returns the distinct keys of records in first-seen order, and the
// index of the first record carrying each key.
func DedupKeys(records []Record) ([]string, map[string]int) {
	first := make(map[string]int, len(records))
	keys := make([]string, 0, len(records))
	for i, r := range records {
		if _, ok := first[r.Key]; ok {
			continue
		}
		first[r.Key] = i
		keys = append(keys, r.Key)
	}
	return keys, first
}

// Partition splits records into contiguous batches of at most maxSize
// records, preserving order within and across batches. It never copies
// record payloads; each batch is a sub-slice of records with its capacity
// clipped so appends cannot bleed into the next batch.
// A non-positive maxSize is treated as 1.
func Partition(records []Record, maxSize int) []Batch {
	if len(records) == 0 {
		return nil
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	out := make([]Batch, 0, (len(records)+maxSize-1)/maxSize)
	for start := 0; start < len(records); start += maxSize {
		end := start + maxSize
		if end > len(records) {
			end = len(records)
		}
		out = append(out, Batch(records[start:end:end]))
	}
	return out
}

// ReadRecords decodes records from r. It accepts either a single JSON array
// of records or a stream of JSON objects (JSON Lines). Unknown fields are
// ignored, so a failure log can be replayed as input.
func ReadRecords(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading records")
	}

	dec := json.NewDecoder(br)
	if first == '[' {
		var out []Record
		if err := dec.Decode(&out); err != nil {
			return nil, errors.Wrap(err, "decoding record array")
		}
		return out, nil
	}

	var out []Record
	for line := 1; ; line++ {
		var rec Record
		err := dec.Decode(&rec)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrapf(err, "decoding record %d", line)
		}
		out = append(out, rec)
	}
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if bytes.IndexByte([]byte(" \t\r\n"), b) >= 0 {
			continue
		}
		return b, br.UnreadByte()
	}
}
