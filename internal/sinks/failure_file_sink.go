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

// Package sinks holds append-only file sinks fed by the upsert engine.
package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// FailureEntry is one line of the failure log. Key and Value make every line
// a valid record, so the log can be fed back to `kvupsert upsert --input`.
type FailureEntry struct {
	Key      string          `json:"key"`
	Value    json.RawMessage `json:"value,omitempty"`
	CallID   string          `json:"call_id"`
	Index    int             `json:"index"`
	Kind     string          `json:"kind,omitempty"` // connectivity, throttling, timeout, canceled, validation
	Error    string          `json:"error"`
	TsUnixMs int64           `json:"ts_unix_ms"`
}

// flushInterval bounds how long appended entries may sit in the buffer.
const flushInterval = 100 * time.Millisecond

// FailureFileSink is a buffered JSONL sink for records an upsert call did
// not write. It implements core.Observer and is safe for concurrent use.
type FailureFileSink struct {
	core.NopObserver

	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string
	n    int64

	lastFlush time.Time
	now       func() time.Time
}

// NewFailureFileSink opens (or creates) the file at path in append mode with
// a buffered writer. Call Close() when done.
func NewFailureFileSink(path string) (*FailureFileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening failure log %s", path)
	}
	return &FailureFileSink{f: f, w: bufio.NewWriterSize(f, 1<<20 /*1MiB*/), path: path, lastFlush: time.Now(), now: time.Now}, nil
}

// UpsertCompleted appends the failures of res. Calls rejected as a whole
// (err != nil) carry no per-record failures and are skipped.
func (s *FailureFileSink) UpsertCompleted(res *core.UpsertResult, err error, _ time.Duration) {
	if err != nil || res == nil || len(res.Failures) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UnixMilli()
	enc := json.NewEncoder(s.w)
	for _, f := range res.Failures {
		e := FailureEntry{
			Key:      f.Record.Key,
			Value:    f.Record.Value,
			CallID:   res.CallID,
			Index:    f.Index,
			Kind:     failureKind(f.Err),
			TsUnixMs: ts,
		}
		if f.Err != nil {
			e.Error = f.Err.Error()
		}
		if err := enc.Encode(&e); err != nil {
			// best effort: on error, try to flush and retry once
			_ = s.w.Flush()
			_ = enc.Encode(&e)
		}
		s.n++
	}
	// Flush periodically to bound data loss on crash.
	if now := s.now(); now.Sub(s.lastFlush) > flushInterval {
		_ = s.w.Flush()
		s.lastFlush = now
	}
}

// Written reports how many entries were appended.
func (s *FailureFileSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Path returns the log file path.
func (s *FailureFileSink) Path() string { return s.path }

// Flush forces buffered data to be written to disk.
func (s *FailureFileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastFlush = s.now()
	return s.w.Flush()
}

// Close flushes and closes the underlying file.
func (s *FailureFileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.w.Flush()
	return s.f.Close()
}

func failureKind(err error) string {
	var se *core.StoreError
	if errors.As(err, &se) {
		return string(se.Kind)
	}
	var ve *kvupsert.ValidationError
	switch {
	case errors.As(err, &ve):
		return "validation"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	return ""
}

// ReadAllFailures reads the entire failure log. Malformed lines are skipped.
func ReadAllFailures(path string) ([]FailureEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening failure log %s", path)
	}
	defer f.Close()
	var out []FailureEntry
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	for scanner.Scan() {
		var e FailureEntry
		if err := json.Unmarshal(scanner.Bytes(), &e); err == nil {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}
