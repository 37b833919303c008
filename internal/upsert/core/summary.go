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
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// SummaryObserver accumulates process-level totals across calls and prints a
// single end-of-process report. Configuration knobs registered with
// SetSetting are printed alongside the totals.
type SummaryObserver struct {
	mu         sync.Mutex
	calls      int64
	callErrors int64
	candidates int64
	written    int64
	skipped    int64
	duplicates int64
	failed     int64
	units      int64
	unitErrors int64
	checked    int64
	elapsed    time.Duration

	settings map[string]string
}

// NewSummaryObserver returns an empty summary.
func NewSummaryObserver() *SummaryObserver {
	return &SummaryObserver{settings: make(map[string]string)}
}

// SetSetting records a configuration knob for the final report.
func (s *SummaryObserver) SetSetting(name string, value any) {
	s.mu.Lock()
	s.settings[name] = fmt.Sprint(value)
	s.mu.Unlock()
}

func (s *SummaryObserver) ChecksCompleted(_ string, checked, _, _ int, _ time.Duration) {
	s.mu.Lock()
	s.checked += int64(checked)
	s.mu.Unlock()
}

func (s *SummaryObserver) UnitCompleted(_ string, o OperationOutcome) {
	s.mu.Lock()
	s.units++
	if !o.Succeeded() {
		s.unitErrors++
	}
	s.mu.Unlock()
}

func (s *SummaryObserver) UpsertCompleted(res *UpsertResult, err error, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.elapsed += d
	if err != nil {
		s.callErrors++
	}
	if res == nil {
		return
	}
	s.candidates += int64(res.Total)
	s.written += int64(res.Written)
	s.skipped += int64(res.Skipped)
	s.duplicates += int64(res.Duplicates)
	s.failed += int64(res.Failed)
}

// Totals returns calls, written, skipped and failed counts so far.
func (s *SummaryObserver) Totals() (calls, written, skipped, failed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, s.written, s.skipped, s.failed
}

// PrintFinal writes the columnar summary to w.
func (s *SummaryObserver) PrintFinal(w io.Writer) {
	s.mu.Lock()
	rows := []struct {
		name string
		val  int64
	}{
		{"Calls", s.calls},
		{"Call errors", s.callErrors},
		{"Candidates", s.candidates},
		{"Keys checked", s.checked},
		{"Written", s.written},
		{"Skipped", s.skipped},
		{"Duplicates", s.duplicates},
		{"Failed", s.failed},
		{"Write units", s.units},
		{"Failed units", s.unitErrors},
	}
	skipRate := "n/a"
	if s.candidates > 0 {
		skipRate = fmt.Sprintf("%.1f%%", 100*float64(s.skipped+s.duplicates)/float64(s.candidates))
	}
	elapsed := s.elapsed
	settings := make(map[string]string, len(s.settings))
	for k, v := range s.settings {
		settings[k] = v
	}
	s.mu.Unlock()

	sep := strings.Repeat("-", 60)
	fmt.Fprintf(w, "[%s] Final upsert metrics\n", time.Now().Format(time.RFC3339))
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-18s %12s\n", "Metric", "Value")
	fmt.Fprintln(w, sep)
	for _, r := range rows {
		fmt.Fprintf(w, "%-18s %12d\n", r.name, r.val)
	}
	fmt.Fprintf(w, "%-18s %12s\n", "Writes avoided", skipRate)
	fmt.Fprintf(w, "%-18s %12s\n", "Time in calls", elapsed.Round(time.Millisecond))
	fmt.Fprintln(w, sep)

	if len(settings) == 0 {
		return
	}
	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(w, "Configured settings")
	fmt.Fprintln(w, sep)
	fmt.Fprintf(w, "%-30s %24s\n", "Name", "Value")
	fmt.Fprintln(w, sep)
	for _, k := range keys {
		fmt.Fprintf(w, "%-30s %24s\n", k, settings[k])
	}
	fmt.Fprintln(w, sep)
}
