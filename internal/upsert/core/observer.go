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

import "time"

// Observer receives engine events. It is injected per Service; the engine
// keeps no global telemetry state. Implementations must be safe for
// concurrent use: UnitCompleted is called from write workers.
type Observer interface {
	ChecksCompleted(callID string, checked, existing, unverified int, d time.Duration)
	UnitCompleted(callID string, outcome OperationOutcome)
	UpsertCompleted(res *UpsertResult, err error, d time.Duration)
}

// NopObserver discards every event.
type NopObserver struct{}

func (NopObserver) ChecksCompleted(string, int, int, int, time.Duration) {}
func (NopObserver) UnitCompleted(string, OperationOutcome)               {}
func (NopObserver) UpsertCompleted(*UpsertResult, error, time.Duration)  {}

type multiObserver []Observer

// MultiObserver fans events out to every non-nil observer in order.
func MultiObserver(observers ...Observer) Observer {
	var out multiObserver
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (m multiObserver) ChecksCompleted(callID string, checked, existing, unverified int, d time.Duration) {
	for _, o := range m {
		o.ChecksCompleted(callID, checked, existing, unverified, d)
	}
}

func (m multiObserver) UnitCompleted(callID string, outcome OperationOutcome) {
	for _, o := range m {
		o.UnitCompleted(callID, outcome)
	}
}

func (m multiObserver) UpsertCompleted(res *UpsertResult, err error, d time.Duration) {
	for _, o := range m {
		o.UpsertCompleted(res, err, d)
	}
}
