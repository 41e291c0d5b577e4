// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package timeutil

import (
	"sync"
	"time"
)

// Timer is a restartable, cancellable one-shot timer. Unlike time.Timer, it
// is safe to call Start after a prior Cancel, and Start/Cancel report
// whether they had any effect.
type Timer struct {
	d time.Duration
	C chan time.Time

	mu      sync.Mutex
	running bool
	t       *time.Timer
}

// NewTimer creates a Timer which, once started, fires after d.
func NewTimer(d time.Duration) *Timer {
	return &Timer{
		d: d,
		C: make(chan time.Time, 1),
	}
}

// Start arms the timer. Returns false if the timer is already running.
func (t *Timer) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return false
	}
	t.running = true
	t.t = time.AfterFunc(t.d, func() {
		t.mu.Lock()
		t.running = false
		t.mu.Unlock()

		select {
		case t.C <- time.Now():
		default:
		}
	})
	return true
}

// Cancel disarms the timer. Returns false if the timer was not running, or
// had already fired.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.running || t.t == nil {
		return false
	}
	stopped := t.t.Stop()
	t.running = false
	return stopped
}
