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
package networkevent

import "sync"

// TestProducer is a Producer which buffers every event in memory, for
// assertions in tests.
type TestProducer struct {
	mu     sync.Mutex
	events []*Event
}

// NewTestProducer creates a TestProducer.
func NewTestProducer() *TestProducer {
	return &TestProducer{}
}

// Produce buffers e.
func (p *TestProducer) Produce(e *Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

// Close is a no-op.
func (p *TestProducer) Close() error { return nil }

// Events returns a snapshot of every event produced so far, sorted
// chronologically.
func (p *TestProducer) Events() []*Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	events := make([]*Event, len(p.events))
	copy(events, p.events)
	Sort(events)
	return events
}
