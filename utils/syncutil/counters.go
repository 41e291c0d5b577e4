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

// Package syncutil provides concurrency-safe data structures shared across
// the engine.
package syncutil

import "go.uber.org/atomic"

// Counters is a fixed-size array of independently-synchronized counters,
// e.g. one per piece index.
type Counters struct {
	counters []atomic.Int64
}

// NewCounters allocates n counters, all initialized to zero.
func NewCounters(n int) *Counters {
	return &Counters{counters: make([]atomic.Int64, n)}
}

// Len returns the number of counters.
func (c *Counters) Len() int {
	return len(c.counters)
}

// Increment adds one to the counter at i.
func (c *Counters) Increment(i int) {
	c.counters[i].Inc()
}

// Decrement subtracts one from the counter at i.
func (c *Counters) Decrement(i int) {
	c.counters[i].Dec()
}

// Set overwrites the counter at i.
func (c *Counters) Set(i int, v int) {
	c.counters[i].Store(int64(v))
}

// Get returns the counter at i.
func (c *Counters) Get(i int) int {
	return int(c.counters[i].Load())
}
