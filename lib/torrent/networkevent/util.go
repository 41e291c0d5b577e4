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

import (
	"sort"
	"time"
)

// Sort orders events chronologically.
func Sort(events []*Event) {
	sort.Slice(events, func(i, j int) bool { return events[i].Time.Before(events[j].Time) })
}

// Filter returns the subset of events whose Name is in names.
func Filter(events []*Event, names ...Name) []*Event {
	set := make(map[Name]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	var out []*Event
	for _, e := range events {
		if set[e.Name] {
			out = append(out, e)
		}
	}
	return out
}

// StripTimestamps zeroes the Time field of every event, useful for
// comparing events in tests regardless of when they were produced.
func StripTimestamps(events []*Event) []*Event {
	out := make([]*Event, len(events))
	for i, e := range events {
		cp := *e
		cp.Time = time.Time{}
		out[i] = &cp
	}
	return out
}
