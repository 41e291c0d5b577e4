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

// Package lockermap provides a concurrent map of sync.Locker values whose
// entries may be locked individually while iterating or loading, without
// holding the map's own lock for the duration.
package lockermap

import "sync"

// Map is a concurrent map from arbitrary keys to sync.Locker values. The
// zero value is an empty Map ready to use.
type Map struct {
	m sync.Map
}

// TryStore stores value under key iff key is not already present. Returns
// true if the store happened.
func (m *Map) TryStore(key interface{}, value sync.Locker) bool {
	_, loaded := m.m.LoadOrStore(key, value)
	return !loaded
}

// Delete removes key from the map.
func (m *Map) Delete(key interface{}) {
	m.m.Delete(key)
}

// Load locks the value stored under key and invokes f with it. Returns
// false if key is not present, or if key was deleted while Load was
// waiting to acquire the value's lock.
func (m *Map) Load(key interface{}, f func(sync.Locker)) bool {
	vi, ok := m.m.Load(key)
	if !ok {
		return false
	}
	v := vi.(sync.Locker)
	v.Lock()
	defer v.Unlock()

	if _, ok := m.m.Load(key); !ok {
		return false
	}
	f(v)
	return true
}

// Range iterates over the map, locking each value before invoking f with
// it. Entries deleted between enumeration and lock acquisition are
// skipped. Iteration stops early if f returns false.
func (m *Map) Range(f func(key interface{}, value sync.Locker) bool) {
	m.m.Range(func(k, vi interface{}) bool {
		v := vi.(sync.Locker)
		v.Lock()
		defer v.Unlock()

		if _, ok := m.m.Load(k); !ok {
			return true
		}
		return f(k, v)
	})
}
