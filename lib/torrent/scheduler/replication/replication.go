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

// Package replication tracks, per torrent, how many connected peers
// advertise having each piece. It is mutated on Have, HaveAll, HaveNone,
// Bitfield, and peer disconnect, and is consumed by the request ledger's
// weighted piece list as the rarest-first tiebreak.
package replication

import (
	"github.com/quietswarm/peerengine/utils/syncutil"
	"github.com/willf/bitset"
)

// Map is a per-torrent replication count, one independently-synchronized
// counter per piece. Counts are widened to the same backing width as
// utils/syncutil.Counters (64-bit) rather than the original 16-bit field
// named in spec.md, for the same overflow-avoidance reason the request
// ledger's RequestCount was widened.
type Map struct {
	counts *syncutil.Counters
}

// New creates a Map for a torrent with numPieces pieces, all counts zero.
func New(numPieces int) *Map {
	return &Map{counts: syncutil.NewCounters(numPieces)}
}

// Count returns the number of connected peers known to have piece.
func (m *Map) Count(piece int) int {
	return m.counts.Get(piece)
}

// Add records that one more connected peer now has piece (e.g. a Have
// message, or a single bit set by a Bitfield/HaveAll application).
func (m *Map) Add(piece int) {
	m.counts.Increment(piece)
}

// Remove records that one fewer connected peer has piece (e.g. the peer
// disconnected, or the bit was never set to begin with and this call is
// part of a bulk Remove pass — callers must only call Remove for bits that
// were actually counted via Add).
func (m *Map) Remove(piece int) {
	m.counts.Decrement(piece)
}

// AddSet bulk-applies Add for every set bit in have, e.g. a newly received
// Bitfield or HaveAll.
func (m *Map) AddSet(have *bitset.BitSet) {
	for i, ok := have.NextSet(0); ok; i, ok = have.NextSet(i + 1) {
		if int(i) < m.counts.Len() {
			m.Add(int(i))
		}
	}
}

// RemoveSet bulk-applies Remove for every set bit in have, e.g. a peer
// disconnecting with the given have bitfield.
func (m *Map) RemoveSet(have *bitset.BitSet) {
	for i, ok := have.NextSet(0); ok; i, ok = have.NextSet(i + 1) {
		if int(i) < m.counts.Len() {
			m.Remove(int(i))
		}
	}
}

// NumPieces returns the number of pieces tracked.
func (m *Map) NumPieces() int {
	return m.counts.Len()
}
