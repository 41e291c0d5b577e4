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

// Package announcer defines the Scheduler's sole outbound contract with the
// tracker announcer. The tracker announcer itself -- the HTTP/UDP client,
// its interval bookkeeping, and the peer addresses it hands back -- is an
// external collaborator outside this repository's scope; new peer
// addresses discovered through a tracker round trip reach the Scheduler
// through AddPeerAddrs (source = core.SourceTracker), the same ingestion
// path used for DHT, PEX, and resume-file addresses.
package announcer

import (
	"sync/atomic"

	"github.com/quietswarm/peerengine/core"
)

// ByteKind classifies a byte count reported to the tracker announcer,
// mirroring the three counters a tracker announce request carries.
type ByteKind int

// Byte kinds.
const (
	BytesUp ByteKind = iota
	BytesDown
	BytesCorrupt
)

func (k ByteKind) String() string {
	switch k {
	case BytesUp:
		return "up"
	case BytesDown:
		return "down"
	case BytesCorrupt:
		return "corrupt"
	default:
		return "unknown"
	}
}

// TrackerAnnouncer is the external collaborator responsible for announcing
// to a tracker and reporting transfer totals to it. AddBytes is the only
// call the Scheduler makes into it: n bytes of kind were just transferred
// for the torrent identified by h. Implementations are expected to
// accumulate these counts and fold them into their own announce requests
// on whatever interval and retry policy they see fit; the Scheduler never
// blocks on or retries this call.
type TrackerAnnouncer interface {
	AddBytes(h core.InfoHash, kind ByteKind, n int64)
}

// Nop is a TrackerAnnouncer which discards every byte count. Used when no
// tracker announcer is configured.
type Nop struct{}

// AddBytes discards n.
func (Nop) AddBytes(core.InfoHash, ByteKind, int64) {}

// Counting is a TrackerAnnouncer which tallies bytes in memory, for tests
// and for standalone deployments with no real tracker collaborator wired
// in.
type Counting struct {
	up      int64
	down    int64
	corrupt int64
}

// NewCounting creates a Counting announcer.
func NewCounting() *Counting {
	return &Counting{}
}

// AddBytes tallies n under kind.
func (c *Counting) AddBytes(h core.InfoHash, kind ByteKind, n int64) {
	switch kind {
	case BytesUp:
		atomic.AddInt64(&c.up, n)
	case BytesDown:
		atomic.AddInt64(&c.down, n)
	case BytesCorrupt:
		atomic.AddInt64(&c.corrupt, n)
	}
}

// Totals returns the accumulated (up, down, corrupt) byte counts across all
// torrents.
func (c *Counting) Totals() (up, down, corrupt int64) {
	return atomic.LoadInt64(&c.up), atomic.LoadInt64(&c.down), atomic.LoadInt64(&c.corrupt)
}
