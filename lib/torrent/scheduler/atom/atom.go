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

// Package atom implements the per-torrent atom pool: the set of known peer
// endpoints that outlive any single connection to them, per spec.md §3 and
// §4.5-§4.7. An Atom is created the first time an endpoint is observed
// (incoming connection, LTEP/PEX gossip, tracker announce response, resume
// file) and lives until pool pruning (§4.6) or a permanent ban (§7).
package atom

import (
	"net"
	"strconv"
	"time"

	"github.com/quietswarm/peerengine/core"
)

// Addr identifies a peer endpoint.
type Addr struct {
	IP   net.IP
	Port uint16
}

func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Flags describes capabilities learned about an atom's endpoint.
type Flags uint8

const (
	FlagEncryption Flags = 1 << iota
	FlagSeed
	FlagUTP
	FlagHolepunch
	FlagConnectable
)

// Flags2 describes penalty state, kept separate from Flags per spec.md §3.
type Flags2 uint8

const (
	Flag2Banned Flags2 = 1 << iota
	Flag2Unreachable
)

// Blocklisted is a tristate cache of a blocklist lookup, refreshed whenever
// the blocklist collaborator (out of scope per spec.md §1) signals a
// change.
type Blocklisted int

const (
	BlocklistUnknown Blocklisted = iota
	BlocklistClear
	BlocklistBlocked
)

// UnknownSeedProbability marks an atom whose seed probability has never
// been estimated.
const UnknownSeedProbability = -1

// Atom is a long-lived record for a known peer endpoint. It survives
// disconnects; only pool pruning (§4.6) or a permanent ban (§7) removes it.
type Atom struct {
	Addr Addr

	// FromFirst is the source this endpoint was first discovered from.
	// FromBest is the most trusted source it has ever been discovered
	// from (lower ordinal = more trusted). Invariant: FromBest <=
	// FromFirst.
	FromFirst core.Source
	FromBest  core.Source

	Flags  Flags
	Flags2 Flags2

	// SeedProbability is in [0,100], or UnknownSeedProbability.
	SeedProbability int

	// NumFails is the number of consecutive failed connect attempts.
	NumFails int

	PieceDataTime           time.Time
	LastConnectionAt        time.Time
	LastConnectionAttemptAt time.Time
	Time                    time.Time // last status change

	ShelfDate time.Time

	Blocklisted Blocklisted

	// ConnectedPeer is the id of the live connection bound to this atom,
	// if any. The atom holds the id rather than a pointer to the peer
	// itself (see DESIGN.md's note on arena-by-id ownership), so that the
	// peer may be destroyed asynchronously to atom pool pruning without
	// leaving a dangling reference.
	ConnectedPeer    core.PeerID
	HasConnectedPeer bool
}

// New creates an atom first observed via source at now.
func New(addr Addr, source core.Source, now time.Time) *Atom {
	return &Atom{
		Addr:            addr,
		FromFirst:       source,
		FromBest:        source,
		SeedProbability: UnknownSeedProbability,
		Time:            now,
		ShelfDate:       now,
	}
}

// Observe records a rediscovery of the same endpoint from source, tightening
// FromBest if source is more trusted than anything seen before. FromFirst
// never changes after creation.
func (a *Atom) Observe(source core.Source, now time.Time) {
	a.FromBest = a.FromBest.Best(source)
	a.ShelfDate = now
}

// IsSeed reports whether the atom is known to be a seed.
func (a *Atom) IsSeed() bool { return a.Flags&FlagSeed != 0 }

// Banned reports whether the atom has been permanently banned (spec.md §7:
// five corruption strikes).
func (a *Atom) Banned() bool { return a.Flags2&Flag2Banned != 0 }

// Unreachable reports whether the atom is flagged unreachable (a connect
// attempt failed with zero bytes ever read).
func (a *Atom) Unreachable() bool { return a.Flags2&Flag2Unreachable != 0 }

// Ban permanently bans the atom. Per spec.md §7, reached after 5 corruption
// strikes; banned atoms are never selected as reconnect candidates again.
func (a *Atom) Ban() { a.Flags2 |= Flag2Banned }

// MarkUnreachable flags the atom unreachable and increments its fail count,
// per spec.md §4.7: an incoming handshake that failed with no bytes read.
func (a *Atom) MarkUnreachable() {
	a.Flags2 |= Flag2Unreachable
	a.NumFails++
}

// RecordConnectFailure increments the consecutive-failure counter used by
// the reconnect-interval schedule.
func (a *Atom) RecordConnectFailure(now time.Time) {
	a.NumFails++
	a.LastConnectionAttemptAt = now
	a.Time = now
}

// RecordConnectSuccess resets the failure counter and timestamps the
// connection.
func (a *Atom) RecordConnectSuccess(peerID core.PeerID, now time.Time) {
	a.NumFails = 0
	a.Flags2 &^= Flag2Unreachable
	a.LastConnectionAt = now
	a.LastConnectionAttemptAt = now
	a.Time = now
	a.ConnectedPeer = peerID
	a.HasConnectedPeer = true
}

// Disconnect clears the peer back-reference, keeping the atom alive for
// future reconnect attempts.
func (a *Atom) Disconnect(now time.Time) {
	a.HasConnectedPeer = false
	a.Time = now
}

// TouchPieceData records that piece data was just received over this
// atom's live connection, used both by pool pruning's recency key (§4.6)
// and the reconnect schedule's short-circuit path (§4.5).
func (a *Atom) TouchPieceData(now time.Time) {
	a.PieceDataTime = now
}
