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

package atom

import (
	"time"

	"github.com/quietswarm/peerengine/core"
)

// GateDecision is the outcome of evaluating a new incoming socket against
// spec.md §4.7's incoming connection gate.
type GateDecision int

const (
	// GateAccept starts an incoming handshake.
	GateAccept GateDecision = iota
	// GateRejectBlocklisted closes the socket: the address is
	// blocklist-blocked.
	GateRejectBlocklisted
	// GateRejectDuplicate closes the socket: a handshake is already in
	// flight for this address.
	GateRejectDuplicate
)

// InFlightChecker reports whether an incoming handshake is already being
// negotiated for addr.
type InFlightChecker func(addr Addr) bool

// Admit evaluates a new incoming socket from addr per spec.md §4.7: a
// blocklisted address or one with an in-flight handshake is rejected
// without any atom mutation; otherwise the caller should start the
// handshake.
func Admit(addr Addr, blocklisted bool, inFlight InFlightChecker) GateDecision {
	if blocklisted {
		return GateRejectBlocklisted
	}
	if inFlight != nil && inFlight(addr) {
		return GateRejectDuplicate
	}
	return GateAccept
}

// CompleteIncoming applies the outcome of an incoming handshake attempt to
// the atom for addr, per spec.md §4.7. On success, an atom is ensured with
// source = incoming and bound to peerID. On failure with readAnything
// false, the existing atom (if any) is flagged unreachable and its fail
// count incremented; no atom is created purely from a failed incoming
// attempt, since we only learn the address, never the peer, in that case.
func (p *Pool) CompleteIncoming(addr Addr, ok bool, readAnything bool, peerID core.PeerID, now time.Time) {
	if ok {
		a := p.Ensure(addr, core.SourceIncoming, now)
		a.RecordConnectSuccess(peerID, now)
		return
	}
	if readAnything {
		return
	}
	if a, found := p.Get(addr); found {
		a.MarkUnreachable()
	}
}
