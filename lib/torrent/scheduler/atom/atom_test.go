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
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietswarm/peerengine/core"
)

func addr(n byte) Addr {
	return Addr{IP: net.IPv4(10, 0, 0, n), Port: 6881}
}

func TestObserveTightensFromBest(t *testing.T) {
	require := require.New(t)
	now := time.Unix(0, 0)

	a := New(addr(1), core.SourcePEX, now)
	require.Equal(core.SourcePEX, a.FromFirst)
	require.Equal(core.SourcePEX, a.FromBest)

	a.Observe(core.SourceTracker, now)
	require.Equal(core.SourceTracker, a.FromBest, "tracker is more trusted than pex")
	require.Equal(core.SourcePEX, a.FromFirst, "from_first never changes")

	a.Observe(core.SourceLPD, now)
	require.Equal(core.SourceTracker, a.FromBest, "lpd is less trusted, should not loosen from_best")

	require.True(a.FromBest <= a.FromFirst)
}

func TestPoolEnsureIsIdempotentByAddress(t *testing.T) {
	require := require.New(t)
	p := NewPool()
	now := time.Unix(0, 0)

	a1 := p.Ensure(addr(1), core.SourceTracker, now)
	a2 := p.Ensure(addr(1), core.SourceDHT, now)
	require.Same(a1, a2)
	require.Equal(1, p.Len())
}

func TestBanPreventsReconnectSelection(t *testing.T) {
	require := require.New(t)
	p := NewPool()
	now := time.Unix(0, 0)

	a := p.Ensure(addr(1), core.SourceTracker, now)
	a.Ban()

	cands := p.SelectReconnectCandidates(10, TorrentContext{}, now, rand.New(rand.NewSource(1)))
	require.Empty(cands)
}

func TestConnectedAtomNotReconnectCandidate(t *testing.T) {
	require := require.New(t)
	p := NewPool()
	now := time.Unix(0, 0)

	a := p.Ensure(addr(1), core.SourceTracker, now)
	a.RecordConnectSuccess(core.PeerID{}, now)

	cands := p.SelectReconnectCandidates(10, TorrentContext{}, now, rand.New(rand.NewSource(1)))
	require.Empty(cands)
}

func TestReconnectIntervalGrowsWithFailures(t *testing.T) {
	require := require.New(t)
	now := time.Unix(10000, 0)

	a := New(addr(1), core.SourceTracker, now)
	require.Equal(time.Duration(0), ReconnectInterval(a, now))

	a.RecordConnectFailure(now)
	first := ReconnectInterval(a, now)

	a.RecordConnectFailure(now)
	second := ReconnectInterval(a, now)
	require.Greater(second, first)
}

func TestReconnectIntervalDoublesWhenUnreachable(t *testing.T) {
	require := require.New(t)
	now := time.Unix(10000, 0)

	a := New(addr(1), core.SourceTracker, now)
	a.RecordConnectFailure(now)

	// MarkUnreachable also counts as a failure, so the base step is the
	// one for NumFails == 2.
	a.MarkUnreachable()
	require.Equal(2, a.NumFails)
	base := backoffSchedule[a.NumFails]
	require.Equal(2*base, ReconnectInterval(a, now))
}

func TestReconnectIntervalShortCircuitsOnRecentPieceData(t *testing.T) {
	require := require.New(t)
	now := time.Unix(10000, 0)

	a := New(addr(1), core.SourceTracker, now)
	for i := 0; i < 5; i++ {
		a.RecordConnectFailure(now)
	}
	require.Greater(ReconnectInterval(a, now), 5*time.Second)

	a.TouchPieceData(now)
	require.Equal(5*time.Second, ReconnectInterval(a, now))
}

func TestSelectReconnectCandidatesOrdersBestFirst(t *testing.T) {
	require := require.New(t)
	p := NewPool()
	now := time.Unix(10000, 0)

	fresh := p.Ensure(addr(1), core.SourceTracker, now)
	_ = fresh

	// The failed attempt is far enough in the past that its backoff has
	// elapsed and the atom is eligible again.
	flaky := p.Ensure(addr(2), core.SourceTracker, now)
	flaky.RecordConnectFailure(now.Add(-time.Minute))

	cands := p.SelectReconnectCandidates(2, TorrentContext{}, now, rand.New(rand.NewSource(7)))
	require.Len(cands, 2)
	require.Equal(addr(1), cands[0].Atom.Addr, "atom with no failures should outrank one with a failed attempt")
}

func TestSelectReconnectCandidatesRespectsQuickselectLimit(t *testing.T) {
	require := require.New(t)
	p := NewPool()
	now := time.Unix(10000, 0)

	for i := byte(1); i <= 20; i++ {
		p.Ensure(addr(i), core.SourceTracker, now)
	}

	cands := p.SelectReconnectCandidates(5, TorrentContext{}, now, rand.New(rand.NewSource(3)))
	require.Len(cands, 5)
	for i := 1; i < len(cands); i++ {
		require.LessOrEqual(cands[i-1].Score, cands[i].Score)
	}
}

func TestPoolPruneKeepsConnectedAtoms(t *testing.T) {
	require := require.New(t)
	p := NewPool()
	now := time.Unix(10000, 0)

	connected := p.Ensure(addr(1), core.SourceTracker, now)
	connected.RecordConnectSuccess(core.PeerID{}, now)

	for i := byte(2); i <= 10; i++ {
		a := p.Ensure(addr(i), core.SourceTracker, now.Add(-2*time.Hour))
		a.ShelfDate = now.Add(-2 * time.Hour)
	}

	// maxConnectedPeers=1 -> cap = 4*1+55 = 59, well above 10, so nothing
	// should be evicted yet.
	evicted := p.Prune(1, now)
	require.Equal(0, evicted)
	require.Equal(10, p.Len())

	_, ok := p.Get(addr(1))
	require.True(ok)
}

func TestAdmitRejectsBlocklistedAndDuplicate(t *testing.T) {
	require := require.New(t)

	require.Equal(GateRejectBlocklisted, Admit(addr(1), true, nil))
	require.Equal(GateRejectDuplicate, Admit(addr(1), false, func(Addr) bool { return true }))
	require.Equal(GateAccept, Admit(addr(1), false, func(Addr) bool { return false }))
}

func TestCompleteIncomingFlagsUnreachableOnSilentFailure(t *testing.T) {
	require := require.New(t)
	p := NewPool()
	now := time.Unix(0, 0)

	a := p.Ensure(addr(1), core.SourceTracker, now)
	p.CompleteIncoming(addr(1), false, false, core.PeerID{}, now)
	require.True(a.Unreachable())
	require.Equal(1, a.NumFails)
}

func TestCompleteIncomingSuccessBindsSourceIncoming(t *testing.T) {
	require := require.New(t)
	p := NewPool()
	now := time.Unix(0, 0)
	var pid core.PeerID
	pid[0] = 42

	p.CompleteIncoming(addr(1), true, true, pid, now)
	a, ok := p.Get(addr(1))
	require.True(ok)
	require.Equal(core.SourceIncoming, a.FromFirst)
	require.True(a.HasConnectedPeer)
	require.Equal(pid, a.ConnectedPeer)
}

func TestReconnectPulseReturnsAddressesNotAtoms(t *testing.T) {
	require := require.New(t)
	p := NewPool()
	now := time.Unix(0, 0)
	p.Ensure(addr(1), core.SourceTracker, now)
	p.Ensure(addr(2), core.SourceTracker, now)

	ctl := NewController(p, rand.New(rand.NewSource(5)))
	addrs := ctl.ReconnectPulse(10, 50, TorrentContext{}, now)
	require.Len(addrs, 2)
}
