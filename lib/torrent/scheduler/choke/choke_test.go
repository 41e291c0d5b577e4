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
package choke

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietswarm/peerengine/core"
)

func peerID(b byte) core.PeerID {
	var p core.PeerID
	p[0] = b
	return p
}

func TestRechokeSeedingRatesPickTopSlots(t *testing.T) {
	require := require.New(t)

	c := New(Config{UploadSlots: 2}, rand.New(rand.NewSource(1)))

	x, y, z, w := peerID(1), peerID(2), peerID(3), peerID(4)
	candidates := []UnchokeCandidate{
		{PeerID: x, Interested: true, Rate: 100},
		{PeerID: y, Interested: true, Rate: 50},
		{PeerID: z, Interested: true, Rate: 20},
		{PeerID: w, Interested: true, Rate: 10},
	}

	res := c.Rechoke(candidates, true)
	require.True(res.Unchoke[x])
	require.True(res.Unchoke[y])
	require.True(res.HasOptimisticPeer)
	require.True(res.OptimisticPeer == z || res.OptimisticPeer == w)
	// Exactly one of z/w is optimistically unchoked; the other is choked.
	require.NotEqual(res.Unchoke[z], res.Unchoke[w])
}

func TestRechokeNotUploadingChokesEveryone(t *testing.T) {
	require := require.New(t)
	c := New(Config{}, rand.New(rand.NewSource(1)))
	x := peerID(1)
	res := c.Rechoke([]UnchokeCandidate{{PeerID: x, Interested: true, Rate: 100}}, false)
	require.False(res.Unchoke[x])
	require.False(res.HasOptimisticPeer)
}

func TestRechokeSeedsAlwaysChoked(t *testing.T) {
	require := require.New(t)
	c := New(Config{UploadSlots: 2}, rand.New(rand.NewSource(1)))
	seed := peerID(1)
	res := c.Rechoke([]UnchokeCandidate{{PeerID: seed, IsSeed: true, Interested: true, Rate: 1000}}, true)
	require.False(res.Unchoke[seed])
}

func TestOptimisticSlotPersistsForConfiguredTicks(t *testing.T) {
	require := require.New(t)
	// One regular slot, taken by the faster peer; the slower peer can only
	// be unchoked optimistically.
	c := New(Config{UploadSlots: 1, OptimisticTicks: 4}, rand.New(rand.NewSource(2)))

	fast, optimistic := peerID(1), peerID(9)
	candidates := []UnchokeCandidate{
		{PeerID: fast, Interested: true, Rate: 100},
		{PeerID: optimistic, Interested: true, Rate: 1},
	}

	res := c.Rechoke(candidates, true)
	require.True(res.HasOptimisticPeer)
	require.Equal(optimistic, res.OptimisticPeer)

	for i := 0; i < 3; i++ {
		res = c.Rechoke(candidates, true)
		require.True(res.Unchoke[optimistic], "optimistic peer should remain unchoked tick %d", i)
	}
}

func TestInterestClassification(t *testing.T) {
	require := require.New(t)
	require.Equal(ClassUntested, classify(0, 0))
	require.Equal(ClassGood, classify(100, 0))
	require.Equal(ClassBad, classify(0, 5))
	require.Equal(ClassGood, classify(100, 5))
	require.Equal(ClassBad, classify(10, 5))
}

func TestInterestTopMaxPeersDeclaredInterested(t *testing.T) {
	require := require.New(t)
	c := New(Config{MinMaxPeers: 2, MaxMaxPeers: 15}, rand.New(rand.NewSource(3)))

	good, bad := peerID(1), peerID(2)
	candidates := []InterestCandidate{
		{PeerID: bad, BlocksReceived: 0, CancelsSent: 5},
		{PeerID: good, BlocksReceived: 100, CancelsSent: 0},
	}
	res := c.Interest(candidates, time.Unix(0, 0), false, 0)
	require.Equal(2, res.MaxPeers) // no shrink yet, default is MinMaxPeers
	require.Contains(res.Interested, good)
}

func TestMaxPeersShrinksOnHighCancelAndRegrowsOverTime(t *testing.T) {
	require := require.New(t)
	c := New(Config{MinMaxPeers: 10, MaxMaxPeers: 15, CancelWindow: time.Minute}, rand.New(rand.NewSource(4)))
	c.maxPeers = 15

	now := time.Unix(1000, 0)
	c.Interest(nil, now, true, 0.4)
	require.Less(c.maxPeers, 15)

	// Two cancel windows later, should have regrown to the ceiling.
	later := now.Add(2 * time.Minute)
	c.Interest(nil, later, false, 0)
	require.Equal(15, c.maxPeers)
}
