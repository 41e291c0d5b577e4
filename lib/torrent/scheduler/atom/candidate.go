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
	"sort"
	"time"
)

// TorrentContext is the torrent-level state that factors into a reconnect
// candidate's score, independent of the atom itself.
type TorrentContext struct {
	// Priority is the torrent's scheduling priority: 0 is highest.
	Priority int
	// RecentlyStarted is true for a torrent added in roughly the last
	// couple of minutes, whose reconnects should be favored to get it
	// off the ground quickly.
	RecentlyStarted bool
	// Seeding is true once the torrent is complete: its reconnects are
	// deprioritized relative to torrents still downloading.
	Seeding bool
}

func boolBit(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// seedProbabilityCategory packs SeedProbability into an 8-bit field where a
// lower value is always more attractive: a known seed (100) sorts worst,
// an unknown probability sorts second-worst, and any other estimate sorts
// by the estimate itself (lower estimated seed probability floats to the
// top, since seeds are the least useful reconnect target when we are
// ourselves still downloading from the swarm's non-seed population first).
func seedProbabilityCategory(p int) uint64 {
	switch {
	case p >= 100:
		return 255
	case p == UnknownSeedProbability:
		return 254
	case p < 0:
		return 254
	default:
		return uint64(p)
	}
}

// Score packs a reconnect candidate's ranking fields into a single uint64
// per spec.md §4.5, most significant field first, so that ordinary integer
// comparison reproduces the documented tie-break order and a lower score is
// always a better candidate:
//
//  1. failed last attempt (1 bit)
//  2. last_connection_attempt_at, unix seconds (32 bits)
//  3. torrent priority (4 bits)
//  4. torrent recently started (1 bit)
//  5. torrent seeding (1 bit)
//  6. connectable flag known (1 bit)
//  7. seed probability category (8 bits)
//  8. from_best discovery source (4 bits)
//  9. random salt (8 bits)
func Score(a *Atom, tc TorrentContext, rng *rand.Rand) uint64 {
	var failedLast uint64
	if a.NumFails > 0 {
		failedLast = 1
	}

	var lastAttempt uint64
	if !a.LastConnectionAttemptAt.IsZero() {
		lastAttempt = uint64(a.LastConnectionAttemptAt.Unix()) & 0xFFFFFFFF
	}

	priority := uint64(tc.Priority) & 0xF
	connectableKnown := boolBit(a.Flags&FlagConnectable != 0)
	seedProb := seedProbabilityCategory(a.SeedProbability)
	fromBest := uint64(a.FromBest) & 0xF
	salt := uint64(rng.Intn(256))

	score := failedLast
	score = score<<32 | lastAttempt
	score = score<<4 | priority
	score = score<<1 | boolBit(tc.RecentlyStarted)
	score = score<<1 | boolBit(tc.Seeding)
	score = score<<1 | connectableKnown
	score = score<<8 | seedProb
	score = score<<4 | fromBest
	score = score<<8 | salt
	return score
}

// Candidate pairs an atom with its reconnect score.
type Candidate struct {
	Atom  *Atom
	Score uint64
}

// SelectReconnectCandidates scores every eligible atom in the pool (alive,
// not banned, not connected, backoff elapsed) and returns the n
// lowest-scoring (best) candidates, per spec.md §4.5. Atoms are not fully
// sorted: the candidate slice is partitioned around the nth best via
// quickselect, then only that prefix is sorted, avoiding an O(m log m) sort
// of the whole pool on every reconnect pulse.
func (p *Pool) SelectReconnectCandidates(n int, tc TorrentContext, now time.Time, rng *rand.Rand) []Candidate {
	if n <= 0 {
		return nil
	}

	var pool []Candidate
	p.Each(func(a *Atom) bool {
		if a.Banned() || a.HasConnectedPeer {
			return true
		}
		if !ReadyToReconnect(a, now) {
			return true
		}
		pool = append(pool, Candidate{Atom: a, Score: Score(a, tc, rng)})
		return true
	})

	if len(pool) <= n {
		sort.Slice(pool, func(i, j int) bool { return pool[i].Score < pool[j].Score })
		return pool
	}

	quickselect(pool, n)
	best := pool[:n]
	sort.Slice(best, func(i, j int) bool { return best[i].Score < best[j].Score })
	return best
}

// quickselect partitions c in place so that the n smallest-scoring elements
// occupy c[:n], in arbitrary order, via Lomuto-style partitioning around a
// middle pivot.
func quickselect(c []Candidate, n int) {
	lo, hi := 0, len(c)-1
	for lo < hi {
		p := partition(c, lo, hi)
		switch {
		case p == n:
			return
		case p < n:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
}

// partition moves the middle element of c[lo..hi] to its sorted position p
// and returns p: every element before p scores lower, none after it lower.
func partition(c []Candidate, lo, hi int) int {
	mid := (lo + hi) / 2
	c[mid], c[hi] = c[hi], c[mid]
	pivot := c[hi].Score
	store := lo
	for i := lo; i < hi; i++ {
		if c[i].Score < pivot {
			c[i], c[store] = c[store], c[i]
			store++
		}
	}
	c[store], c[hi] = c[hi], c[store]
	return store
}
