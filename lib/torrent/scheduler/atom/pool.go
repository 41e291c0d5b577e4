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
	"sort"
	"sync"
	"time"

	"github.com/quietswarm/peerengine/core"
)

// Pool is the per-torrent set of known atoms, keyed by endpoint address.
// There is no direct teacher equivalent: Kraken's announcer fetches a fresh
// peer list per tracker round trip and discards it, since blob transfer
// piggybacks on a hash ring rather than a pool of reconnect candidates. This
// pool generalizes the connstate package's live-connection-set bookkeeping
// (see DESIGN.md) to also track not-yet-connected candidates.
type Pool struct {
	mu    sync.Mutex
	atoms map[string]*Atom
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{atoms: make(map[string]*Atom)}
}

// Ensure returns the atom for addr, creating it from source if this is the
// first time addr has been observed, or tightening its FromBest if not.
func (p *Pool) Ensure(addr Addr, source core.Source, now time.Time) *Atom {
	p.mu.Lock()
	defer p.mu.Unlock()

	key := addr.String()
	a, ok := p.atoms[key]
	if !ok {
		a = New(addr, source, now)
		p.atoms[key] = a
		return a
	}
	a.Observe(source, now)
	return a
}

// Get looks up an atom by address without creating one.
func (p *Pool) Get(addr Addr) (*Atom, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.atoms[addr.String()]
	return a, ok
}

// Remove permanently discards the atom for addr.
func (p *Pool) Remove(addr Addr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.atoms, addr.String())
}

// Len returns the number of atoms currently pooled.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.atoms)
}

// Each calls f for every pooled atom in an unspecified order, stopping early
// if f returns false. f must not call back into the Pool.
func (p *Pool) Each(f func(*Atom) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.atoms {
		if !f(a) {
			return
		}
	}
}

// maxSize returns the maximum number of atoms a pool should retain, given
// the torrent's configured peer limit, per spec.md §4.6.
func maxSize(maxConnectedPeers int) int {
	n := maxConnectedPeers
	switch {
	case n >= 55:
		return n + 150
	case n >= 20:
		return 2*n + 95
	default:
		return 4*n + 55
	}
}

// Prune enforces the §4.6 pool size cap: atoms with a live connection are
// always kept; beyond that, atoms are sorted by recency (piece data
// received in the last hour wins, then shelf date) and the newest ones up
// to the cap are kept. It returns the number of atoms evicted.
func (p *Pool) Prune(maxConnectedPeers int, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	limit := maxSize(maxConnectedPeers)
	if len(p.atoms) <= limit {
		return 0
	}

	type scored struct {
		key string
		a   *Atom
	}
	all := make([]scored, 0, len(p.atoms))
	for k, a := range p.atoms {
		all = append(all, scored{k, a})
	}

	recentCutoff := now.Add(-time.Hour)
	sort.Slice(all, func(i, j int) bool {
		ai, aj := all[i].a, all[j].a
		if ai.HasConnectedPeer != aj.HasConnectedPeer {
			return ai.HasConnectedPeer // connected atoms sort first (kept).
		}
		iRecent := ai.PieceDataTime.After(recentCutoff)
		jRecent := aj.PieceDataTime.After(recentCutoff)
		if iRecent != jRecent {
			return iRecent
		}
		return ai.ShelfDate.After(aj.ShelfDate)
	})

	evicted := 0
	for i := limit; i < len(all); i++ {
		if all[i].a.HasConnectedPeer {
			continue
		}
		delete(p.atoms, all[i].key)
		evicted++
	}
	return evicted
}
