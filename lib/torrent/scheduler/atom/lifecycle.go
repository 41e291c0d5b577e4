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
	"time"
)

// Controller drives one torrent's atom pool ageing: the reconnect pulse
// (§4.5) and pool-size maintenance (§4.6). It owns no I/O; callers get back
// a list of addresses to dial and are responsible for actually connecting.
type Controller struct {
	pool *Pool
	rng  *rand.Rand
}

// NewController creates a Controller over pool.
func NewController(pool *Pool, rng *rand.Rand) *Controller {
	return &Controller{pool: pool, rng: rng}
}

// Pool returns the underlying atom pool.
func (c *Controller) Pool() *Pool { return c.pool }

// ReconnectPulse is called on the atom-ageing timer (60s, per spec.md §5).
// It prunes the pool down to size and returns up to want reconnect
// candidates' addresses, best first.
func (c *Controller) ReconnectPulse(want int, maxConnectedPeers int, tc TorrentContext, now time.Time) []Addr {
	c.pool.Prune(maxConnectedPeers, now)

	candidates := c.pool.SelectReconnectCandidates(want, tc, now, c.rng)
	addrs := make([]Addr, len(candidates))
	for i, cand := range candidates {
		addrs[i] = cand.Atom.Addr
	}
	return addrs
}
