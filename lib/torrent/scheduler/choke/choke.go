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

// Package choke implements the per-torrent choke/unchoke and
// interested/not-interested controller: periodic upload reciprocation with
// one optimistic slot, and a separate interest decision driven by recent
// cancel/block ratios.
package choke

import (
	"math/rand"
	"sort"
	"time"

	"github.com/quietswarm/peerengine/core"
)

// Config configures a torrent's Controller.
type Config struct {
	UploadSlots int `yaml:"upload_slots"`

	// OptimisticTicks is how many controller ticks an optimistically
	// unchoked peer is immune from rechoking.
	OptimisticTicks int `yaml:"optimistic_ticks"`

	// MinMaxPeers / MaxMaxPeers bound the adaptive interest window.
	MinMaxPeers int `yaml:"min_max_peers"`
	MaxMaxPeers int `yaml:"max_max_peers"`

	// CancelWindow is the lookback window for the blocks-received /
	// cancels-sent classification (60s in spec.md).
	CancelWindow time.Duration `yaml:"cancel_window"`
}

func (c Config) applyDefaults() Config {
	if c.UploadSlots == 0 {
		c.UploadSlots = 4
	}
	if c.OptimisticTicks == 0 {
		c.OptimisticTicks = 4
	}
	if c.MinMaxPeers == 0 {
		c.MinMaxPeers = 5
	}
	if c.MaxMaxPeers == 0 {
		c.MaxMaxPeers = 15
	}
	if c.CancelWindow == 0 {
		c.CancelWindow = 60 * time.Second
	}
	return c
}

// UnchokeCandidate is everything the rechoke pass needs to know about one
// connected, interested-or-not peer.
type UnchokeCandidate struct {
	PeerID      core.PeerID
	IsSeed      bool // peer is a seed or partial seed: never worth unchoking.
	Interested  bool
	WasUnchoked bool
	Rate        float64 // bytes/sec, direction already resolved by the caller.
	NewlyConned bool    // connected recently: 3x weight in the optimistic pool.
}

// UnchokeResult is the outcome of a single rechoke pass.
type UnchokeResult struct {
	Unchoke           map[core.PeerID]bool
	OptimisticPeer     core.PeerID
	HasOptimisticPeer  bool
}

// Controller holds the rechoke state that must persist across ticks: which
// peer (if any) currently holds the optimistic-unchoke slot, and how many
// more ticks its immunity lasts.
type Controller struct {
	config Config
	rng    *rand.Rand

	optimisticPeer      core.PeerID
	hasOptimisticPeer   bool
	optimisticTicksLeft int

	// Interest adaptive state.
	maxPeers           int
	lastHighCancelAt   time.Time
	haveLastHighCancel bool
}

// New creates a Controller.
func New(config Config, rng *rand.Rand) *Controller {
	config = config.applyDefaults()
	return &Controller{
		config:   config,
		rng:      rng,
		maxPeers: config.MinMaxPeers,
	}
}

// Rechoke runs one unchoke pass over the given candidates, per spec.md
// §4.4: seeds/partial-seeds are always choked; if the torrent isn't
// uploading at all every peer is choked; else the top UploadSlots
// interested peers by rate are unchoked (ties broken by was-unchoked, then
// random), plus one optimistic slot chosen uniformly from the remaining
// interested peers with newly-connected peers weighted 3x.
func (c *Controller) Rechoke(candidates []UnchokeCandidate, uploading bool) UnchokeResult {
	result := UnchokeResult{Unchoke: make(map[core.PeerID]bool, len(candidates))}

	if !uploading {
		for _, p := range candidates {
			result.Unchoke[p.PeerID] = false
		}
		c.hasOptimisticPeer = false
		c.optimisticTicksLeft = 0
		return result
	}

	var eligible []UnchokeCandidate
	for _, p := range candidates {
		if p.IsSeed {
			result.Unchoke[p.PeerID] = false
			continue
		}
		eligible = append(eligible, p)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Rate != b.Rate {
			return a.Rate > b.Rate
		}
		if a.WasUnchoked != b.WasUnchoked {
			return a.WasUnchoked
		}
		return c.rng.Intn(2) == 0
	})

	slots := c.config.UploadSlots
	unchokedSet := make(map[core.PeerID]bool)
	for _, p := range eligible {
		if !p.Interested {
			result.Unchoke[p.PeerID] = false
			continue
		}
		if len(unchokedSet) < slots {
			result.Unchoke[p.PeerID] = true
			unchokedSet[p.PeerID] = true
		} else {
			result.Unchoke[p.PeerID] = false
		}
	}

	// Preserve the optimistic slot's immunity if it still has ticks left
	// and is still a candidate.
	if c.hasOptimisticPeer && c.optimisticTicksLeft > 0 {
		if _, ok := result.Unchoke[c.optimisticPeer]; ok {
			result.Unchoke[c.optimisticPeer] = true
			result.OptimisticPeer = c.optimisticPeer
			result.HasOptimisticPeer = true
			c.optimisticTicksLeft--
			return result
		}
	}

	// Pick a fresh optimistic slot from the remaining interested,
	// not-already-unchoked peers, weighting newly-connected peers 3x via a
	// duplicated pool.
	var pool []core.PeerID
	for _, p := range eligible {
		if !p.Interested || unchokedSet[p.PeerID] {
			continue
		}
		weight := 1
		if p.NewlyConned {
			weight = 3
		}
		for i := 0; i < weight; i++ {
			pool = append(pool, p.PeerID)
		}
	}
	if len(pool) == 0 {
		c.hasOptimisticPeer = false
		c.optimisticTicksLeft = 0
		return result
	}
	chosen := pool[c.rng.Intn(len(pool))]
	result.Unchoke[chosen] = true
	result.OptimisticPeer = chosen
	result.HasOptimisticPeer = true
	c.optimisticPeer = chosen
	c.hasOptimisticPeer = true
	c.optimisticTicksLeft = c.config.OptimisticTicks - 1

	return result
}

// InterestClass is a peer's responsiveness classification, per spec.md
// §4.4's block/cancel ratio rule.
type InterestClass int

const (
	ClassUntested InterestClass = iota
	ClassGood
	ClassBad
)

// InterestCandidate is everything the interest pass needs about one peer we
// have at least one wanted piece from.
type InterestCandidate struct {
	PeerID            core.PeerID
	BlocksReceived    int // in the last CancelWindow
	CancelsSent       int // in the last CancelWindow
	HasHighCancelRate bool
}

func classify(blocks, cancels int) InterestClass {
	switch {
	case blocks == 0 && cancels == 0:
		return ClassUntested
	case cancels == 0:
		return ClassGood
	case blocks == 0:
		return ClassBad
	case cancels*10 < blocks:
		return ClassGood
	default:
		return ClassBad
	}
}

// InterestResult is the outcome of a single interest pass.
type InterestResult struct {
	Interested    []core.PeerID
	NotInterested []core.PeerID
	MaxPeers      int
}

// Interest runs one interest pass over peers we have at least one wanted
// piece from, per spec.md §4.4: classify each into good/untested/bad by
// its recent block/cancel ratio, sort good before untested before bad
// (random within class), and declare interest in the top MaxPeers.
//
// highCancelRateNow reports whether this tick itself saw a high cancel
// rate among responsive peers; it drives the adaptive MaxPeers window.
func (c *Controller) Interest(candidates []InterestCandidate, now time.Time, highCancelRateNow bool, cancelRate float64) InterestResult {
	c.adjustMaxPeers(now, highCancelRateNow, cancelRate)

	classified := make([]struct {
		id    core.PeerID
		class InterestClass
	}, len(candidates))
	for i, cand := range candidates {
		classified[i].id = cand.PeerID
		classified[i].class = classify(cand.BlocksReceived, cand.CancelsSent)
	}

	sort.SliceStable(classified, func(i, j int) bool {
		if classified[i].class != classified[j].class {
			return classified[i].class < classified[j].class
		}
		return c.rng.Intn(2) == 0
	})

	res := InterestResult{MaxPeers: c.maxPeers}
	for i, cl := range classified {
		if i < c.maxPeers {
			res.Interested = append(res.Interested, cl.id)
		} else {
			res.NotInterested = append(res.NotInterested, cl.id)
		}
	}
	return res
}

// adjustMaxPeers shrinks MaxPeers multiplicatively on a high cancel rate and
// grows it additively (up to the 15-peer ceiling named in spec.md, bounded
// here by Config.MaxMaxPeers) as time passes since the last high-cancel
// event, per spec.md §4.4.
func (c *Controller) adjustMaxPeers(now time.Time, highCancelRateNow bool, cancelRate float64) {
	if highCancelRateNow {
		if cancelRate > 0.5 {
			cancelRate = 0.5
		}
		c.maxPeers = int(float64(c.maxPeers) * (1 - cancelRate))
		if c.maxPeers < c.config.MinMaxPeers {
			c.maxPeers = c.config.MinMaxPeers
		}
		c.lastHighCancelAt = now
		c.haveLastHighCancel = true
		return
	}

	if !c.haveLastHighCancel {
		return
	}

	elapsed := now.Sub(c.lastHighCancelAt)
	if elapsed <= 0 {
		return
	}
	// Grow additively up to 15 (config ceiling) over two cancel-window
	// intervals.
	growthWindow := 2 * c.config.CancelWindow
	growth := int(float64(c.config.MaxMaxPeers-c.config.MinMaxPeers) * float64(elapsed) / float64(growthWindow))
	target := c.config.MinMaxPeers + growth
	if target > c.config.MaxMaxPeers {
		target = c.config.MaxMaxPeers
	}
	if target > c.maxPeers {
		c.maxPeers = target
	}
}

// MaxPeers returns the controller's current adaptive interest window size.
func (c *Controller) MaxPeers() int {
	return c.maxPeers
}
