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
package ledger

import (
	"math"
	"sync"
	"time"

	"github.com/quietswarm/peerengine/core"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
)

// Request is a single outstanding block request.
type Request struct {
	Block  BlockID
	PeerID core.PeerID
	SentAt time.Time
}

// Manager tracks outstanding block requests for a torrent: which blocks are
// requested from which peers, the per-piece weighted ordering, and the
// endgame factor. It is not responsible for sending or receiving wire
// messages.
type Manager struct {
	mu sync.Mutex

	clk    clock.Clock
	config Config

	pieces *List

	// requests and requestsByPeer hold the same entries, indexed two ways,
	// mirroring the dual-indexed bookkeeping of a simpler whole-piece
	// request ledger generalized here to block granularity.
	requests       map[BlockID][]*Request
	requestsByPeer map[core.PeerID]map[BlockID]*Request

	endgame       bool
	endgameFactor int
}

// NewManager creates a Manager over pieces, which owns the weighted
// piece-selection order for the torrent.
func NewManager(clk clock.Clock, config Config, pieces *List) *Manager {
	return &Manager{
		clk:            clk,
		config:         config.applyDefaults(),
		pieces:         pieces,
		requests:       make(map[BlockID][]*Request),
		requestsByPeer: make(map[core.PeerID]map[BlockID]*Request),
	}
}

// SetEndgame recomputes whether the torrent is in endgame mode, given the
// number of bytes left to download and the configured block size. Endgame
// is entered once outstanding requests, by bytes, would already cover what
// remains; the endgame factor is fixed at the moment of entry and zeroed
// once the torrent falls back out of the condition.
func (m *Manager) SetEndgame(bytesLeft int64, blockSize int, activePeers int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config.DisableEndgame {
		m.endgame = false
		m.endgameFactor = 0
		return
	}

	outstanding := 0
	for _, rs := range m.requests {
		outstanding += len(rs)
	}

	inCondition := int64(outstanding)*int64(blockSize) >= bytesLeft

	if inCondition && !m.endgame {
		denom := activePeers
		if denom < 1 {
			denom = 1
		}
		m.endgameFactor = outstanding / denom
	}
	if !inCondition {
		m.endgameFactor = 0
	}
	m.endgame = inCondition
}

// InEndgame reports whether the torrent is currently in endgame mode.
func (m *Manager) InEndgame() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endgame
}

// Reserve selects up to numwant blocks to request from peerID, walking the
// weighted piece list in its current order. peerHas reports which pieces
// the peer has, and blocksOf returns the not-yet-owned
// blocks within a piece in a stable order.
func (m *Manager) Reserve(
	peerID core.PeerID,
	numwant int,
	peerHas func(piece int) bool,
	blocksOf func(piece int) []BlockID,
) []BlockID {
	if numwant <= 0 {
		return nil
	}

	var out []BlockID
	m.pieces.Each(func(piece int) bool {
		if !peerHas(piece) {
			return true
		}
		for _, b := range blocksOf(piece) {
			if len(out) >= numwant {
				return false
			}
			if m.reserveBlock(peerID, b, numwant-len(out)) {
				out = append(out, b)
			}
		}
		return len(out) < numwant
	})
	return out
}

func (m *Manager) reserveBlock(peerID core.PeerID, b BlockID, budget int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.requests[b]
	if len(existing) > 0 {
		if !m.endgame {
			return false
		}
		// Endgame: allow a second requester only if it still has at most
		// one existing requester, and the candidate's own pending count
		// plus the want-more budget clears the endgame factor.
		if len(existing) > 1 {
			return false
		}
		for _, r := range existing {
			if r.PeerID == peerID {
				return false
			}
		}
		if len(m.requestsByPeer[peerID])+budget <= m.endgameFactor {
			return false
		}
	}

	r := &Request{Block: b, PeerID: peerID, SentAt: m.clk.Now()}
	m.requests[b] = append(m.requests[b], r)
	if m.requestsByPeer[peerID] == nil {
		m.requestsByPeer[peerID] = make(map[BlockID]*Request)
	}
	m.requestsByPeer[peerID][b] = r

	m.pieces.IncrementRequestCount(b.Piece)
	return true
}

// Complete removes every outstanding request for b, e.g. once the block
// has been received and credited.
func (m *Manager) Complete(b BlockID) {
	m.mu.Lock()
	n := len(m.requests[b])
	for i := 0; i < n; i++ {
		m.decrementLocked(b)
	}
	m.mu.Unlock()
}

// Cancel removes a single outstanding request for b made to peerID.
// Idempotent: cancelling an absent request is a no-op.
func (m *Manager) Cancel(peerID core.PeerID, b BlockID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.requestsByPeer[peerID]
	if !ok {
		return false
	}
	if _, ok := pm[b]; !ok {
		return false
	}
	delete(pm, b)
	if len(pm) == 0 {
		delete(m.requestsByPeer, peerID)
	}

	rs := m.requests[b]
	for i, r := range rs {
		if r.PeerID == peerID {
			rs[i] = rs[len(rs)-1]
			rs = rs[:len(rs)-1]
			break
		}
	}
	if len(rs) == 0 {
		delete(m.requests, b)
	} else {
		m.requests[b] = rs
	}
	m.pieces.DecrementRequestCount(b.Piece)
	return true
}

func (m *Manager) decrementLocked(b BlockID) {
	rs := m.requests[b]
	if len(rs) == 0 {
		return
	}
	r := rs[0]
	rs = rs[1:]
	if len(rs) == 0 {
		delete(m.requests, b)
	} else {
		m.requests[b] = rs
	}
	if pm, ok := m.requestsByPeer[r.PeerID]; ok {
		delete(pm, b)
		if len(pm) == 0 {
			delete(m.requestsByPeer, r.PeerID)
		}
	}
	m.pieces.DecrementRequestCount(b.Piece)
}

// ClearPeer removes every outstanding request attributed to peerID, e.g.
// on disconnect.
func (m *Manager) ClearPeer(peerID core.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pm, ok := m.requestsByPeer[peerID]
	if !ok {
		return
	}
	delete(m.requestsByPeer, peerID)
	for b := range pm {
		rs := m.requests[b]
		for i, r := range rs {
			if r.PeerID == peerID {
				rs[i] = rs[len(rs)-1]
				rs = rs[:len(rs)-1]
				break
			}
		}
		if len(rs) == 0 {
			delete(m.requests, b)
		} else {
			m.requests[b] = rs
		}
		m.pieces.DecrementRequestCount(b.Piece)
	}
}

// PendingToPeer returns the number of blocks currently outstanding to
// peerID.
func (m *Manager) PendingToPeer(peerID core.PeerID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requestsByPeer[peerID])
}

// Expired scans for requests older than the configured timeout and removes
// them from the ledger, returning the cancellations the caller must still
// send Cancel messages for. midPieceReceive reports whether a peer is
// currently streaming a Piece payload to us and should be skipped this
// round to avoid cancelling a request that is already arriving.
func (m *Manager) Expired(midPieceReceive func(core.PeerID) bool) []Request {
	cutoff := m.clk.Now().Add(-m.config.RequestTimeout)

	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []Request
	for _, rs := range m.requests {
		for _, r := range rs {
			if r.SentAt.After(cutoff) {
				continue
			}
			if midPieceReceive != nil && midPieceReceive(r.PeerID) {
				continue
			}
			expired = append(expired, *r)
		}
	}

	for _, r := range expired {
		pm := m.requestsByPeer[r.PeerID]
		if pm != nil {
			delete(pm, r.Block)
			if len(pm) == 0 {
				delete(m.requestsByPeer, r.PeerID)
			}
		}
		rs := m.requests[r.Block]
		for i, rr := range rs {
			if rr.PeerID == r.PeerID {
				rs[i] = rs[len(rs)-1]
				rs = rs[:len(rs)-1]
				break
			}
		}
		if len(rs) == 0 {
			delete(m.requests, r.Block)
		} else {
			m.requests[r.Block] = rs
		}
		m.pieces.DecrementRequestCount(r.Block.Piece)
	}
	return expired
}

// DesiredRequestCount implements the desired-request-count formula: the
// number of blocks a peer's pipeline should be kept filled with, given its
// estimated transfer rate and the torrent/session-wide rate caps.
//
// choked, uninterested, seeding, and metadataless torrents desire zero.
func DesiredRequestCount(
	choked, uninterested, seeding, metadataless bool,
	peerRateBps, torrentLimitBps, sessionLimitBps float64,
	blockSize int,
	requestBufSecs float64,
	reqq int,
) int {
	if choked || uninterested || seeding || metadataless {
		return 0
	}
	if blockSize <= 0 {
		return 0
	}

	rate := peerRateBps
	if torrentLimitBps > 0 && torrentLimitBps < rate {
		rate = torrentLimitBps
	}
	if sessionLimitBps > 0 && sessionLimitBps < rate {
		rate = sessionLimitBps
	}

	n := int(math.Floor(rate * requestBufSecs / float64(blockSize)))
	if n < 4 {
		n = 4
	}
	if reqq > 0 && n > reqq {
		n = reqq
	}
	return n
}

// ShouldRefill reports whether current pending has fallen to or below the
// refill threshold (66% of desired).
func ShouldRefill(pending, desired int) bool {
	if desired == 0 {
		return false
	}
	return float64(pending) <= 0.66*float64(desired)
}

// PiecesFromBitset builds the initial piece index slice for NewList from a
// bitset of pieces the torrent still needs.
func PiecesFromBitset(needed *bitset.BitSet) []int {
	var out []int
	for i, ok := needed.NextSet(0); ok; i, ok = needed.NextSet(i + 1) {
		out = append(out, int(i))
	}
	return out
}
