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
package dispatch

import (
	"sync"
	"time"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/conn"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/ledger"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/ltep"

	"github.com/andres-erbsen/clock"
	"github.com/willf/bitset"
)

// maxIncomingRequests bounds the per-peer queue of block requests the peer
// has sent us and is still waiting on.
const maxIncomingRequests = 512

// keepAliveInterval is how long a connection may go without writing
// anything before a zero-length keep-alive frame is due.
const keepAliveInterval = 100 * time.Second

// Outbound batch periods: the priority table governing how long a queued
// message may wait before a flush is forced. Choke/unchoke/interested/
// not-interested and ut_metadata requests go out immediately; Have and
// ut_metadata data are high priority; PEX diffs and ut_metadata rejects are
// low priority. The initial Bitfield (or HaveAll/HaveNone), the LTEP
// handshake, Cancels and Piece payloads are written directly and bypass the
// batch.
const (
	batchImmediate = 0
	batchHigh      = 2 * time.Second
	batchLow       = 10 * time.Second
)

// eventRing counts timestamped events within a trailing window, used to
// classify a peer's recent block/cancel ratio.
type eventRing struct {
	mu     sync.Mutex
	window time.Duration
	times  []time.Time
}

func newEventRing(window time.Duration) *eventRing {
	return &eventRing{window: window}
}

func (r *eventRing) record(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.times = append(r.times, now)
	r.pruneLocked(now)
}

func (r *eventRing) count(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked(now)
	return len(r.times)
}

func (r *eventRing) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.times) && r.times[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		r.times = append([]time.Time(nil), r.times[i:]...)
	}
}

// incomingRequest is a block the peer has asked us for and we have not yet
// answered.
type incomingRequest struct {
	piece, offset, length int
}

// peer consolidates bookkeeping for a remote peer connection bound to a
// single torrent's dispatcher. Unlike an atom, a peer does not survive
// disconnect.
type peer struct {
	id   core.PeerID
	addr string

	// Tracks the pieces which the remote peer has.
	bitfield *syncBitfield

	messages Messages

	clk clock.Clock

	// May be accessed outside of the peer struct.
	pstats *peerStats

	mu sync.Mutex // protects everything below.

	blame *bitset.BitSet

	amChoking      bool
	peerChoking    bool
	amInterested   bool
	peerInterested bool

	incoming []incomingRequest

	strikes int
	doPurge bool

	reqq             int
	supportedExt     map[string]int
	peerMetadataSize int
	hasMetadataSize  bool
	peerPort         int
	supportsUTP      bool

	pexLastSent map[string]ltep.PexPeer

	outbound      []*conn.Message
	hasBatch      bool
	batchedAt     time.Time
	currentPeriod time.Duration

	lastGoodPieceReceived time.Time
	lastPieceSent         time.Time
	lastWriteAt           time.Time

	blocksReceived  *eventRing
	cancelsSent     *eventRing
	cancelsReceived *eventRing
	blocksSent      *eventRing
}

func newPeer(
	peerID core.PeerID,
	addr string,
	b *bitset.BitSet,
	messages Messages,
	clk clock.Clock,
	cancelWindow time.Duration,
	pstats *peerStats) *peer {

	if cancelWindow == 0 {
		cancelWindow = 60 * time.Second
	}

	return &peer{
		id:              peerID,
		addr:            addr,
		bitfield:        newSyncBitfield(b),
		messages:        messages,
		clk:             clk,
		pstats:          pstats,
		blame:           bitset.New(b.Len()),
		amChoking:       true,
		peerChoking:     true,
		pexLastSent:     make(map[string]ltep.PexPeer),
		lastWriteAt:     clk.Now(),
		blocksReceived:  newEventRing(cancelWindow),
		cancelsSent:     newEventRing(cancelWindow),
		cancelsReceived: newEventRing(cancelWindow),
		blocksSent:      newEventRing(cancelWindow),
	}
}

func (p *peer) String() string {
	return p.id.String()
}

// --- choke / interest ---

func (p *peer) isChoked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amChoking
}

func (p *peer) setChoke(choked bool) {
	p.mu.Lock()
	changed := p.amChoking != choked
	p.amChoking = choked
	p.mu.Unlock()
	if !changed {
		return
	}
	if choked {
		p.sendBatched(conn.NewChokeMessage(), batchImmediate)
	} else {
		p.sendBatched(conn.NewUnchokeMessage(), batchImmediate)
	}
}

func (p *peer) isPeerChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoking
}

func (p *peer) setPeerChoking(choked bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerChoking = choked
}

func (p *peer) isInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.amInterested
}

func (p *peer) setInterest(interested bool) {
	p.mu.Lock()
	changed := p.amInterested != interested
	p.amInterested = interested
	p.mu.Unlock()
	if !changed {
		return
	}
	if interested {
		p.sendBatched(conn.NewInterestedMessage(), batchImmediate)
	} else {
		p.sendBatched(conn.NewNotInterestedMessage(), batchImmediate)
	}
}

func (p *peer) isPeerInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterested
}

func (p *peer) setPeerInterested(interested bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.peerInterested = interested
}

// --- blame / strikes ---

func (p *peer) creditBlame(piece int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uint(piece) < p.blame.Len() {
		p.blame.Set(uint(piece))
	}
}

func (p *peer) blamedFor(piece int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return uint(piece) < p.blame.Len() && p.blame.Test(uint(piece))
}

func (p *peer) clearBlame(piece int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if uint(piece) < p.blame.Len() {
		p.blame.Clear(uint(piece))
	}
}

func (p *peer) strike() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.strikes++
	return p.strikes
}

func (p *peer) markPurge() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.doPurge = true
}

func (p *peer) shouldPurge() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.doPurge
}

// --- incoming request queue ---

func (p *peer) enqueueIncoming(piece, offset, length int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.incoming) >= maxIncomingRequests {
		return false
	}
	p.incoming = append(p.incoming, incomingRequest{piece, offset, length})
	return true
}

func (p *peer) dequeueIncoming(piece, offset, length int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.incoming {
		if r.piece == piece && r.offset == offset && r.length == length {
			p.incoming = append(p.incoming[:i], p.incoming[i+1:]...)
			return true
		}
	}
	return false
}

func (p *peer) popIncoming() (incomingRequest, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.incoming) == 0 {
		return incomingRequest{}, false
	}
	r := p.incoming[0]
	p.incoming = p.incoming[1:]
	return r, true
}

func (p *peer) pendingFromPeer() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.incoming)
}

// --- timestamps ---

func (p *peer) getLastGoodPieceReceived() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastGoodPieceReceived
}

func (p *peer) touchLastGoodPieceReceived() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastGoodPieceReceived = p.clk.Now()
}

func (p *peer) getLastPieceSent() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPieceSent
}

func (p *peer) touchLastPieceSent() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPieceSent = p.clk.Now()
}

func (p *peer) getLastWriteAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastWriteAt
}

func (p *peer) touchLastWriteAt() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastWriteAt = p.clk.Now()
}

// --- LTEP ---

func (p *peer) setExtHandshake(h ltep.Handshake) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.supportedExt = h.SupportedExt
	p.reqq = h.Reqq
	p.peerPort = h.Port
	if h.HasMetadataSize {
		p.peerMetadataSize = h.MetadataSize
		p.hasMetadataSize = true
	}
	if _, ok := h.SupportedExt["ut_holepunch"]; ok {
		p.supportsUTP = true
	}
}

func (p *peer) extID(name string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.supportedExt == nil {
		return 0, false
	}
	id, ok := p.supportedExt[name]
	return id, ok
}

func (p *peer) getReqq() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reqq
}

func (p *peer) getMetadataSize() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerMetadataSize, p.hasMetadataSize
}

func (p *peer) pexDiff(view map[string]ltep.PexPeer) (added, dropped []ltep.PexPeer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for addr, pp := range view {
		if _, ok := p.pexLastSent[addr]; !ok {
			added = append(added, pp)
		}
	}
	for addr, pp := range p.pexLastSent {
		if _, ok := view[addr]; !ok {
			dropped = append(dropped, pp)
		}
	}
	p.pexLastSent = view
	return added, dropped
}

// --- outbound batching ---

func (p *peer) sendBatched(msg *conn.Message, period time.Duration) {
	now := p.clk.Now()

	p.mu.Lock()
	if !p.hasBatch {
		p.hasBatch = true
		p.batchedAt = now
		p.currentPeriod = period
	} else if period < p.currentPeriod {
		p.currentPeriod = period
	}
	p.outbound = append(p.outbound, msg)
	due := now.Sub(p.batchedAt) >= p.currentPeriod
	var flushing []*conn.Message
	if due {
		flushing = p.outbound
		p.outbound = nil
		p.hasBatch = false
	}
	p.mu.Unlock()

	if due {
		p.flush(flushing)
	}
}

// maybeFlush flushes the outbound batch if its period has elapsed. Called
// from the bandwidth tick.
func (p *peer) maybeFlush(now time.Time) {
	p.mu.Lock()
	due := p.hasBatch && now.Sub(p.batchedAt) >= p.currentPeriod
	var flushing []*conn.Message
	if due {
		flushing = p.outbound
		p.outbound = nil
		p.hasBatch = false
	}
	p.mu.Unlock()

	if due {
		p.flush(flushing)
	}
}

func (p *peer) flush(msgs []*conn.Message) {
	for _, m := range msgs {
		if err := p.messages.Send(m); err != nil {
			return
		}
	}
	if len(msgs) > 0 {
		p.touchLastWriteAt()
	}
}

// sendPiece writes a Piece payload directly, bypassing the outbound batch.
func (p *peer) sendPiece(msg *conn.Message) error {
	err := p.messages.Send(msg)
	if err == nil {
		p.touchLastWriteAt()
	}
	return err
}

func (p *peer) maybeKeepAlive(now time.Time) {
	if now.Sub(p.getLastWriteAt()) < keepAliveInterval {
		return
	}
	if p.messages.Send(conn.NewKeepAliveMessage()) == nil {
		p.touchLastWriteAt()
	}
}

func blockFromMessage(msg *conn.Message) ledger.BlockID {
	return ledger.BlockID{Piece: msg.Index, Offset: msg.Offset, Length: msg.Length}
}

// peerStats wraps stats collected for a given peer.
type peerStats struct {
	mu                      sync.Mutex
	pieceRequestsSent       int // Blocks we requested from the peer.
	pieceRequestsReceived   int // Blocks the peer requested from us.
	piecesSent              int // Blocks we sent to the peer.
	goodPiecesReceived      int // Blocks we received from the peer that we didn't already have.
	duplicatePiecesReceived int // Blocks we received from the peer that we already had.
}

func (s *peerStats) getPieceRequestsSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieceRequestsSent
}

func (s *peerStats) incrementPieceRequestsSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieceRequestsSent++
}

func (s *peerStats) getPieceRequestsReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pieceRequestsReceived
}

func (s *peerStats) incrementPieceRequestsReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pieceRequestsReceived++
}

func (s *peerStats) getPiecesSent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.piecesSent
}

func (s *peerStats) incrementPiecesSent() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.piecesSent++
}

func (s *peerStats) getGoodPiecesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.goodPiecesReceived
}

func (s *peerStats) incrementGoodPiecesReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.goodPiecesReceived++
}

func (s *peerStats) getDuplicatePiecesReceived() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.duplicatePiecesReceived
}

func (s *peerStats) incrementDuplicatePiecesReceived() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.duplicatePiecesReceived++
}
