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
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/lib/torrent/networkevent"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/choke"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/conn"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/ledger"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/ltep"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/replication"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/torrentlog"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
	"go.uber.org/zap"
	"golang.org/x/sync/syncmap"
)

var (
	errPeerAlreadyDispatched = errors.New("peer is already dispatched for the torrent")
	errRepeatedBitfield      = errors.New("received repeated bitfield message")
)

// maxBanStrikes is how many corrupt-piece strikes a peer may accumulate
// before the dispatcher asks the caller to ban it outright.
const maxBanStrikes = 3

// pexInterval is how often a fresh PEX diff is sent to every peer
// supporting ut_pex, per BEP 11.
const pexInterval = 90 * time.Second

// defaultInterestCancelWindow is the lookback window used to classify a
// peer's responsiveness for the separate-interest decision. Mirrors the
// choke controller's own default CancelWindow so the two views of "recent"
// stay consistent.
const defaultInterestCancelWindow = 60 * time.Second

// Events defines Dispatcher events.
type Events interface {
	DispatcherComplete(*Dispatcher)
	PeerRemoved(core.PeerID, core.InfoHash)

	// PeerBanned is invoked once a peer has accumulated maxBanStrikes
	// corrupt-block strikes against it. The atom pool, which outlives any
	// single Dispatcher, is responsible for acting on the ban.
	PeerBanned(core.PeerID, core.InfoHash, int)

	// GotMetadata is invoked once a ut_metadata exchange with some peer
	// finishes assembling the torrent's complete info dictionary.
	GotMetadata(core.InfoHash, []byte)

	// DiscoveredPeers is invoked with the peer endpoints a ut_pex message
	// from peer just added. Admitting them into the atom pool is a
	// scheduler-level concern; the wire session only decodes and reports.
	DiscoveredPeers(h core.InfoHash, peer core.PeerID, peers []ltep.PexPeer)
}

// Messages defines a subset of conn.Conn methods which Dispatcher requires to
// communicate with remote peers.
type Messages interface {
	Send(msg *conn.Message) error
	Receiver() <-chan *conn.Message
	Close()
}

// MetadataSource is an optional interface a Torrent may implement to serve
// its own info dictionary over ut_metadata (BEP 9). Torrents without it
// (or whose metadata is not yet known locally) reject every metadata
// request.
type MetadataSource interface {
	Metadata() []byte
}

// PiecePrioritizer is an optional interface a Torrent may implement to
// weight its own pieces by file-priority and wanted/dnd selection. A piece
// covered only by do-not-download files should return a priority that
// sorts last; pieces without this interface are uniform priority.
type PiecePrioritizer interface {
	PiecePriority(piece int) int
}

// torrentWeigher adapts a Dispatcher's torrent and block size into the
// ledger's Weigher interface: a piece's Missing count is its total block
// count whenever the piece isn't yet complete (the underlying Torrent
// contract only models piece-level, not block-level, completion). Priority
// is read from the torrent's PiecePrioritizer when it implements one, and
// uniform otherwise.
type torrentWeigher struct {
	d *Dispatcher
}

func (w torrentWeigher) PieceCounts(piece int) ledger.PieceCounts {
	d := w.d
	if d.torrent.Bitfield().Test(uint(piece)) {
		return ledger.PieceCounts{Missing: 0, NumBlocks: 0, Priority: 0}
	}
	n := ledger.NumBlocks(int(d.torrent.PieceLength(piece)), d.blockSize)
	priority := 0
	if p, ok := d.torrent.Torrent.(PiecePrioritizer); ok {
		priority = p.PiecePriority(piece)
	}
	return ledger.PieceCounts{Missing: n, NumBlocks: n, Priority: priority}
}

// Dispatcher coordinates torrent state with sending / receiving messages
// between multiple peers. Dispatcher and Torrent have a one-to-one
// relationship, while Dispatcher and Conn have a one-to-many relationship.
type Dispatcher struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	createdAt   time.Time
	localPeerID core.PeerID
	torrent     *torrentAccessWatcher
	blockSize   int

	peers     syncmap.Map // core.PeerID -> *peer
	peerStats syncmap.Map // core.PeerID -> *peerStats, persists on peer removal.

	replication *replication.Map
	pieces      *ledger.List
	requests    *ledger.Manager
	choke       *choke.Controller
	rng         *rand.Rand

	localExtIDs       map[string]int
	metadataRequester *ltep.Requester
	lastPexAt         time.Time

	metaMu       sync.Mutex
	metaTotal    int
	metaBuf      []byte
	metaReceived *bitset.BitSet
	metaDone     bool

	netevents networkevent.Producer

	pendingPiecesDoneOnce sync.Once
	pendingPiecesDone     chan struct{}
	completeOnce          sync.Once
	events                Events
	logger                *zap.SugaredLogger
	torrentlog            *torrentlog.Logger
}

// New creates a new Dispatcher.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	netevents networkevent.Producer,
	events Events,
	peerID core.PeerID,
	t Torrent,
	logger *zap.SugaredLogger,
	tlog *torrentlog.Logger) (*Dispatcher, error) {

	d, err := newDispatcher(config, stats, clk, netevents, events, peerID, t, logger, tlog)
	if err != nil {
		return nil, err
	}

	// Exits when d.pendingPiecesDone is closed.
	go d.watchExpiredRequests()

	if t.Complete() {
		d.complete()
	}

	return d, nil
}

// newDispatcher creates a new Dispatcher with no side-effects for testing purposes.
func newDispatcher(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	netevents networkevent.Producer,
	events Events,
	peerID core.PeerID,
	t Torrent,
	logger *zap.SugaredLogger,
	tlog *torrentlog.Logger) (*Dispatcher, error) {

	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "dispatch",
	})

	blockSize := t.BlockSize()
	if blockSize <= 0 {
		blockSize = ledger.DefaultBlockSize
	}

	d := &Dispatcher{
		config:            config,
		stats:             stats,
		clk:               clk,
		createdAt:         clk.Now(),
		localPeerID:       peerID,
		torrent:           newTorrentAccessWatcher(t, clk),
		blockSize:         blockSize,
		replication:       replication.New(t.NumPieces()),
		rng:               rand.New(rand.NewSource(clk.Now().UnixNano())),
		localExtIDs:       map[string]int{ltep.ExtMetadata: 1, ltep.ExtPEX: 2},
		metadataRequester: ltep.NewRequester(),
		netevents:         netevents,
		pendingPiecesDone: make(chan struct{}),
		events:            events,
		logger:            logger,
		torrentlog:        tlog,
	}
	if _, ok := t.(MetadataSource); ok {
		d.metaDone = true
	}

	needed := t.Bitfield().Complement()
	d.pieces = ledger.NewList(ledger.PiecesFromBitset(needed), torrentWeigher{d}, d.replication)
	d.requests = ledger.NewManager(clk, config.Ledger, d.pieces)
	d.choke = choke.New(choke.Config{}, d.rng)

	return d, nil
}

// InfoHash returns d's torrent hash.
func (d *Dispatcher) InfoHash() core.InfoHash {
	return d.torrent.InfoHash()
}

// Length returns d's torrent length.
func (d *Dispatcher) Length() int64 {
	return d.torrent.Length()
}

// Complete returns true if d's torrent is complete.
func (d *Dispatcher) Complete() bool {
	return d.torrent.Complete()
}

// CreatedAt returns when d was created.
func (d *Dispatcher) CreatedAt() time.Time {
	return d.createdAt
}

// LastGoodPieceReceived returns when d last received a valid and needed
// block from peerID.
func (d *Dispatcher) LastGoodPieceReceived(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastGoodPieceReceived()
}

// LastPieceSent returns when d last sent a block to peerID.
func (d *Dispatcher) LastPieceSent(peerID core.PeerID) time.Time {
	v, ok := d.peers.Load(peerID)
	if !ok {
		return time.Time{}
	}
	return v.(*peer).getLastPieceSent()
}

// LastReadTime returns when d's torrent was last read from.
func (d *Dispatcher) LastReadTime() time.Time {
	return d.torrent.getLastReadTime()
}

// LastWriteTime returns when d's torrent was last written to.
func (d *Dispatcher) LastWriteTime() time.Time {
	return d.torrent.getLastWriteTime()
}

// Empty returns true if the Dispatcher has no peers.
func (d *Dispatcher) Empty() bool {
	empty := true
	d.peers.Range(func(k, v interface{}) bool {
		empty = false
		return false
	})
	return empty
}

// NumPeers returns the number of peers currently attached to the Dispatcher.
func (d *Dispatcher) NumPeers() int {
	n := 0
	d.peers.Range(func(k, v interface{}) bool {
		n++
		return true
	})
	return n
}

// RemoteBitfields returns the bitfields of peers connected to the dispatcher.
func (d *Dispatcher) RemoteBitfields() map[core.PeerID]*bitset.BitSet {
	out := make(map[core.PeerID]*bitset.BitSet)
	d.peers.Range(func(k, v interface{}) bool {
		out[k.(core.PeerID)] = v.(*peer).bitfield.Copy()
		return true
	})
	return out
}

// AddPeer registers a new peer with the Dispatcher, sends our own
// bitfield (or HaveAll/HaveNone per the Fast Extension), and advertises our
// LTEP extensions.
func (d *Dispatcher) AddPeer(peerID core.PeerID, addr string, b *bitset.BitSet, messages Messages) error {
	p, err := d.addPeer(peerID, addr, b, messages)
	if err != nil {
		return err
	}

	if d.torrent.Complete() {
		messages.Send(conn.NewHaveAllMessage())
	} else if d.torrent.Bitfield().None() {
		messages.Send(conn.NewHaveNoneMessage())
	} else {
		messages.Send(conn.NewBitfieldMessage(encodeBitfield(d.torrent.Bitfield())))
	}

	local := ltep.Local{Extensions: d.localExtIDs, Reqq: d.config.Ledger.PipelineLimit}
	if body, err := ltep.Encode(local); err == nil {
		messages.Send(conn.NewExtendedMessage(0, body))
	}

	go d.feed(p)
	return nil
}

// addPeer creates and inserts a new peer into the Dispatcher. Split from AddPeer
// with no goroutine side-effects for testing purposes.
func (d *Dispatcher) addPeer(
	peerID core.PeerID, addr string, b *bitset.BitSet, messages Messages) (*peer, error) {

	pstats := &peerStats{}
	if s, ok := d.peerStats.LoadOrStore(peerID, pstats); ok {
		pstats = s.(*peerStats)
	}

	p := newPeer(peerID, addr, b, messages, d.clk, defaultInterestCancelWindow, pstats)
	if _, ok := d.peers.LoadOrStore(peerID, p); ok {
		return nil, errPeerAlreadyDispatched
	}

	d.replication.AddSet(b)
	return p, nil
}

func (d *Dispatcher) removePeer(p *peer) error {
	d.peers.Delete(p.id)
	d.requests.ClearPeer(p.id)
	d.replication.RemoveSet(p.bitfield.Copy())
	return nil
}

// TearDown closes all Dispatcher connections.
func (d *Dispatcher) TearDown() {
	d.pendingPiecesDoneOnce.Do(func() {
		close(d.pendingPiecesDone)
	})

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		d.log("peer", p).Info("Dispatcher teardown closing connection")
		p.messages.Close()
		return true
	})

	summaries := make(torrentlog.LeecherSummaries, 0)
	d.peerStats.Range(func(k, v interface{}) bool {
		peerID := k.(core.PeerID)
		pstats := v.(*peerStats)
		summaries = append(summaries, torrentlog.LeecherSummary{
			PeerID:           peerID,
			RequestsReceived: pstats.getPieceRequestsReceived(),
			BlocksSent:       pstats.getPiecesSent(),
		})
		return true
	})

	if err := d.torrentlog.LeecherSummaries(d.torrent.InfoHash(), summaries); err != nil {
		d.log().Errorf("Error logging incoming block request summary: %s", err)
	}
}

func (d *Dispatcher) String() string {
	return fmt.Sprintf("Dispatcher(%s)", d.torrent.InfoHash())
}

func (d *Dispatcher) complete() {
	d.completeOnce.Do(func() { go d.events.DispatcherComplete(d) })
	d.pendingPiecesDoneOnce.Do(func() { close(d.pendingPiecesDone) })

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.bitfield.Complete() {
			d.log("peer", p).Info("Closing connection to completed peer")
			p.messages.Close()
		}
		return true
	})

	var blocksRequestedTotal int
	summaries := make(torrentlog.SeederSummaries, 0)
	d.peerStats.Range(func(k, v interface{}) bool {
		peerID := k.(core.PeerID)
		pstats := v.(*peerStats)
		requested := pstats.getPieceRequestsSent()
		blocksRequestedTotal += requested
		summaries = append(summaries, torrentlog.SeederSummary{
			PeerID:                  peerID,
			RequestsSent:            requested,
			GoodBlocksReceived:      pstats.getGoodPiecesReceived(),
			DuplicateBlocksReceived: pstats.getDuplicatePiecesReceived(),
		})
		return true
	})

	if blocksRequestedTotal > 0 {
		if err := d.torrentlog.SeederSummaries(d.torrent.InfoHash(), summaries); err != nil {
			d.log().Errorf("Error logging outgoing block request summary: %s", err)
		}
	}
}

// --- periodic ticks, driven by the scheduler's timers ---

// BandwidthTick flushes any peer whose outbound batch period has elapsed
// and sends keep-alives to idle connections. Driven by the 500ms
// bandwidth timer.
func (d *Dispatcher) BandwidthTick(now time.Time) {
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		p.maybeFlush(now)
		p.maybeKeepAlive(now)
		return true
	})
}

// RefillUpkeepTick expires stale requests, resends their cancellations, and
// tops off every unchoked peer's pipeline. Driven by the 10s
// refill-upkeep timer.
func (d *Dispatcher) RefillUpkeepTick() {
	d.expireAndRefill()
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		d.maybeRequestMorePieces(p)
		return true
	})
	d.maybeSendPex()
	d.expireMetadataRequests()
}

// RechokeTick runs one choke/unchoke and interest pass over all connected
// peers. Driven by the 10s rechoke timer.
func (d *Dispatcher) RechokeTick(now time.Time, uploading bool) {
	var candidates []choke.UnchokeCandidate
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		candidates = append(candidates, choke.UnchokeCandidate{
			PeerID:      p.id,
			IsSeed:      p.bitfield.Complete(),
			Interested:  p.isPeerInterested(),
			WasUnchoked: !p.isChoked(),
			Rate:        float64(p.pstats.getPiecesSent()),
		})
		return true
	})
	result := d.choke.Rechoke(candidates, uploading)
	for peerID, unchoke := range result.Unchoke {
		if v, ok := d.peers.Load(peerID); ok {
			v.(*peer).setChoke(!unchoke)
		}
	}

	var interestCandidates []choke.InterestCandidate
	var totalBlocks, totalCancels int
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		if p.bitfield.Intersection(d.torrent.Bitfield().Complement()).None() {
			return true
		}
		blocks := p.blocksReceived.count(now)
		cancels := p.cancelsSent.count(now)
		totalBlocks += blocks
		totalCancels += cancels
		interestCandidates = append(interestCandidates, choke.InterestCandidate{
			PeerID:         p.id,
			BlocksReceived: blocks,
			CancelsSent:    cancels,
		})
		return true
	})
	var cancelRate float64
	if totalBlocks > 0 {
		cancelRate = float64(totalCancels) / float64(totalBlocks)
	}
	highCancel := totalBlocks > 0 && totalCancels*10 >= totalBlocks
	interestResult := d.choke.Interest(interestCandidates, now, highCancel, cancelRate)
	for _, peerID := range interestResult.Interested {
		if v, ok := d.peers.Load(peerID); ok {
			v.(*peer).setInterest(true)
		}
	}
	for _, peerID := range interestResult.NotInterested {
		if v, ok := d.peers.Load(peerID); ok {
			v.(*peer).setInterest(false)
		}
	}
}

func (d *Dispatcher) endgame() bool {
	return d.requests.InEndgame()
}

func (d *Dispatcher) maybeRequestMorePieces(p *peer) {
	if p.isPeerChoking() || !p.isInterested() {
		return
	}
	bytesLeft := d.torrent.Length()
	have := d.torrent.Bitfield()
	for i, ok := have.NextSet(0); ok; i, ok = have.NextSet(i + 1) {
		bytesLeft -= d.torrent.PieceLength(int(i))
	}
	d.requests.SetEndgame(bytesLeft, d.blockSize, d.NumPeers())

	pending := d.requests.PendingToPeer(p.id)
	reqq := p.getReqq()
	desired := ledger.DesiredRequestCount(
		false, false, d.torrent.Complete(), false,
		0, 0, 0, d.blockSize, d.config.RequestBufSecs, reqq)
	if limit := d.config.Ledger.PipelineLimit; limit > 0 && desired > limit {
		desired = limit
	}
	if !ledger.ShouldRefill(pending, desired) {
		return
	}
	numwant := desired - pending
	if numwant <= 0 {
		return
	}

	blocks := d.requests.Reserve(p.id, numwant, func(piece int) bool {
		return p.bitfield.Has(uint(piece))
	}, func(piece int) []ledger.BlockID {
		return d.blocksOf(piece)
	})

	for _, b := range blocks {
		if err := p.messages.Send(conn.NewRequestMessage(b.Piece, b.Offset, b.Length)); err != nil {
			d.requests.Cancel(p.id, b)
			return
		}
		p.pstats.incrementPieceRequestsSent()
		d.netevents.Produce(
			networkevent.GotHaveEvent(d.torrent.InfoHash(), d.localPeerID, p.id, b.Piece))
	}
}

// blocksOf returns every block of piece, in offset order.
// Since the underlying Torrent contract only exposes piece-level
// completion, every block of an incomplete piece is a candidate; the
// ledger itself is responsible for refusing to double-reserve a block
// outside of endgame.
func (d *Dispatcher) blocksOf(piece int) []ledger.BlockID {
	length := int(d.torrent.PieceLength(piece))
	n := ledger.NumBlocks(length, d.blockSize)
	blocks := make([]ledger.BlockID, n)
	for i := 0; i < n; i++ {
		offset := i * d.blockSize
		blocks[i] = ledger.BlockID{Piece: piece, Offset: offset, Length: ledger.BlockLength(length, d.blockSize, i)}
	}
	return blocks
}

func (d *Dispatcher) expireAndRefill() {
	expired := d.requests.Expired(func(peerID core.PeerID) bool {
		v, ok := d.peers.Load(peerID)
		if !ok {
			return false
		}
		// Skip cancelling a request to a peer that is actively sending us
		// data right now.
		return d.clk.Now().Sub(v.(*peer).getLastGoodPieceReceived()) < time.Second
	})
	timedOut := make(map[core.PeerID]bool)
	for _, r := range expired {
		timedOut[r.PeerID] = true
		if v, ok := d.peers.Load(r.PeerID); ok {
			p := v.(*peer)
			p.messages.Send(conn.NewCancelMessage(r.Block.Piece, r.Block.Offset, r.Block.Length))
			p.cancelsSent.record(d.clk.Now())
		}
	}
	// Re-request the freed blocks from every peer whose requests did not
	// just time out.
	d.peers.Range(func(k, v interface{}) bool {
		if p := v.(*peer); !timedOut[p.id] {
			d.maybeRequestMorePieces(p)
		}
		return true
	})
}

func (d *Dispatcher) maybeSendPex() {
	now := d.clk.Now()
	if now.Sub(d.lastPexAt) < pexInterval {
		return
	}
	d.lastPexAt = now

	view := make(map[string]ltep.PexPeer)
	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		addr := p.addr
		if addr == "" {
			return true
		}
		var flags ltep.PexFlags
		if p.bitfield.Complete() {
			flags |= ltep.PexIsSeed
		}
		if pp, ok := parsePexAddr(addr); ok {
			pp.Flags = flags
			view[addr] = pp
		}
		return true
	})

	d.peers.Range(func(k, v interface{}) bool {
		p := v.(*peer)
		id, ok := p.extID(ltep.ExtPEX)
		if !ok {
			return true
		}
		peerView := make(map[string]ltep.PexPeer, len(view))
		for addr, pp := range view {
			if addr != p.addr {
				peerView[addr] = pp
			}
		}
		added, dropped := p.pexDiff(peerView)
		if len(added) == 0 && len(dropped) == 0 {
			return true
		}
		body, err := ltep.EncodePex(added, dropped)
		if err != nil {
			return true
		}
		p.sendBatched(conn.NewExtendedMessage(byte(id), body), batchLow)
		return true
	})
}

func (d *Dispatcher) expireMetadataRequests() {
	d.metadataRequester.Expired(d.clk.Now())
}

func (d *Dispatcher) watchExpiredRequests() {
	for {
		select {
		case <-d.clk.After(d.config.Ledger.RequestTimeout / 2):
			d.expireAndRefill()
		case <-d.pendingPiecesDone:
			return
		}
	}
}

// feed reads off of peer and handles incoming messages. When peer's messages
// close, the feed goroutine removes peer from the Dispatcher and exits.
func (d *Dispatcher) feed(p *peer) {
	for msg := range p.messages.Receiver() {
		if err := d.dispatch(p, msg); err != nil {
			d.log().Errorf("Error dispatching message: %s", err)
		}
	}
	d.removePeer(p)
	d.events.PeerRemoved(p.id, d.torrent.InfoHash())
}

func (d *Dispatcher) dispatch(p *peer, msg *conn.Message) error {
	switch msg.ID {
	case conn.IDChoke:
		p.setPeerChoking(true)
		d.netevents.Produce(networkevent.GotChokeEvent(d.torrent.InfoHash(), d.localPeerID, p.id))
	case conn.IDUnchoke:
		p.setPeerChoking(false)
		d.netevents.Produce(networkevent.GotUnchokeEvent(d.torrent.InfoHash(), d.localPeerID, p.id))
		d.maybeRequestMorePieces(p)
	case conn.IDInterested:
		p.setPeerInterested(true)
	case conn.IDNotInterested:
		p.setPeerInterested(false)
	case conn.IDHave:
		d.handleHave(p, msg.Index)
	case conn.IDBitfield:
		return d.handleBitfield(p, msg.Bitfield)
	case conn.IDHaveAll:
		d.handleHaveAll(p)
	case conn.IDHaveNone:
		d.netevents.Produce(networkevent.GotHaveNoneEvent(d.torrent.InfoHash(), d.localPeerID, p.id))
	case conn.IDRequest:
		d.handleRequest(p, msg)
	case conn.IDPiece:
		d.handlePiece(p, msg)
	case conn.IDCancel:
		p.dequeueIncoming(msg.Index, msg.Offset, msg.Length)
	case conn.IDReject:
		d.handleReject(p, msg)
	case conn.IDSuggestPiece:
		d.netevents.Produce(networkevent.GotSuggestEvent(d.torrent.InfoHash(), d.localPeerID, p.id, msg.Index))
	case conn.IDAllowedFast:
		d.netevents.Produce(networkevent.GotAllowedFastEvent(d.torrent.InfoHash(), d.localPeerID, p.id, msg.Index))
	case conn.IDExtended:
		d.handleExtended(p, msg)
	default:
		// Unknown/keep-alive: no-op, per BEP 3 forward compatibility.
	}
	return nil
}

func (d *Dispatcher) handleHave(p *peer, piece int) {
	if piece < 0 || piece >= d.torrent.NumPieces() {
		d.log("peer", p).Errorf("Have out of bounds: %d", piece)
		return
	}
	if !p.bitfield.Has(uint(piece)) {
		p.bitfield.Set(uint(piece), true)
		d.replication.Add(piece)
	}
	d.netevents.Produce(networkevent.GotHaveEvent(d.torrent.InfoHash(), d.localPeerID, p.id, piece))
	d.maybeRequestMorePieces(p)
}

func (d *Dispatcher) handleBitfield(p *peer, b []byte) error {
	if !p.bitfield.Copy().None() {
		return errRepeatedBitfield
	}
	decoded := decodeBitfield(b, d.torrent.NumPieces())
	d.replication.RemoveSet(p.bitfield.Copy())
	p.bitfield.SetAll(false)
	for i, ok := decoded.NextSet(0); ok; i, ok = decoded.NextSet(i + 1) {
		p.bitfield.Set(i, true)
	}
	d.replication.AddSet(decoded)
	d.netevents.Produce(networkevent.GotBitfieldEvent(d.torrent.InfoHash(), d.localPeerID, p.id, b))
	d.maybeRequestMorePieces(p)
	return nil
}

func (d *Dispatcher) handleHaveAll(p *peer) {
	d.replication.RemoveSet(p.bitfield.Copy())
	p.bitfield.SetAll(true)
	full := bitset.New(p.bitfield.Len())
	full.FlipRange(0, full.Len())
	d.replication.AddSet(full)
	d.netevents.Produce(networkevent.GotHaveAllEvent(d.torrent.InfoHash(), d.localPeerID, p.id))
	d.maybeRequestMorePieces(p)
}

func (d *Dispatcher) handleRequest(p *peer, msg *conn.Message) {
	p.pstats.incrementPieceRequestsReceived()

	if !d.validBlock(msg.Index, msg.Offset, msg.Length) {
		p.messages.Send(conn.NewRejectMessage(msg.Index, msg.Offset, msg.Length))
		return
	}
	if p.isChoked() {
		p.messages.Send(conn.NewRejectMessage(msg.Index, msg.Offset, msg.Length))
		return
	}
	if !p.enqueueIncoming(msg.Index, msg.Offset, msg.Length) {
		p.messages.Send(conn.NewRejectMessage(msg.Index, msg.Offset, msg.Length))
		return
	}

	data, err := d.torrent.ReadBlock(msg.Index, msg.Offset, msg.Length)
	if err != nil {
		d.log("peer", p, "piece", msg.Index).Errorf("Error reading requested block: %s", err)
		p.dequeueIncoming(msg.Index, msg.Offset, msg.Length)
		p.messages.Send(conn.NewRejectMessage(msg.Index, msg.Offset, msg.Length))
		return
	}

	if err := p.sendPiece(conn.NewPieceMessage(msg.Index, msg.Offset, conn.NewBufferPieceReader(data))); err != nil {
		return
	}
	p.dequeueIncoming(msg.Index, msg.Offset, msg.Length)
	p.touchLastPieceSent()
	p.pstats.incrementPiecesSent()
	p.blocksSent.record(d.clk.Now())
	d.netevents.Produce(
		networkevent.PeerGotDataEvent(d.torrent.InfoHash(), d.localPeerID, p.id, msg.Index, msg.Offset, msg.Length))
}

func (d *Dispatcher) validBlock(piece, offset, length int) bool {
	if piece < 0 || piece >= d.torrent.NumPieces() {
		return false
	}
	pl := int(d.torrent.PieceLength(piece))
	if offset < 0 || length <= 0 || offset+length > pl {
		return false
	}
	return d.torrent.Bitfield().Test(uint(piece))
}

func (d *Dispatcher) handlePiece(p *peer, msg *conn.Message) {
	defer func() {
		if msg.Payload != nil {
			msg.Payload.Close()
		}
	}()

	b := ledger.BlockID{Piece: msg.Index, Offset: msg.Offset, Length: msg.Length}

	if !d.validPieceBounds(b) {
		d.log("peer", p, "piece", b.Piece).Error("Rejecting block payload: out of bounds")
		return
	}

	data := make([]byte, msg.Length)
	if msg.Payload != nil {
		msg.Payload.Read(data)
	}

	d.requests.Complete(b)
	p.blocksReceived.record(d.clk.Now())

	if err := d.torrent.WriteBlock(b.Piece, b.Offset, data); err != nil {
		if err == ErrBlockComplete {
			p.pstats.incrementDuplicatePiecesReceived()
		} else {
			d.log("peer", p, "piece", b.Piece).Errorf("Error writing block: %s", err)
			d.strikeAndMaybeBan(p, b.Piece)
		}
		return
	}

	p.creditBlame(b.Piece)
	p.pstats.incrementGoodPiecesReceived()
	p.touchLastGoodPieceReceived()

	d.netevents.Produce(
		networkevent.ClientGotDataEvent(d.torrent.InfoHash(), d.localPeerID, p.id, b.Piece, b.Offset, b.Length))

	if d.torrent.Bitfield().Test(uint(b.Piece)) {
		// Piece just completed and was verified by the underlying store.
		d.pieces.Remove(b.Piece)
		d.announceHave(b.Piece, p.id)
		if d.torrent.Complete() {
			d.complete()
		}
	}

	d.maybeRequestMorePieces(p)
}

func (d *Dispatcher) validPieceBounds(b ledger.BlockID) bool {
	if b.Piece < 0 || b.Piece >= d.torrent.NumPieces() {
		return false
	}
	pl := int(d.torrent.PieceLength(b.Piece))
	return b.Offset >= 0 && b.Length > 0 && b.Offset+b.Length <= pl
}

// strikeAndMaybeBan records a corruption strike against whichever peer's
// blame bitfield names piece, and asks the caller to ban any peer that
// crosses maxBanStrikes.
func (d *Dispatcher) strikeAndMaybeBan(p *peer, piece int) {
	if !p.blamedFor(piece) {
		return
	}
	n := p.strike()
	p.clearBlame(piece)
	if n >= maxBanStrikes {
		p.markPurge()
		d.torrentlog.PeerBanned(d.torrent.InfoHash(), p.id, n)
		d.events.PeerBanned(p.id, d.torrent.InfoHash(), n)
	}
}

func (d *Dispatcher) announceHave(piece int, exclude core.PeerID) {
	d.peers.Range(func(k, v interface{}) bool {
		if k.(core.PeerID) == exclude {
			return true
		}
		v.(*peer).sendBatched(conn.NewHaveMessage(piece), batchHigh)
		return true
	})
}

func (d *Dispatcher) handleReject(p *peer, msg *conn.Message) {
	b := ledger.BlockID{Piece: msg.Index, Offset: msg.Offset, Length: msg.Length}
	d.requests.Cancel(p.id, b)
	d.netevents.Produce(
		networkevent.GotRejectEvent(d.torrent.InfoHash(), d.localPeerID, p.id, b.Piece, b.Offset, b.Length))
	d.maybeRequestMorePieces(p)
}

func (d *Dispatcher) handleExtended(p *peer, msg *conn.Message) {
	if msg.ExtendedID == 0 {
		h, err := ltep.Decode(msg.ExtendedPayload)
		if err != nil {
			d.log("peer", p).Errorf("Error decoding extended handshake: %s", err)
			return
		}
		p.setExtHandshake(h)
		if msg.ExtendedPayload != nil && h.Port != 0 {
			d.netevents.Produce(networkevent.GotPortEvent(d.torrent.InfoHash(), d.localPeerID, p.id, h.Port))
		}
		d.maybeStartMetadataFetch(p)
		return
	}

	for name, id := range d.localExtIDs {
		if id != int(msg.ExtendedID) {
			continue
		}
		switch name {
		case ltep.ExtMetadata:
			d.handleMetadata(p, msg.ExtendedPayload)
		case ltep.ExtPEX:
			d.handlePex(p, msg.ExtendedPayload)
		}
		return
	}
}

// maybeStartMetadataFetch kicks off a ut_metadata request round against p
// once its extended handshake reveals a metadata_size, unless the torrent
// already has its info dictionary locally or a fetch is already underway.
func (d *Dispatcher) maybeStartMetadataFetch(p *peer) {
	if _, ok := d.torrent.Torrent.(MetadataSource); ok {
		return
	}
	size, ok := p.getMetadataSize()
	if !ok || size <= 0 {
		return
	}

	d.metaMu.Lock()
	if d.metaDone {
		d.metaMu.Unlock()
		return
	}
	if d.metaBuf == nil {
		d.metaTotal = size
		d.metaBuf = make([]byte, size)
		d.metaReceived = bitset.New(uint(ltep.NumMetadataPieces(size)))
	}
	d.metaMu.Unlock()

	d.requestNextMetadataPiece(p)
}

// requestNextMetadataPiece asks p for the first metadata piece we have not
// yet received, if any remain.
func (d *Dispatcher) requestNextMetadataPiece(p *peer) {
	id, ok := p.extID(ltep.ExtMetadata)
	if !ok {
		return
	}

	d.metaMu.Lock()
	piece := -1
	if d.metaReceived != nil && !d.metaDone {
		n := int(d.metaReceived.Len())
		for i := 0; i < n; i++ {
			if !d.metaReceived.Test(uint(i)) {
				piece = i
				break
			}
		}
	}
	d.metaMu.Unlock()
	if piece < 0 {
		return
	}

	body, err := ltep.EncodeMetadataRequest(piece)
	if err != nil {
		return
	}
	p.sendBatched(conn.NewExtendedMessage(byte(id), body), batchImmediate)
	d.metadataRequester.Sent(p.id, piece, d.clk.Now())
}

func (d *Dispatcher) handleMetadata(p *peer, body []byte) {
	msg, payload, err := ltep.DecodeMetadataData(body)
	if err != nil {
		return
	}
	id, ok := p.extID(ltep.ExtMetadata)
	if !ok {
		return
	}

	switch msg.Type {
	case ltep.MetaRequest:
		src, ok := d.torrent.Torrent.(MetadataSource)
		if !ok {
			if reply, err := ltep.EncodeMetadataReject(msg.Piece); err == nil {
				p.sendBatched(conn.NewExtendedMessage(byte(id), reply), batchLow)
			}
			return
		}
		meta := src.Metadata()
		total := len(meta)
		length := ltep.MetadataPieceLength(msg.Piece, total)
		if length <= 0 {
			if reply, err := ltep.EncodeMetadataReject(msg.Piece); err == nil {
				p.sendBatched(conn.NewExtendedMessage(byte(id), reply), batchLow)
			}
			return
		}
		start := msg.Piece * ltep.MetadataPieceSize
		dict, err := ltep.EncodeMetadataData(msg.Piece, total)
		if err != nil {
			return
		}
		reply := append(dict, meta[start:start+length]...)
		p.sendBatched(conn.NewExtendedMessage(byte(id), reply), batchHigh)
	case ltep.MetaData:
		if err := d.metadataRequester.Resolve(p.id, msg.Piece); err != nil {
			return
		}
		d.storeMetadataPiece(p, msg.Piece, payload)
	case ltep.MetaReject:
		d.metadataRequester.Resolve(p.id, msg.Piece)
	}
}

// storeMetadataPiece copies a received ut_metadata piece into the assembly
// buffer, requests the next missing piece from p, and once every piece has
// arrived, surfaces the assembled info dictionary to the Manager.
func (d *Dispatcher) storeMetadataPiece(p *peer, piece int, payload []byte) {
	d.metaMu.Lock()
	if d.metaDone || d.metaBuf == nil {
		d.metaMu.Unlock()
		return
	}
	start := piece * ltep.MetadataPieceSize
	want := ltep.MetadataPieceLength(piece, d.metaTotal)
	if want <= 0 || len(payload) < want || start+want > len(d.metaBuf) {
		d.metaMu.Unlock()
		return
	}
	copy(d.metaBuf[start:start+want], payload[:want])
	d.metaReceived.Set(uint(piece))
	done := d.metaReceived.All()
	var meta []byte
	if done {
		d.metaDone = true
		meta = d.metaBuf
	}
	d.metaMu.Unlock()

	if done {
		d.netevents.Produce(networkevent.GotMetadataEvent(d.torrent.InfoHash(), d.localPeerID, p.id, len(meta)))
		d.events.GotMetadata(d.torrent.InfoHash(), meta)
		return
	}
	d.requestNextMetadataPiece(p)
}

func (d *Dispatcher) handlePex(p *peer, body []byte) {
	diff, err := ltep.DecodePex(body)
	if err != nil {
		return
	}
	if len(diff.Added) == 0 {
		return
	}
	d.netevents.Produce(
		networkevent.GotPexPeersEvent(d.torrent.InfoHash(), d.localPeerID, p.id, len(diff.Added), len(diff.Dropped)))
	d.events.DiscoveredPeers(d.torrent.InfoHash(), p.id, diff.Added)
}

// parsePexAddr splits a "host:port" dial address into a PexPeer, skipping
// anything that isn't a plain IPv4/IPv6 literal (e.g. hostnames, which PEX
// has no compact encoding for).
func parsePexAddr(addr string) (ltep.PexPeer, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ltep.PexPeer{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return ltep.PexPeer{}, false
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return ltep.PexPeer{}, false
	}
	return ltep.PexPeer{IP: ip, Port: uint16(port)}, true
}

func encodeBitfield(b *bitset.BitSet) []byte {
	n := int(b.Len())
	out := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if b.Test(uint(i)) {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

func decodeBitfield(b []byte, numPieces int) *bitset.BitSet {
	bs := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		if byteIdx >= len(b) {
			break
		}
		if b[byteIdx]&(1<<uint(7-i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return bs
}

func (d *Dispatcher) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "torrent", d.torrent.InfoHash())
	return d.logger.With(args...)
}
