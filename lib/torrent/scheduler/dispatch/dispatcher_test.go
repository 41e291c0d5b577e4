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
	"sync"
	"testing"
	"time"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/lib/torrent/networkevent"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/conn"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/ledger"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/ltep"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/torrentlog"
	"github.com/quietswarm/peerengine/utils/bitsetutil"
	"github.com/quietswarm/peerengine/utils/memsize"
	"go.uber.org/zap"

	"github.com/andres-erbsen/clock"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"
)

// memTorrent is a minimal in-memory Torrent for dispatcher tests. Every
// piece here is exactly one block, so a piece completes as soon as its
// single write lands; there is no checksum verification, since these tests
// exercise request/response bookkeeping rather than corruption handling.
type memTorrent struct {
	mu        sync.Mutex
	infoHash  core.InfoHash
	numPieces int
	pieceLen  int64
	length    int64
	pieces    [][]byte
	bitfield  *bitset.BitSet
}

func memTorrentFixture(numPieces int, pieceLength int64) *memTorrent {
	return &memTorrent{
		infoHash:  core.InfoHashFixture(),
		numPieces: numPieces,
		pieceLen:  pieceLength,
		length:    int64(numPieces) * pieceLength,
		pieces:    make([][]byte, numPieces),
		bitfield:  bitset.New(uint(numPieces)),
	}
}

func (t *memTorrent) InfoHash() core.InfoHash     { return t.infoHash }
func (t *memTorrent) Length() int64               { return t.length }
func (t *memTorrent) NumPieces() int              { return t.numPieces }
func (t *memTorrent) PieceLength(piece int) int64 { return t.pieceLen }
func (t *memTorrent) MaxPieceLength() int64       { return t.pieceLen }
func (t *memTorrent) BlockSize() int              { return int(t.pieceLen) }

func (t *memTorrent) Bitfield() *bitset.BitSet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bitfield.Clone()
}

func (t *memTorrent) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int(t.bitfield.Count()) == t.numPieces
}

func (t *memTorrent) ReadBlock(piece, offset, length int) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.pieces[piece]
	if b == nil {
		return nil, errors.New("piece not complete")
	}
	return b[offset : offset+length], nil
}

func (t *memTorrent) WriteBlock(piece, offset int, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.bitfield.Test(uint(piece)) {
		return ErrBlockComplete
	}
	buf := t.pieces[piece]
	if buf == nil {
		buf = make([]byte, t.pieceLen)
		t.pieces[piece] = buf
	}
	copy(buf[offset:], data)
	t.bitfield.Set(uint(piece))
	return nil
}

func blobFixture(numPieces int, pieceLength int64) (*memTorrent, []byte) {
	torrent := memTorrentFixture(numPieces, pieceLength)
	content := make([]byte, torrent.length)
	for i := range content {
		content[i] = byte(i)
	}
	return torrent, content
}

type mockMessages struct {
	mu       sync.Mutex
	sent     []*conn.Message
	receiver chan *conn.Message
	closed   bool
}

func newMockMessages() *mockMessages {
	return &mockMessages{receiver: make(chan *conn.Message)}
}

func (m *mockMessages) Send(msg *conn.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("messages closed")
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockMessages) Receiver() <-chan *conn.Message { return m.receiver }

func (m *mockMessages) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	close(m.receiver)
	m.closed = true
}

func (m *mockMessages) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func numRequestsPerPiece(messages Messages) map[int]int {
	mm := messages.(*mockMessages)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	requests := make(map[int]int)
	for _, msg := range mm.sent {
		if msg.ID == conn.IDRequest {
			requests[msg.Index]++
		}
	}
	return requests
}

func announcedPieces(messages Messages) []int {
	mm := messages.(*mockMessages)
	mm.mu.Lock()
	defer mm.mu.Unlock()
	var ps []int
	for _, msg := range mm.sent {
		if msg.ID == conn.IDHave {
			ps = append(ps, msg.Index)
		}
	}
	return ps
}

func closed(messages Messages) bool {
	return messages.(*mockMessages).isClosed()
}

type noopEvents struct{}

func (e noopEvents) DispatcherComplete(*Dispatcher) {}

func (e noopEvents) PeerRemoved(core.PeerID, core.InfoHash) {}

func (e noopEvents) PeerBanned(core.PeerID, core.InfoHash, int) {}

func (e noopEvents) GotMetadata(core.InfoHash, []byte) {}

func (e noopEvents) DiscoveredPeers(core.InfoHash, core.PeerID, []ltep.PexPeer) {}

func testDispatcher(config Config, clk clock.Clock, t Torrent) *Dispatcher {
	d, err := newDispatcher(
		config,
		tally.NoopScope,
		clk,
		networkevent.NewTestProducer(),
		noopEvents{},
		core.PeerIDFixture(),
		t,
		zap.NewNop().Sugar(),
		torrentlog.NewNopLogger())
	if err != nil {
		panic(err)
	}
	return d
}

// addPeer adds a peer to d and puts it into the unchoked/interested state
// maybeRequestMorePieces requires, mirroring what a real RechokeTick would
// eventually settle on.
func addPeer(d *Dispatcher, b *bitset.BitSet) (*peer, error) {
	p, err := d.addPeer(core.PeerIDFixture(), "127.0.0.1:0", b, newMockMessages())
	if err != nil {
		return nil, err
	}
	p.setPeerChoking(false)
	p.setInterest(true)
	return p, nil
}

func TestDispatcherSendUniquePieceRequestsWithinLimit(t *testing.T) {
	require := require.New(t)

	config := Config{
		Ledger: ledger.Config{PipelineLimit: 3},
	}
	clk := clock.NewMock()

	torrent := memTorrentFixture(100, 1)

	d := testDispatcher(config, clk, torrent)

	var mu sync.Mutex
	var requestCount int
	totalRequestsPerPiece := make(map[int]int)
	totalRequestPerPeer := make(map[core.PeerID]int)

	// Add a bunch of peers concurrently which are saturated with pieces d
	// needs. We should send exactly <pipelineLimit> piece requests per peer.
	peerBitfield := bitset.New(uint(torrent.NumPieces())).Complement()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := addPeer(d, peerBitfield)
			require.NoError(err)
			d.maybeRequestMorePieces(p)
			for i, n := range numRequestsPerPiece(p.messages) {
				require.True(n <= 1)
				mu.Lock()
				requestCount += n
				totalRequestsPerPiece[i] += n
				require.True(totalRequestsPerPiece[i] <= 1)
				totalRequestPerPeer[p.id] += n
				require.True(totalRequestPerPeer[p.id] <= config.Ledger.PipelineLimit)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(config.Ledger.PipelineLimit*10, requestCount)

	n, ok := peerBitfield.NextSet(0)
	for ok {
		require.Equal(10, d.replication.Count(int(n)))
		n, ok = peerBitfield.NextSet(n + 1)
	}
}

func TestDispatcherResendFailedPieceRequests(t *testing.T) {
	require := require.New(t)

	config := Config{
		DisableEndgame: true,
		Ledger:         ledger.Config{RequestTimeout: 30 * time.Second},
	}
	clk := clock.NewMock()

	torrent := memTorrentFixture(2, 1)

	d := testDispatcher(config, clk, torrent)

	// p1 has both pieces and sends requests for both.
	p1, err := addPeer(d, bitsetutil.FromBools(true, true))
	require.NoError(err)
	d.maybeRequestMorePieces(p1)
	require.Equal(map[int]int{
		0: 1,
		1: 1,
	}, numRequestsPerPiece(p1.messages))

	// p2 has piece 0 and sends no piece requests: it's still choking us.
	p2, err := d.addPeer(core.PeerIDFixture(), "127.0.0.1:0", bitsetutil.FromBools(true, false), newMockMessages())
	require.NoError(err)
	d.maybeRequestMorePieces(p2)
	require.Equal(map[int]int{}, numRequestsPerPiece(p2.messages))
	p2.setPeerChoking(false)
	p2.setInterest(true)

	// p3 has piece 1.
	p3, err := addPeer(d, bitsetutil.FromBools(false, true))
	require.NoError(err)

	clk.Add(config.Ledger.RequestTimeout + 1)

	d.expireAndRefill()

	// p1 was not sent any new piece requests.
	require.Equal(map[int]int{
		0: 1,
		1: 1,
	}, numRequestsPerPiece(p1.messages))

	// p2 was sent a piece request for piece 0.
	require.Equal(map[int]int{
		0: 1,
	}, numRequestsPerPiece(p2.messages))

	// p3 was sent a piece request for piece 1.
	require.Equal(map[int]int{
		1: 1,
	}, numRequestsPerPiece(p3.messages))
}

func TestDispatcherSendErrorsMarksPieceRequestsUnsent(t *testing.T) {
	require := require.New(t)

	config := Config{
		DisableEndgame: true,
	}
	clk := clock.NewMock()

	torrent := memTorrentFixture(1, 1)

	d := testDispatcher(config, clk, torrent)

	p1, err := addPeer(d, bitsetutil.FromBools(true))
	require.NoError(err)

	p1.messages.Close()

	// Send should fail since p1 messages are closed.
	d.maybeRequestMorePieces(p1)

	require.Equal(map[int]int{}, numRequestsPerPiece(p1.messages))

	p2, err := addPeer(d, bitsetutil.FromBools(true))
	require.NoError(err)

	// Send should succeed since the failed reservation was cancelled.
	d.maybeRequestMorePieces(p2)

	require.Equal(map[int]int{
		0: 1,
	}, numRequestsPerPiece(p2.messages))
}

func TestDispatcherCalcPieceRequestTimeout(t *testing.T) {
	tests := []struct {
		configured time.Duration
		expected   time.Duration
	}{
		{0, 120 * time.Second},
		{30 * time.Second, 30 * time.Second},
	}
	for _, test := range tests {
		t.Run(memsize.Format(uint64(test.configured)), func(t *testing.T) {
			config := Config{Ledger: ledger.Config{RequestTimeout: test.configured}}
			timeout := config.calcPieceRequestTimeout(0)
			require.Equal(t, test.expected, timeout)
		})
	}
}

func TestDispatcherEndgame(t *testing.T) {
	require := require.New(t)

	config := Config{}
	clk := clock.NewMock()

	torrent := memTorrentFixture(1, 1)

	d := testDispatcher(config, clk, torrent)

	p1, err := addPeer(d, bitsetutil.FromBools(true))
	require.NoError(err)

	d.maybeRequestMorePieces(p1)
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p1.messages))

	p2, err := addPeer(d, bitsetutil.FromBools(true))
	require.NoError(err)

	// A single outstanding block against one peer, with one byte left in
	// the torrent, already satisfies the endgame condition: should send a
	// duplicate request for piece 0.
	d.maybeRequestMorePieces(p2)
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p2.messages))
	require.True(d.endgame())
}

func TestDispatcherHandlePiecePayloadAnnouncesPiece(t *testing.T) {
	require := require.New(t)

	torrent, content := blobFixture(2, 1)
	clk := clock.NewMock()

	d := testDispatcher(Config{}, clk, torrent)

	p1, err := addPeer(d, bitsetutil.FromBools(false, false))
	require.NoError(err)

	p2, err := addPeer(d, bitsetutil.FromBools(false, false))
	require.NoError(err)

	msg := conn.NewPieceMessage(0, 0, conn.NewBufferPieceReader(content[0:1]))

	d.handlePiece(p1, msg)

	// Have announcements are batched at high priority; force the flush.
	clk.Add(2 * batchHigh)
	d.BandwidthTick(clk.Now())

	// Should not announce to the peer who sent the payload.
	require.Empty(announcedPieces(p1.messages))

	// Should announce to other peers.
	require.Equal([]int{0}, announcedPieces(p2.messages))
}

func TestDispatcherClosesCompletedPeersWhenComplete(t *testing.T) {
	require := require.New(t)

	torrent, content := blobFixture(1, 1)

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	completedPeer, err := addPeer(d, bitsetutil.FromBools(true))
	require.NoError(err)

	incompletePeer, err := addPeer(d, bitsetutil.FromBools(false))
	require.NoError(err)

	msg := conn.NewPieceMessage(0, 0, conn.NewBufferPieceReader(content[0:1]))

	// Once the only piece completes, any already-complete peer is closed,
	// since there's nothing left it can give us.
	d.handlePiece(completedPeer, msg)
	require.True(closed(completedPeer.messages))
	require.False(closed(incompletePeer.messages))
}

func TestDispatcherHandleHaveAllRequestsPieces(t *testing.T) {
	require := require.New(t)

	torrent := memTorrentFixture(1, 1)

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p, err := addPeer(d, bitsetutil.FromBools(false))
	require.NoError(err)

	require.Empty(numRequestsPerPiece(p.messages))

	d.handleHaveAll(p)

	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p.messages))
	require.False(closed(p.messages))
}

func TestDispatcherPeerPieceCounts(t *testing.T) {
	require := require.New(t)

	torrent := memTorrentFixture(3, 1)

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p, err := addPeer(d, bitsetutil.FromBools(false, false, false))
	require.NoError(err)

	require.Equal(0, d.replication.Count(0))
	require.Equal(0, d.replication.Count(1))
	require.Equal(0, d.replication.Count(2))

	d.handleHave(p, 2)

	require.Equal(1, d.replication.Count(2))

	d.handleHave(p, 0)

	require.Equal(1, d.replication.Count(0))

	_, err = addPeer(d, bitsetutil.FromBools(true, true, true))
	require.NoError(err)

	require.Equal(2, d.replication.Count(0))
	require.Equal(1, d.replication.Count(1))
	require.Equal(2, d.replication.Count(2))

	_, err = addPeer(d, bitsetutil.FromBools(true, false, true))
	require.NoError(err)

	require.Equal(3, d.replication.Count(0))
	require.Equal(1, d.replication.Count(1))
	require.Equal(3, d.replication.Count(2))

	_, err = addPeer(d, bitsetutil.FromBools(false, false, false))
	require.NoError(err)

	require.Equal(3, d.replication.Count(0))
	require.Equal(1, d.replication.Count(1))
	require.Equal(3, d.replication.Count(2))

	d.removePeer(p)

	require.Equal(2, d.replication.Count(0))
	require.Equal(1, d.replication.Count(1))
	require.Equal(2, d.replication.Count(2))
}

func TestDispatcherHandleRejectCancelsRequest(t *testing.T) {
	require := require.New(t)

	torrent := memTorrentFixture(1, 1)

	d := testDispatcher(Config{}, clock.NewMock(), torrent)

	p, err := addPeer(d, bitsetutil.FromBools(true))
	require.NoError(err)

	d.maybeRequestMorePieces(p)
	require.Equal(map[int]int{0: 1}, numRequestsPerPiece(p.messages))
	require.Equal(1, d.requests.PendingToPeer(p.id))

	d.handleReject(p, conn.NewRejectMessage(0, 0, 1))

	require.Equal(0, d.requests.PendingToPeer(p.id))
}
