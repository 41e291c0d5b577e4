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
package scheduler

import (
	"errors"
	"flag"
	"math/rand"
	"net"
	"reflect"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"github.com/willf/bitset"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/lib/torrent/networkevent"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/announcer"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/conn"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/connstate"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/dispatch"
	"github.com/quietswarm/peerengine/utils/log"
	"github.com/quietswarm/peerengine/utils/testutil"
)

func Init() {
	debug := flag.Bool("scheduler.debug", false, "log all Scheduler debugging output")
	flag.Parse()

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	zapConfig.Encoding = "console"

	if !*debug {
		zapConfig.OutputPaths = []string{}
	}

	log.ConfigureLogger(zapConfig)
}

// configFixture drives every Scheduler pulse at test-friendly speed: the
// real defaults (60s atom ageing, 10s rechoke/refill) would make any test
// exercising peer-to-peer transfer wait a minute or more for the first
// reconnect pulse to even dial out.
func configFixture() Config {
	return Config{
		SeederTTI:            10 * time.Second,
		LeecherTTI:           time.Minute,
		PreemptionInterval:   100 * time.Millisecond,
		ConnTTI:              10 * time.Second,
		ConnTTL:              5 * time.Minute,
		AtomAgeingInterval:   20 * time.Millisecond,
		BandwidthInterval:    20 * time.Millisecond,
		RechokeInterval:      20 * time.Millisecond,
		RefillUpkeepInterval: 50 * time.Millisecond,
		MaxReconnectsPerTick: 10,
		ConnState:            connstate.Config{},
		Conn:                 conn.ConfigFixture(),
		Dispatch:             dispatch.Config{},
		TorrentLog:           log.Config{Disable: true},
		Log:                  log.Config{Disable: true},
	}.applyDefaults()
}

// torrentContent is the wire-level shape and piece data shared by every
// fixtureTorrentRef handed out for the same torrent, so a seeder and a
// leecher in the same test agree on info hash, piece layout, and bytes
// without needing a real metainfo / bencoding round trip.
type torrentContent struct {
	infoHash  core.InfoHash
	numPieces int
	pieceLen  int64
	pieces    [][]byte
}

func torrentContentFixture(numPieces int, pieceLength int64) *torrentContent {
	pieces := make([][]byte, numPieces)
	for i := range pieces {
		b := make([]byte, pieceLength)
		rand.Read(b)
		pieces[i] = b
	}
	return &torrentContent{
		infoHash:  core.InfoHashFixture(),
		numPieces: numPieces,
		pieceLen:  pieceLength,
		pieces:    pieces,
	}
}

// fixtureTorrentRef is an in-memory TorrentRef. Every piece is exactly one
// block, so a piece completes the instant its single write lands.
type fixtureTorrentRef struct {
	mu                sync.Mutex
	content           *torrentContent
	blocks            [][]byte
	bitfield          *bitset.BitSet
	maxConns          int
	sessionLimitOptIn bool
}

func (c *torrentContent) ref(seed bool, maxConns int) *fixtureTorrentRef {
	r := &fixtureTorrentRef{
		content:  c,
		blocks:   make([][]byte, c.numPieces),
		bitfield: bitset.New(uint(c.numPieces)),
		maxConns: maxConns,
	}
	if seed {
		for i, p := range c.pieces {
			r.blocks[i] = p
			r.bitfield.Set(uint(i))
		}
	}
	return r
}

func (r *fixtureTorrentRef) InfoHash() core.InfoHash     { return r.content.infoHash }
func (r *fixtureTorrentRef) Length() int64               { return int64(r.content.numPieces) * r.content.pieceLen }
func (r *fixtureTorrentRef) NumPieces() int              { return r.content.numPieces }
func (r *fixtureTorrentRef) PieceLength(piece int) int64 { return r.content.pieceLen }
func (r *fixtureTorrentRef) MaxPieceLength() int64       { return r.content.pieceLen }
func (r *fixtureTorrentRef) BlockSize() int              { return int(r.content.pieceLen) }

func (r *fixtureTorrentRef) Bitfield() *bitset.BitSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bitfield.Clone()
}

func (r *fixtureTorrentRef) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.bitfield.Count()) == r.content.numPieces
}

func (r *fixtureTorrentRef) ReadBlock(piece, offset, length int) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := r.blocks[piece]
	if b == nil {
		return nil, errors.New("piece not available")
	}
	return b[offset : offset+length], nil
}

func (r *fixtureTorrentRef) WriteBlock(piece, offset int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bitfield.Test(uint(piece)) {
		return dispatch.ErrBlockComplete
	}
	b := make([]byte, r.content.pieceLen)
	copy(b[offset:], data)
	r.blocks[piece] = b
	r.bitfield.Set(uint(piece))
	return nil
}

func (r *fixtureTorrentRef) MaxConnectedPeers() int  { return r.maxConns }
func (r *fixtureTorrentRef) SessionLimitOptIn() bool { return r.sessionLimitOptIn }
func (r *fixtureTorrentRef) AnnounceList() []string  { return nil }
func (r *fixtureTorrentRef) Priority() int           { return 0 }

// checkComplete asserts that ref has accumulated every piece of content.
func checkComplete(t *testing.T, ref *fixtureTorrentRef, content *torrentContent) {
	require := require.New(t)
	require.True(ref.Complete())
	for i, want := range content.pieces {
		got, err := ref.ReadBlock(i, 0, int(content.pieceLen))
		require.NoError(err)
		require.Equal(want, got)
	}
}

type testPeer struct {
	peerID       core.PeerID
	addr         string
	scheduler    *scheduler
	stats        tally.TestScope
	testProducer *networkevent.TestProducer
	cleanup      *testutil.Cleanup
}

func newTestPeer(t testing.TB, config Config, options ...option) *testPeer {
	var cleanup testutil.Cleanup

	peerID := core.PeerIDFixture()
	addr := "127.0.0.1:" + strconv.Itoa(findFreePort())
	stats := tally.NewTestScope("", nil)
	tp := networkevent.NewTestProducer()

	s, err := newScheduler(config, peerID, addr, announcer.Nop{}, tp, stats, options...)
	if err != nil {
		t.Fatalf("new scheduler: %s", err)
	}
	if err := s.start(); err != nil {
		t.Fatalf("start scheduler: %s", err)
	}
	cleanup.Add(s.Stop)

	return &testPeer{peerID, addr, s, stats, tp, &cleanup}
}

func newTestPeers(t testing.TB, n int, config Config) ([]*testPeer, func()) {
	var cleanup testutil.Cleanup
	var peers []*testPeer
	for i := 0; i < n; i++ {
		p := newTestPeer(t, config)
		cleanup.Add(p.cleanup.Run)
		peers = append(peers, p)
	}
	return peers, cleanup.Run
}

func (p *testPeer) peerAddr(complete bool) *core.PeerAddr {
	host, portStr, err := net.SplitHostPort(p.addr)
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return core.NewPeerAddr(p.peerID, host, port, complete)
}

func findFreePort() int {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		panic(err)
	}
	defer l.Close()
	_, portStr, err := net.SplitHostPort(l.Addr().String())
	if err != nil {
		panic(err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		panic(err)
	}
	return port
}

type hasConnEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
	result   chan bool
}

func (e hasConnEvent) apply(s *state) {
	found := false
	for _, c := range s.conns.ActiveConns() {
		if c.PeerID() == e.peerID && c.InfoHash() == e.infoHash {
			found = true
			break
		}
	}
	e.result <- found
}

// waitForConnEstablished waits until s has established a connection to peerID for the
// torrent of infoHash.
func waitForConnEstablished(t *testing.T, s *scheduler, peerID core.PeerID, infoHash core.InfoHash) {
	err := testutil.PollUntilTrue(5*time.Second, func() bool {
		result := make(chan bool)
		s.eventLoop.send(hasConnEvent{peerID, infoHash, result})
		return <-result
	})
	if err != nil {
		t.Fatalf(
			"scheduler=%s did not establish conn to peer=%s hash=%s: %s",
			s.peerID, peerID, infoHash, err)
	}
}

// waitForConnRemoved waits until s has closed the connection to peerID for the
// torrent of infoHash.
func waitForConnRemoved(t *testing.T, s *scheduler, peerID core.PeerID, infoHash core.InfoHash) {
	err := testutil.PollUntilTrue(5*time.Second, func() bool {
		result := make(chan bool)
		s.eventLoop.send(hasConnEvent{peerID, infoHash, result})
		return !<-result
	})
	if err != nil {
		t.Fatalf(
			"scheduler=%s did not remove conn to peer=%s hash=%s: %s",
			s.peerID, peerID, infoHash, err)
	}
}

type hasTorrentEvent struct {
	infoHash core.InfoHash
	result   chan bool
}

func (e hasTorrentEvent) apply(s *state) {
	_, ok := s.torrents[e.infoHash]
	e.result <- ok
}

func waitForTorrentRemoved(t *testing.T, s *scheduler, infoHash core.InfoHash) {
	err := testutil.PollUntilTrue(5*time.Second, func() bool {
		result := make(chan bool)
		s.eventLoop.send(hasTorrentEvent{infoHash, result})
		return !<-result
	})
	if err != nil {
		t.Fatalf(
			"scheduler=%s did not remove torrent for hash=%s: %s",
			s.peerID, infoHash, err)
	}
}

func waitForTorrentAdded(t *testing.T, s *scheduler, infoHash core.InfoHash) {
	err := testutil.PollUntilTrue(5*time.Second, func() bool {
		result := make(chan bool)
		s.eventLoop.send(hasTorrentEvent{infoHash, result})
		return <-result
	})
	if err != nil {
		t.Fatalf(
			"scheduler=%s did not add torrent for hash=%s: %s",
			s.peerID, infoHash, err)
	}
}

func waitForComplete(t *testing.T, ref *fixtureTorrentRef, content *torrentContent) {
	err := testutil.PollUntilTrue(10*time.Second, ref.Complete)
	if err != nil {
		t.Fatalf("torrent hash=%s never completed: %s", content.infoHash, err)
	}
}

// eventWatcher wraps an eventLoop and watches all events being sent. Note, clients
// must call waitFor else all sends will block.
type eventWatcher struct {
	l      eventLoop
	events chan event
}

func newEventWatcher() *eventWatcher {
	return &eventWatcher{
		l:      newEventLoop(),
		events: make(chan event),
	}
}

// waitFor waits for e to send on w.
func (w *eventWatcher) waitFor(t *testing.T, e event) {
	name := reflect.TypeOf(e).Name()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ee := <-w.events:
			if name == reflect.TypeOf(ee).Name() {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s to occur", name)
		}
	}
}

func (w *eventWatcher) send(e event) bool {
	if w.l.send(e) {
		go func() { w.events <- e }()
		return true
	}
	return false
}

func (w *eventWatcher) sendTimeout(e event, timeout time.Duration) error {
	panic("unimplemented")
}

func (w *eventWatcher) run(s *state) {
	w.l.run(s)
}

func (w *eventWatcher) stop() {
	w.l.stop()
}
