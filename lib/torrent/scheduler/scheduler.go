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
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/lib/torrent/networkevent"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/announcer"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/atom"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/conn"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/connstate"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/torrentlog"
	"github.com/quietswarm/peerengine/utils/log"
)

// Scheduler errors.
var (
	ErrTorrentNotFound   = errors.New("torrent not found")
	ErrTorrentExists     = errors.New("torrent already added")
	ErrSchedulerStopped  = errors.New("scheduler has been stopped")
	ErrTorrentTimeout    = errors.New("torrent timed out")
	ErrTorrentRemoved    = errors.New("torrent manually removed")
	ErrSendEventTimedOut = errors.New("event loop send timed out")
)

// Scheduler coordinates torrent lifecycle, peer discovery, and wire
// sessions for every torrent handed to it. It is the engine's sole
// external surface to a torrent manager.
type Scheduler interface {
	// Stop tears down every active torrent and connection and halts the
	// scheduler's loops.
	Stop()

	// AddTorrent begins leeching or seeding ref, per spec.md's
	// add_torrent operation.
	AddTorrent(ref TorrentRef) error

	// RemoveTorrent forcibly stops leeching / seeding h and tears down
	// its connections.
	RemoveTorrent(h core.InfoHash) error

	// TorrentGotMetadata notifies the Scheduler that h's torrent_ref has
	// finished acquiring its info dictionary through some channel other
	// than this engine's own ut_metadata exchange (e.g. a resume file
	// import). The Scheduler re-derives the torrent's wire-level shape
	// from the now-complete ref and refreshes peer progress.
	TorrentGotMetadata(h core.InfoHash) error

	// AddPeerAddrs seeds h's atom pool with addrs freshly discovered via
	// source. This is the ingestion path shared by the tracker
	// announcer, DHT, and resumed state -- PEX ingestion instead flows
	// automatically off the wire session.
	AddPeerAddrs(h core.InfoHash, addrs []*core.PeerAddr, source core.Source) error

	// BlacklistSnapshot returns a snapshot of the current connection
	// blacklist.
	BlacklistSnapshot() ([]connstate.BlacklistedConn, error)

	// Probe verifies that the scheduler event loop is running and
	// unblocked.
	Probe() error
}

// scheduler manages global state for the peer. This includes:
// - Listening for and handshaking incoming connections.
// - Initializing outgoing connections to atom pool reconnect candidates.
// - Dispatching connections to torrents.
// - Driving the atom ageing, bandwidth, rechoke, and refill-upkeep pulses.
type scheduler struct {
	peerID core.PeerID
	config Config
	clock  clock.Clock
	stats  tally.Scope

	handshaker *conn.Handshaker

	eventLoop *liftedEventLoop

	listener   net.Listener
	listenAddr string

	atomAgeingTick   <-chan time.Time
	bandwidthTick    <-chan time.Time
	rechokeTick      <-chan time.Time
	refillTick       <-chan time.Time
	preemptionTick   <-chan time.Time
	emitStatsTick    <-chan time.Time

	tracker announcer.TrackerAnnouncer

	netevents networkevent.Producer

	torrentlog *torrentlog.Logger

	logger *zap.SugaredLogger

	rng *rand.Rand

	// The following fields orchestrate the stopping of the scheduler.
	stopOnce sync.Once      // Ensures the stop sequence is executed only once.
	done     chan struct{}  // Signals all goroutines to exit.
	wg       sync.WaitGroup // Waits for eventLoop and listenLoop to exit.
}

// schedOverrides defines scheduler fields which may be overrided for testing
// purposes.
type schedOverrides struct {
	clock     clock.Clock
	eventLoop eventLoop
}

type option func(*schedOverrides)

func withClock(c clock.Clock) option {
	return func(o *schedOverrides) { o.clock = c }
}

func withEventLoop(l eventLoop) option {
	return func(o *schedOverrides) { o.eventLoop = l }
}

// newScheduler creates and starts a scheduler.
func newScheduler(
	config Config,
	peerID core.PeerID,
	listenAddr string,
	tracker announcer.TrackerAnnouncer,
	netevents networkevent.Producer,
	stats tally.Scope,
	options ...option) (*scheduler, error) {

	config = config.applyDefaults()

	logger, err := log.New(config.Log, nil)
	if err != nil {
		return nil, fmt.Errorf("log: %s", err)
	}
	slogger := logger.Sugar()

	done := make(chan struct{})

	stats = stats.Tagged(map[string]string{
		"module": "scheduler",
	})

	overrides := schedOverrides{
		clock:     clock.New(),
		eventLoop: newEventLoop(),
	}
	for _, opt := range options {
		opt(&overrides)
	}

	eventLoop := liftEventLoop(overrides.eventLoop)

	var preemptionTick <-chan time.Time
	if !config.DisablePreemption {
		preemptionTick = overrides.clock.Tick(config.PreemptionInterval)
	}

	handshaker, err := conn.NewHandshaker(
		config.Conn, stats, overrides.clock, netevents, peerID, eventLoop, slogger)
	if err != nil {
		return nil, fmt.Errorf("conn: %s", err)
	}

	tlog, err := torrentlog.New(config.TorrentLog, peerID)
	if err != nil {
		return nil, fmt.Errorf("torrentlog: %s", err)
	}

	if tracker == nil {
		tracker = announcer.Nop{}
	}

	s := &scheduler{
		peerID:         peerID,
		config:         config,
		clock:          overrides.clock,
		stats:          stats,
		handshaker:     handshaker,
		eventLoop:      eventLoop,
		listenAddr:     listenAddr,
		atomAgeingTick: overrides.clock.Tick(config.AtomAgeingInterval),
		bandwidthTick:  overrides.clock.Tick(config.BandwidthInterval),
		rechokeTick:    overrides.clock.Tick(config.RechokeInterval),
		refillTick:     overrides.clock.Tick(config.RefillUpkeepInterval),
		preemptionTick: preemptionTick,
		emitStatsTick:  overrides.clock.Tick(config.EmitStatsInterval),
		tracker:        tracker,
		netevents:      netevents,
		torrentlog:     tlog,
		logger:         slogger,
		rng:            rand.New(rand.NewSource(overrides.clock.Now().UnixNano())),
		done:           done,
	}

	if config.DisablePreemption {
		s.log().Warn("Preemption disabled")
	}
	if config.ConnState.DisableBlacklist {
		s.log().Warn("Blacklisting disabled")
	}

	return s, nil
}

// start asynchronously starts all scheduler loops.
//
// Note: this has been split from the constructor so we can test against an
// "unstarted" scheduler in certain cases.
func (s *scheduler) start() error {
	s.log().Infof("Scheduler starting as peer %s on addr %s", s.peerID, s.listenAddr)

	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	s.listener = l

	s.wg.Add(3)
	go s.runEventLoop()
	go s.listenLoop()
	go s.tickerLoop()

	return nil
}

// Stop shuts down the scheduler.
func (s *scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.log().Info("Stopping scheduler...")

		close(s.done)
		s.listener.Close()
		s.eventLoop.send(shutdownEvent{})

		// Waits for all loops to stop.
		s.wg.Wait()

		s.torrentlog.Sync()

		s.log().Info("Scheduler stopped")
	})
}

// AddTorrent begins leeching or seeding ref.
func (s *scheduler) AddTorrent(ref TorrentRef) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(addTorrentEvent{ref, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// RemoveTorrent forcibly stops leeching / seeding for h.
func (s *scheduler) RemoveTorrent(h core.InfoHash) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(removeTorrentEvent{h, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// TorrentGotMetadata re-derives h's wire-level shape from its now-complete
// torrent_ref.
func (s *scheduler) TorrentGotMetadata(h core.InfoHash) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(torrentGotMetadataEvent{h, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// AddPeerAddrs seeds h's atom pool with addrs discovered via source.
func (s *scheduler) AddPeerAddrs(h core.InfoHash, addrs []*core.PeerAddr, source core.Source) error {
	errc := make(chan error, 1)
	if !s.eventLoop.send(addPeerAddrsEvent{h, addrs, source, errc}) {
		return ErrSchedulerStopped
	}
	return <-errc
}

// BlacklistSnapshot returns a snapshot of the current connection blacklist.
func (s *scheduler) BlacklistSnapshot() ([]connstate.BlacklistedConn, error) {
	result := make(chan []connstate.BlacklistedConn)
	if !s.eventLoop.send(blacklistSnapshotEvent{result}) {
		return nil, ErrSchedulerStopped
	}
	return <-result, nil
}

// Probe verifies that the scheduler event loop is running and unblocked.
func (s *scheduler) Probe() error {
	return s.eventLoop.sendTimeout(probeEvent{}, s.config.ProbeTimeout)
}

func (s *scheduler) runEventLoop() {
	defer s.wg.Done()

	s.eventLoop.run(newState(s))
}

// listenLoop accepts incoming connections.
func (s *scheduler) listenLoop() {
	defer s.wg.Done()

	s.log().Infof("Listening on %s", s.listener.Addr().String())
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			s.log().Infof("Error accepting new conn, exiting listen loop: %s", err)
			return
		}
		go func() {
			pc, err := s.handshaker.Accept(nc)
			if err != nil {
				s.log().Infof("Error accepting handshake, closing net conn: %s", err)
				nc.Close()
				return
			}
			s.eventLoop.send(incomingHandshakeEvent{pc})
		}()
	}
}

// tickerLoop periodically emits tick events driving the four timer
// callbacks of spec.md §5 (atom ageing, bandwidth, rechoke, refill-upkeep),
// plus preemption and stats housekeeping.
func (s *scheduler) tickerLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.atomAgeingTick:
			s.eventLoop.send(atomAgeingTickEvent{})
		case <-s.bandwidthTick:
			s.eventLoop.send(bandwidthTickEvent{})
		case <-s.rechokeTick:
			s.eventLoop.send(rechokeTickEvent{})
		case <-s.refillTick:
			s.eventLoop.send(refillTickEvent{})
		case <-s.preemptionTick:
			s.eventLoop.send(preemptionTickEvent{})
		case <-s.emitStatsTick:
			s.eventLoop.send(emitStatsEvent{})
		case <-s.done:
			return
		}
	}
}

func (s *scheduler) failIncomingHandshake(pc *conn.PendingConn, err error) {
	s.log(
		"peer", pc.PeerID(),
		"hash", pc.InfoHash()).Infof("Error accepting incoming handshake: %s", err)
	s.torrentlog.IncomingConnectionReject(pc.InfoHash(), pc.PeerID(), err)
	pc.Close()
	s.eventLoop.send(failedIncomingHandshakeEvent{pc.PeerID(), pc.InfoHash()})
}

// establishIncomingHandshake attempts to establish a pending conn initialized
// by a remote peer. Success / failure is communicated via events.
func (s *scheduler) establishIncomingHandshake(pc *conn.PendingConn) {
	c, err := s.handshaker.Establish(pc)
	if err != nil {
		s.failIncomingHandshake(pc, fmt.Errorf("establish handshake: %s", err))
		return
	}
	s.torrentlog.IncomingConnectionAccept(pc.InfoHash(), pc.PeerID())
	s.eventLoop.send(incomingConnEvent{c})
}

// initializeOutgoingHandshake attempts to initialize a conn to addr, a
// reconnect candidate drawn from h's atom pool. The remote peer id is not
// known ahead of the dial -- atoms are discovered by address alone, never
// by id -- so the handshake accepts whatever id the remote presents.
func (s *scheduler) initializeOutgoingHandshake(h core.InfoHash, addr atom.Addr) {
	dial := addr.String()
	var zero core.PeerID
	c, err := s.handshaker.Initialize(zero, dial, h)
	if err != nil {
		s.log("hash", h, "addr", dial).Infof("Error initializing outgoing handshake: %s", err)
		s.torrentlog.OutgoingConnectionReject(h, zero, err)
		s.eventLoop.send(failedOutgoingHandshakeEvent{addr, h, err})
		return
	}
	s.torrentlog.OutgoingConnectionAccept(h, c.PeerID())
	s.eventLoop.send(outgoingConnEvent{addr, c})
}

func (s *scheduler) log(args ...interface{}) *zap.SugaredLogger {
	return s.logger.With(args...)
}
