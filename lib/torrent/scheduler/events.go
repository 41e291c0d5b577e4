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
	"net"
	"time"

	"github.com/quietswarm/peerengine/core"
	"github.com/quietswarm/peerengine/lib/torrent/networkevent"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/atom"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/conn"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/connstate"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/dispatch"
	"github.com/quietswarm/peerengine/lib/torrent/scheduler/ltep"
)

// event describes an external event which modifies state. While the event is
// applying, it is guaranteed to be the only accessor of state.
type event interface {
	apply(*state)
}

// eventLoop represents a serialized list of events to be applied to scheduler
// state.
type eventLoop interface {
	send(event) bool
	sendTimeout(e event, timeout time.Duration) error
	run(*state)
	stop()
}

type baseEventLoop struct {
	events chan event
	done   chan struct{}
}

func newEventLoop() *baseEventLoop {
	return &baseEventLoop{
		events: make(chan event),
		done:   make(chan struct{}),
	}
}

// send sends a new event into l. Should never be called by the same goroutine
// running l (i.e. within apply methods), else deadlock will occur. Returns false
// if the l is not running.
func (l *baseEventLoop) send(e event) bool {
	select {
	case l.events <- e:
		return true
	case <-l.done:
		return false
	}
}

func (l *baseEventLoop) sendTimeout(e event, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case l.events <- e:
		return nil
	case <-l.done:
		return ErrSchedulerStopped
	case <-timer.C:
		return ErrSendEventTimedOut
	}
}

func (l *baseEventLoop) run(s *state) {
	for {
		select {
		case e := <-l.events:
			e.apply(s)
		case <-l.done:
			return
		}
	}
}

func (l *baseEventLoop) stop() {
	close(l.done)
}

// liftedEventLoop lifts the conn and dispatch subpackages' callback-shaped
// Events interfaces into the scheduler's own serialized event stream, so
// that every mutation of state happens from the single event loop goroutine.
type liftedEventLoop struct {
	eventLoop
}

// liftEventLoop lifts events from subpackages into an eventLoop.
func liftEventLoop(l eventLoop) *liftedEventLoop {
	return &liftedEventLoop{l}
}

func (l *liftedEventLoop) ConnClosed(c *conn.Conn) {
	l.send(connClosedEvent{c})
}

func (l *liftedEventLoop) DispatcherComplete(d *dispatch.Dispatcher) {
	l.send(dispatcherCompleteEvent{d})
}

func (l *liftedEventLoop) PeerRemoved(peerID core.PeerID, h core.InfoHash) {
	l.send(peerRemovedEvent{peerID, h})
}

func (l *liftedEventLoop) PeerBanned(peerID core.PeerID, h core.InfoHash, strikes int) {
	l.send(peerBannedEvent{peerID, h, strikes})
}

func (l *liftedEventLoop) GotMetadata(h core.InfoHash, metadata []byte) {
	l.send(gotMetadataEvent{h, metadata})
}

func (l *liftedEventLoop) DiscoveredPeers(h core.InfoHash, peer core.PeerID, peers []ltep.PexPeer) {
	l.send(discoveredPeersEvent{h, peer, peers})
}

// addTorrentEvent occurs when a torrent is handed to the Scheduler via
// AddTorrent.
type addTorrentEvent struct {
	ref  TorrentRef
	errc chan error
}

func (e addTorrentEvent) apply(s *state) {
	if _, err := s.addTorrent(e.ref); err != nil {
		e.errc <- err
		return
	}
	s.log("hash", e.ref.InfoHash()).Info("Added torrent")
	e.errc <- nil
}

// removeTorrentEvent occurs when a torrent is manually removed via the
// Scheduler API.
type removeTorrentEvent struct {
	infoHash core.InfoHash
	errc     chan error
}

func (e removeTorrentEvent) apply(s *state) {
	s.removeTorrent(e.infoHash, ErrTorrentRemoved)
	e.errc <- nil
}

// torrentGotMetadataEvent occurs when the caller reports that h's torrent_ref
// has finished acquiring its info dictionary through some channel other than
// this engine's own ut_metadata exchange. Since a dispatcher's wire-level
// shape (piece count, piece length, block layout) is fixed at construction,
// the only way to pick up the now-complete ref is to tear down and recreate
// the dispatcher; the atom pool, which is independent of wire state, survives
// the swap untouched.
type torrentGotMetadataEvent struct {
	infoHash core.InfoHash
	errc     chan error
}

func (e torrentGotMetadataEvent) apply(s *state) {
	old, ok := s.torrents[e.infoHash]
	if !ok {
		e.errc <- ErrTorrentNotFound
		return
	}

	old.dispatcher.TearDown()

	d, err := dispatch.New(
		s.sched.config.Dispatch,
		s.sched.stats,
		s.sched.clock,
		s.sched.netevents,
		s.sched.eventLoop,
		s.sched.peerID,
		old.ref,
		s.sched.logger,
		s.sched.torrentlog)
	if err != nil {
		s.log("hash", e.infoHash).Errorf("Error rebuilding dispatcher after metadata: %s", err)
		delete(s.torrents, e.infoHash)
		e.errc <- err
		return
	}

	old.dispatcher = d
	old.pendingOut = make(map[string]bool)
	s.log("hash", e.infoHash).Info("Torrent got metadata, dispatcher rebuilt")
	e.errc <- nil
}

// addPeerAddrsEvent occurs when the caller reports addrs freshly discovered
// for h via source. Per spec.md's uniform tick-driven concurrency model,
// this only seeds the atom pool; dialing is deferred to the next atom
// ageing pulse.
type addPeerAddrsEvent struct {
	infoHash core.InfoHash
	addrs    []*core.PeerAddr
	source   core.Source
	errc     chan error
}

func (e addPeerAddrsEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok {
		e.errc <- ErrTorrentNotFound
		return
	}
	now := s.sched.clock.Now()
	for _, pa := range e.addrs {
		ip := net.ParseIP(pa.IP)
		if ip == nil {
			continue
		}
		addr := atom.Addr{IP: ip, Port: uint16(pa.Port)}
		a := ctrl.atoms.Ensure(addr, e.source, now)
		if pa.Complete {
			a.Flags |= atom.FlagSeed
		}
	}
	e.errc <- nil
}

// discoveredPeersEvent occurs when a PEX message from peer adds new
// addresses for h. These flow into the same atom pool ingestion path as
// addPeerAddrsEvent, with source = core.SourcePEX.
type discoveredPeersEvent struct {
	infoHash core.InfoHash
	peer     core.PeerID
	peers    []ltep.PexPeer
}

func (e discoveredPeersEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok {
		return
	}
	now := s.sched.clock.Now()
	for _, p := range e.peers {
		addr := atom.Addr{IP: p.IP, Port: p.Port}
		a := ctrl.atoms.Ensure(addr, core.SourcePEX, now)
		if p.Flags&ltep.PexIsSeed != 0 {
			a.Flags |= atom.FlagSeed
		}
	}
}

// gotMetadataEvent occurs when a dispatcher's ut_metadata exchange with some
// peer finishes assembling the torrent's info dictionary locally. This is
// logged; acting on the bytes (e.g. persisting them so TorrentGotMetadata's
// effect survives a restart) is left to the caller that owns the torrent_ref,
// which observes completion through its own channel.
type gotMetadataEvent struct {
	infoHash core.InfoHash
	metadata []byte
}

func (e gotMetadataEvent) apply(s *state) {
	s.log("hash", e.infoHash).Infof("Assembled metadata, %d bytes", len(e.metadata))
}

// connClosedEvent occurs when a connection is closed.
type connClosedEvent struct {
	c *conn.Conn
}

// apply ejects the conn from the scheduler's active connections and records
// the disconnect against its atom, if any, so future reconnect scoring
// reflects it.
func (e connClosedEvent) apply(s *state) {
	s.conns.DeleteActive(e.c)
	if err := s.conns.Blacklist(e.c.PeerID(), e.c.InfoHash()); err != nil {
		s.log("conn", e.c).Infof("Cannot blacklist active conn: %s", err)
	}
	if ctrl, ok := s.torrents[e.c.InfoHash()]; ok {
		ctrl.atoms.Each(func(a *atom.Atom) bool {
			if a.HasConnectedPeer && a.ConnectedPeer == e.c.PeerID() {
				a.Disconnect(s.sched.clock.Now())
				return false
			}
			return true
		})
	}
}

// incomingHandshakeEvent occurs when a handshake was received from a new
// connection.
type incomingHandshakeEvent struct {
	pc *conn.PendingConn
}

// apply rejects incoming handshakes for unknown torrents, otherwise
// asynchronously establishes the connection. The remote address is not
// checked against a blocklist here.
func (e incomingHandshakeEvent) apply(s *state) {
	if _, ok := s.torrents[e.pc.InfoHash()]; !ok {
		s.log("peer", e.pc.PeerID(), "hash", e.pc.InfoHash()).Info(
			"Rejecting incoming handshake for unknown torrent")
		e.pc.Close()
		return
	}
	go s.sched.establishIncomingHandshake(e.pc)
}

// failedIncomingHandshakeEvent occurs when a pending incoming connection
// fails to handshake.
type failedIncomingHandshakeEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
}

func (e failedIncomingHandshakeEvent) apply(s *state) {
	s.conns.DeletePending(e.peerID, e.infoHash)
}

// incomingConnEvent occurs when a pending incoming connection finishes
// handshaking.
type incomingConnEvent struct {
	c *conn.Conn
}

// apply transitions a fully-handshaked incoming conn from pending to active.
func (e incomingConnEvent) apply(s *state) {
	if err := s.addIncomingConn(e.c, e.c.RemoteAddr()); err != nil {
		s.log("conn", e.c).Errorf("Error adding incoming conn: %s", err)
		e.c.Close()
		return
	}
	s.log("conn", e.c).Info("Added incoming conn")
}

// failedOutgoingHandshakeEvent occurs when an outgoing dial to a reconnect
// candidate fails, at any stage: dial, handshake, or info hash mismatch.
type failedOutgoingHandshakeEvent struct {
	addr     atom.Addr
	infoHash core.InfoHash
	err      error
}

func (e failedOutgoingHandshakeEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok {
		return
	}
	delete(ctrl.pendingOut, e.addr.String())
	if a, found := ctrl.atoms.Get(e.addr); found {
		a.RecordConnectFailure(s.sched.clock.Now())
	}
}

// outgoingConnEvent occurs when an outgoing dial to a reconnect candidate
// finishes handshaking.
type outgoingConnEvent struct {
	addr atom.Addr
	c    *conn.Conn
}

// apply transitions a fully-handshaked outgoing conn from pending to active.
func (e outgoingConnEvent) apply(s *state) {
	if err := s.addOutgoingConn(e.c.InfoHash(), e.addr, e.c); err != nil {
		s.log("conn", e.c).Errorf("Error adding outgoing conn: %s", err)
		e.c.Close()
		return
	}
	s.log("conn", e.c).Info("Added outgoing conn")
}

// dispatcherCompleteEvent occurs when a dispatcher finishes downloading its
// torrent.
type dispatcherCompleteEvent struct {
	dispatcher *dispatch.Dispatcher
}

func (e dispatcherCompleteEvent) apply(s *state) {
	infoHash := e.dispatcher.InfoHash()
	s.conns.ClearBlacklist(infoHash)
	ctrl, ok := s.torrents[infoHash]
	if !ok {
		s.log("dispatcher", e.dispatcher).Error("Completed dispatcher not found")
		return
	}
	s.log("hash", infoHash).Info("Torrent complete")
	recordDownloadTime(s.sched.stats, e.dispatcher.Length(), s.sched.clock.Now().Sub(ctrl.addedAt))
	s.sched.netevents.Produce(networkevent.TorrentCompleteEvent(infoHash, s.sched.peerID))
}

// peerRemovedEvent occurs when a dispatcher removes a peer with a closed
// connection.
type peerRemovedEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
}

func (e peerRemovedEvent) apply(s *state) {}

// peerBannedEvent occurs when a dispatcher bans a peer for repeated
// corrupt-block strikes, per spec.md §7.
type peerBannedEvent struct {
	peerID   core.PeerID
	infoHash core.InfoHash
	strikes  int
}

func (e peerBannedEvent) apply(s *state) {
	ctrl, ok := s.torrents[e.infoHash]
	if !ok {
		return
	}
	ctrl.atoms.Each(func(a *atom.Atom) bool {
		if a.HasConnectedPeer && a.ConnectedPeer == e.peerID {
			a.Ban()
			return false
		}
		return true
	})
	s.log("peer", e.peerID, "hash", e.infoHash).Infof(
		"Banning peer after %d corrupt block strikes", e.strikes)
}

// atomAgeingTickEvent drives the 60s atom pool ageing pulse (spec.md §5):
// pruning every torrent's atom pool down to size and issuing outgoing
// handshakes for its best reconnect candidates.
type atomAgeingTickEvent struct{}

func (e atomAgeingTickEvent) apply(s *state) {
	now := s.sched.clock.Now()
	for h, ctrl := range s.torrents {
		maxPeers := ctrl.ref.MaxConnectedPeers()
		want := maxPeers - s.conns.NumConns(h)
		if want <= 0 {
			ctrl.atoms.Prune(maxPeers, now)
			continue
		}
		if want > s.sched.config.MaxReconnectsPerTick {
			want = s.sched.config.MaxReconnectsPerTick
		}
		want -= len(ctrl.pendingOut)
		if want <= 0 {
			ctrl.atoms.Prune(maxPeers, now)
			continue
		}
		addrs := ctrl.lifecycle.ReconnectPulse(want, maxPeers, ctrl.torrentContext(now), now)
		for _, addr := range addrs {
			if ctrl.pendingOut[addr.String()] {
				continue
			}
			ctrl.pendingOut[addr.String()] = true
			go s.sched.initializeOutgoingHandshake(h, addr)
		}
	}
}

// bandwidthTickEvent drives the 500ms per-peer bandwidth pulse.
type bandwidthTickEvent struct{}

func (e bandwidthTickEvent) apply(s *state) {
	now := s.sched.clock.Now()
	for _, ctrl := range s.torrents {
		ctrl.dispatcher.BandwidthTick(now)
	}
}

// rechokeTickEvent drives the 10s choke/unchoke and interest pulse.
type rechokeTickEvent struct{}

func (e rechokeTickEvent) apply(s *state) {
	now := s.sched.clock.Now()
	for _, ctrl := range s.torrents {
		ctrl.dispatcher.RechokeTick(now, !ctrl.dispatcher.Complete())
	}
}

// refillTickEvent drives the 10s expired-request cancellation and pipeline
// refill pulse.
type refillTickEvent struct{}

func (e refillTickEvent) apply(s *state) {
	for _, ctrl := range s.torrents {
		ctrl.dispatcher.RefillUpkeepTick()
	}
}

// preemptionTickEvent occurs periodically to preempt unneeded conns and
// remove idle torrents.
type preemptionTickEvent struct{}

func (e preemptionTickEvent) apply(s *state) {
	now := s.sched.clock.Now()
	for _, c := range s.conns.ActiveConns() {
		ctrl, ok := s.torrents[c.InfoHash()]
		if !ok {
			s.log("conn", c).Error(
				"Invariant violation: active conn not assigned to dispatcher")
			c.Close()
			continue
		}
		lastProgress := mostRecent(
			c.CreatedAt(),
			ctrl.dispatcher.LastGoodPieceReceived(c.PeerID()),
			ctrl.dispatcher.LastPieceSent(c.PeerID()))
		if now.Sub(lastProgress) > s.sched.config.ConnTTI {
			s.log("conn", c).Info("Closing idle conn")
			c.Close()
			continue
		}
		if now.Sub(c.CreatedAt()) > s.sched.config.ConnTTL {
			s.log("conn", c).Info("Closing expired conn")
			c.Close()
			continue
		}
	}

	for h, ctrl := range s.torrents {
		idleSeeder := ctrl.dispatcher.Complete() &&
			now.Sub(ctrl.dispatcher.LastReadTime()) >= s.sched.config.SeederTTI
		if idleSeeder {
			s.sched.torrentlog.SeedTimeout(h)
		}

		idleLeecher := !ctrl.dispatcher.Complete() &&
			now.Sub(ctrl.dispatcher.LastWriteTime()) >= s.sched.config.LeecherTTI
		if idleLeecher {
			s.sched.torrentlog.LeechTimeout(h)
		}

		if idleSeeder || idleLeecher {
			s.log("hash", h, "inprogress", !ctrl.dispatcher.Complete()).Info("Removing idle torrent")
			s.removeTorrent(h, ErrTorrentTimeout)
		}
	}
}

func mostRecent(times ...time.Time) time.Time {
	var best time.Time
	for _, t := range times {
		if t.After(best) {
			best = t
		}
	}
	return best
}

// emitStatsEvent occurs periodically to emit scheduler stats.
type emitStatsEvent struct{}

func (e emitStatsEvent) apply(s *state) {
	s.sched.stats.Gauge("torrents").Update(float64(len(s.torrents)))
	s.sched.stats.Gauge("active_conns").Update(float64(len(s.conns.ActiveConns())))
}

type blacklistSnapshotEvent struct {
	result chan []connstate.BlacklistedConn
}

func (e blacklistSnapshotEvent) apply(s *state) {
	e.result <- s.conns.BlacklistSnapshot()
}

// probeEvent occurs when a probe is manually requested via scheduler API.
// The event loop is unbuffered, so if a probe can be successfully sent, then
// the event loop is healthy.
type probeEvent struct{}

func (e probeEvent) apply(*state) {}

// shutdownEvent stops the event loop and tears down all active torrents and
// connections.
type shutdownEvent struct{}

func (e shutdownEvent) apply(s *state) {
	for _, c := range s.conns.ActiveConns() {
		s.log("conn", c).Info("Closing conn to stop scheduler")
		c.Close()
	}
	for h, ctrl := range s.torrents {
		ctrl.dispatcher.TearDown()
		delete(s.torrents, h)
	}
	s.sched.eventLoop.stop()
}
