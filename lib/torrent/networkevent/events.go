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

// Package networkevent defines a stream of structured events describing the
// lifecycle of torrents, connections, and individual wire messages. Events
// are emitted as newline-delimited JSON for offline analysis; they have no
// bearing on scheduling decisions.
package networkevent

import (
	"encoding/json"
	"time"

	"github.com/quietswarm/peerengine/core"
)

// Name identifies an event type.
type Name string

// Connection lifecycle event names.
const (
	AddTorrent      Name = "add_torrent"
	AddActiveConn   Name = "add_active_conn"
	DropActiveConn  Name = "drop_active_conn"
	BlacklistConn   Name = "blacklist_conn"
	TorrentComplete Name = "torrent_complete"
	TorrentCancel   Name = "torrent_cancelled"
)

// Wire-message event names, one per distinct message a dispatcher may
// receive off a peer connection.
const (
	GotBlock       Name = "got_block"
	GotHave        Name = "got_have"
	GotBitfield    Name = "got_bitfield"
	GotHaveAll     Name = "got_have_all"
	GotHaveNone    Name = "got_have_none"
	GotChoke       Name = "got_choke"
	GotUnchoke     Name = "got_unchoke"
	GotReject      Name = "got_reject"
	GotPort        Name = "got_port"
	GotSuggest     Name = "got_suggest"
	GotAllowedFast Name = "got_allowed_fast"
	PeerGotData    Name = "peer_got_data"
	ClientGotData  Name = "client_got_data"
	EventError     Name = "error"
	GotMetadata    Name = "got_metadata"
	GotPexPeers    Name = "got_pex_peers"
)

// Event is a single structured record of something that happened to a
// torrent, a connection, or a peer.
type Event struct {
	Name       Name          `json:"name"`
	Torrent    core.InfoHash `json:"torrent"`
	Self       core.PeerID   `json:"self"`
	Time       time.Time     `json:"time"`
	Peer       core.PeerID   `json:"peer,omitempty"`
	Piece      int           `json:"piece,omitempty"`
	Offset     int           `json:"offset,omitempty"`
	Length     int           `json:"length,omitempty"`
	Bitfield   []byte        `json:"bitfield,omitempty"`
	DurationMS int64         `json:"duration_ms,omitempty"`
	ConnCapacity int         `json:"conn_capacity,omitempty"`
	MetadataSize int         `json:"metadata_size,omitempty"`
	NumAdded   int           `json:"num_added,omitempty"`
	NumDropped int           `json:"num_dropped,omitempty"`
	Err        string        `json:"error,omitempty"`
}

// JSON marshals e as a single line of JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

func baseEvent(name Name, h core.InfoHash, self core.PeerID) *Event {
	return &Event{Name: name, Torrent: h, Self: self, Time: time.Now()}
}

// AddTorrentEvent records a torrent being added to the session.
func AddTorrentEvent(h core.InfoHash, self core.PeerID, connCapacity int) *Event {
	e := baseEvent(AddTorrent, h, self)
	e.ConnCapacity = connCapacity
	return e
}

// AddActiveConnEvent records a connection transitioning from pending to
// active.
func AddActiveConnEvent(h core.InfoHash, self, peer core.PeerID) *Event {
	e := baseEvent(AddActiveConn, h, self)
	e.Peer = peer
	return e
}

// DropActiveConnEvent records an active connection being removed.
func DropActiveConnEvent(h core.InfoHash, self, peer core.PeerID) *Event {
	e := baseEvent(DropActiveConn, h, self)
	e.Peer = peer
	return e
}

// BlacklistConnEvent records a peer being blacklisted for a torrent.
func BlacklistConnEvent(h core.InfoHash, self, peer core.PeerID, duration time.Duration) *Event {
	e := baseEvent(BlacklistConn, h, self)
	e.Peer = peer
	e.DurationMS = duration.Milliseconds()
	return e
}

// TorrentCompleteEvent records a torrent finishing download.
func TorrentCompleteEvent(h core.InfoHash, self core.PeerID) *Event {
	return baseEvent(TorrentComplete, h, self)
}

// TorrentCancelledEvent records a torrent being manually removed before
// completion.
func TorrentCancelledEvent(h core.InfoHash, self core.PeerID) *Event {
	return baseEvent(TorrentCancel, h, self)
}

// GotBlockEvent records a Piece message received from peer.
func GotBlockEvent(h core.InfoHash, self, peer core.PeerID, piece, offset, length int) *Event {
	e := baseEvent(GotBlock, h, self)
	e.Peer, e.Piece, e.Offset, e.Length = peer, piece, offset, length
	return e
}

// GotHaveEvent records a Have message received from peer.
func GotHaveEvent(h core.InfoHash, self, peer core.PeerID, piece int) *Event {
	e := baseEvent(GotHave, h, self)
	e.Peer, e.Piece = peer, piece
	return e
}

// GotBitfieldEvent records a Bitfield message received from peer.
func GotBitfieldEvent(h core.InfoHash, self, peer core.PeerID, bitfield []byte) *Event {
	e := baseEvent(GotBitfield, h, self)
	e.Peer, e.Bitfield = peer, bitfield
	return e
}

// GotHaveAllEvent records a Fast Extension HaveAll message received from peer.
func GotHaveAllEvent(h core.InfoHash, self, peer core.PeerID) *Event {
	e := baseEvent(GotHaveAll, h, self)
	e.Peer = peer
	return e
}

// GotHaveNoneEvent records a Fast Extension HaveNone message received from peer.
func GotHaveNoneEvent(h core.InfoHash, self, peer core.PeerID) *Event {
	e := baseEvent(GotHaveNone, h, self)
	e.Peer = peer
	return e
}

// GotChokeEvent records a Choke message received from peer.
func GotChokeEvent(h core.InfoHash, self, peer core.PeerID) *Event {
	e := baseEvent(GotChoke, h, self)
	e.Peer = peer
	return e
}

// GotUnchokeEvent records an Unchoke message received from peer.
func GotUnchokeEvent(h core.InfoHash, self, peer core.PeerID) *Event {
	e := baseEvent(GotUnchoke, h, self)
	e.Peer = peer
	return e
}

// GotRejectEvent records a Fast Extension Reject message received from peer.
func GotRejectEvent(h core.InfoHash, self, peer core.PeerID, piece, offset, length int) *Event {
	e := baseEvent(GotReject, h, self)
	e.Peer, e.Piece, e.Offset, e.Length = peer, piece, offset, length
	return e
}

// GotPortEvent records a Port (DHT) message received from peer.
func GotPortEvent(h core.InfoHash, self, peer core.PeerID, port int) *Event {
	e := baseEvent(GotPort, h, self)
	e.Peer, e.Offset = peer, port
	return e
}

// GotSuggestEvent records a Fast Extension Suggest Piece message received
// from peer.
func GotSuggestEvent(h core.InfoHash, self, peer core.PeerID, piece int) *Event {
	e := baseEvent(GotSuggest, h, self)
	e.Peer, e.Piece = peer, piece
	return e
}

// GotAllowedFastEvent records a Fast Extension Allowed Fast message received
// from peer.
func GotAllowedFastEvent(h core.InfoHash, self, peer core.PeerID, piece int) *Event {
	e := baseEvent(GotAllowedFast, h, self)
	e.Peer, e.Piece = peer, piece
	return e
}

// PeerGotDataEvent records that a remote peer successfully received a block
// we sent it.
func PeerGotDataEvent(h core.InfoHash, self, peer core.PeerID, piece, offset, length int) *Event {
	e := baseEvent(PeerGotData, h, self)
	e.Peer, e.Piece, e.Offset, e.Length = peer, piece, offset, length
	return e
}

// ClientGotDataEvent records that the local client successfully received and
// credited a block from peer.
func ClientGotDataEvent(h core.InfoHash, self, peer core.PeerID, piece, offset, length int) *Event {
	e := baseEvent(ClientGotData, h, self)
	e.Peer, e.Piece, e.Offset, e.Length = peer, piece, offset, length
	return e
}

// GotMetadataEvent records the local client finishing assembly of a
// torrent's info dictionary over ut_metadata.
func GotMetadataEvent(h core.InfoHash, self, peer core.PeerID, size int) *Event {
	e := baseEvent(GotMetadata, h, self)
	e.Peer, e.MetadataSize = peer, size
	return e
}

// GotPexPeersEvent records a PEX message decoded from peer, before the
// addresses it carries are admitted into the atom pool.
func GotPexPeersEvent(h core.InfoHash, self, peer core.PeerID, numAdded, numDropped int) *Event {
	e := baseEvent(GotPexPeers, h, self)
	e.Peer, e.NumAdded, e.NumDropped = peer, numAdded, numDropped
	return e
}

// ErrorEvent records an error encountered while handling peer in the context
// of torrent h.
func ErrorEvent(h core.InfoHash, self, peer core.PeerID, err error) *Event {
	e := baseEvent(EventError, h, self)
	e.Peer = peer
	e.Err = err.Error()
	return e
}
