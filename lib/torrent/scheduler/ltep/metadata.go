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

package ltep

import (
	"errors"
	"time"

	"github.com/quietswarm/peerengine/core"
)

// MetadataPieceSize is the fixed chunk size BEP 9 slices the info
// dictionary into; every piece except the last is exactly this size.
const MetadataPieceSize = 16 * 1024

// Metadata msg_type values, per BEP 9.
const (
	MetaRequest = 0
	MetaData    = 1
	MetaReject  = 2
)

// metaMsg is the bencoded prefix of a ut_metadata message; the Data
// message additionally appends the raw piece bytes after the dictionary,
// which callers handle separately since it is not itself bencoded.
type metaMsg struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

// EncodeMetadataRequest builds a msg_type=0 request for piece.
func EncodeMetadataRequest(piece int) ([]byte, error) {
	return marshal(metaMsg{MsgType: MetaRequest, Piece: piece})
}

// EncodeMetadataReject builds a msg_type=2 rejection for piece.
func EncodeMetadataReject(piece int) ([]byte, error) {
	return marshal(metaMsg{MsgType: MetaReject, Piece: piece})
}

// EncodeMetadataData builds a msg_type=1 response dictionary for piece,
// given the total info-dictionary size; the caller appends data after this
// dictionary on the wire.
func EncodeMetadataData(piece, totalSize int) ([]byte, error) {
	return marshal(metaMsg{MsgType: MetaData, Piece: piece, TotalSize: totalSize})
}

// MetadataMessage is the decoded dictionary of a ut_metadata message. The
// raw piece bytes that follow the dictionary in a MetaData message are not
// part of it; DecodeMetadataData returns them separately.
type MetadataMessage struct {
	Type      int
	Piece     int
	TotalSize int
}

// DecodeMetadataData parses a ut_metadata message and, for Type ==
// MetaData, also returns the raw piece bytes that trail the bencoded
// dictionary. The trailing slice aliases body and is nil for any other
// Type.
func DecodeMetadataData(body []byte) (MetadataMessage, []byte, error) {
	var msg metaMsg
	n, err := unmarshalConsumed(body, &msg)
	if err != nil {
		return MetadataMessage{}, nil, err
	}
	m := MetadataMessage{Type: msg.MsgType, Piece: msg.Piece, TotalSize: msg.TotalSize}
	if msg.MsgType != MetaData {
		return m, nil, nil
	}
	return m, body[n:], nil
}

// DecodeMetadataHeader parses the bencoded dictionary prefix of a
// ut_metadata message, discarding any trailing raw data bytes.
func DecodeMetadataHeader(body []byte) (MetadataMessage, error) {
	var msg metaMsg
	if err := unmarshal(body, &msg); err != nil {
		return MetadataMessage{}, err
	}
	return MetadataMessage{Type: msg.MsgType, Piece: msg.Piece, TotalSize: msg.TotalSize}, nil
}

// ErrNoSuchRequest is returned when a metadata Data/Reject arrives for a
// piece we never requested.
var ErrNoSuchRequest = errors.New("ltep: metadata response for unrequested piece")

// metadataRequestTimeout mirrors the request ledger's 120s block-request
// timeout (lib/torrent/scheduler/ledger); metadata pieces are small and
// infrequent, so reusing the same timeout keeps the two request-tracking
// mechanisms consistent rather than inventing a second constant.
const metadataRequestTimeout = 120 * time.Second

// Requester tracks our own outstanding ut_metadata piece requests, one
// per peer, mirroring the correlation pattern of
// lib/torrent/scheduler/ledger.Manager (a map of in-flight requests keyed
// by identity, expired on a timeout scan) but at metadata-piece rather
// than block granularity.
type Requester struct {
	outstanding map[core.PeerID]metaRequest
}

type metaRequest struct {
	piece  int
	sentAt time.Time
}

// NewRequester creates an empty Requester.
func NewRequester() *Requester {
	return &Requester{outstanding: make(map[core.PeerID]metaRequest)}
}

// Sent records that we just asked peerID for piece at now.
func (r *Requester) Sent(peerID core.PeerID, piece int, now time.Time) {
	r.outstanding[peerID] = metaRequest{piece: piece, sentAt: now}
}

// Resolve clears the outstanding request for peerID if it matches piece,
// returning ErrNoSuchRequest if there was no matching request.
func (r *Requester) Resolve(peerID core.PeerID, piece int) error {
	req, ok := r.outstanding[peerID]
	if !ok || req.piece != piece {
		return ErrNoSuchRequest
	}
	delete(r.outstanding, peerID)
	return nil
}

// ClearPeer drops any outstanding request to peerID, e.g. on disconnect.
func (r *Requester) ClearPeer(peerID core.PeerID) {
	delete(r.outstanding, peerID)
}

// Expired returns the peers whose outstanding metadata request has aged
// past metadataRequestTimeout, clearing them so a fresh request may be
// sent to a different peer.
func (r *Requester) Expired(now time.Time) []core.PeerID {
	var expired []core.PeerID
	for peerID, req := range r.outstanding {
		if now.Sub(req.sentAt) >= metadataRequestTimeout {
			expired = append(expired, peerID)
			delete(r.outstanding, peerID)
		}
	}
	return expired
}

// NumMetadataPieces returns how many BEP 9 pieces an info dictionary of
// totalSize bytes splits into.
func NumMetadataPieces(totalSize int) int {
	if totalSize <= 0 {
		return 0
	}
	return (totalSize + MetadataPieceSize - 1) / MetadataPieceSize
}

// MetadataPieceLength returns the length of metadata piece i out of an
// info dictionary of totalSize bytes: MetadataPieceSize for every piece
// except a possibly-short final one.
func MetadataPieceLength(piece, totalSize int) int {
	start := piece * MetadataPieceSize
	if start >= totalSize {
		return 0
	}
	if totalSize-start < MetadataPieceSize {
		return totalSize - start
	}
	return MetadataPieceSize
}
