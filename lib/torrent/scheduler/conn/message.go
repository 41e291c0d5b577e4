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
package conn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
)

// ID is a BitTorrent wire protocol message id, per BEP 3 and the Fast
// Extension (BEP 6).
type ID byte

// Message ids. Values 0-9 are the base protocol; 13-17 are the Fast
// Extension; 20 is LTEP (BEP 10).
const (
	IDChoke         ID = 0
	IDUnchoke       ID = 1
	IDInterested    ID = 2
	IDNotInterested ID = 3
	IDHave          ID = 4
	IDBitfield      ID = 5
	IDRequest       ID = 6
	IDPiece         ID = 7
	IDCancel        ID = 8

	IDSuggestPiece ID = 13
	IDHaveAll      ID = 14
	IDHaveNone     ID = 15
	IDReject       ID = 16
	IDAllowedFast  ID = 17

	IDExtended ID = 20

	// keepAliveID is a synthetic id (not on the wire) used to represent a
	// zero-length keep-alive message once parsed.
	keepAliveID ID = 255
)

func (id ID) String() string {
	switch id {
	case IDChoke:
		return "choke"
	case IDUnchoke:
		return "unchoke"
	case IDInterested:
		return "interested"
	case IDNotInterested:
		return "not_interested"
	case IDHave:
		return "have"
	case IDBitfield:
		return "bitfield"
	case IDRequest:
		return "request"
	case IDPiece:
		return "piece"
	case IDCancel:
		return "cancel"
	case IDSuggestPiece:
		return "suggest_piece"
	case IDHaveAll:
		return "have_all"
	case IDHaveNone:
		return "have_none"
	case IDReject:
		return "reject"
	case IDAllowedFast:
		return "allowed_fast"
	case IDExtended:
		return "extended"
	case keepAliveID:
		return "keep_alive"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// PieceReader supplies the bytes of an outgoing Piece payload. Readers are
// always closed by the sender once fully written.
type PieceReader interface {
	io.Reader
	io.Closer
	Length() int64
}

// bufferPieceReader is a PieceReader backed by an in-memory buffer, used for
// payload read off the wire.
type bufferPieceReader struct {
	*bytes.Reader
	length int64
}

// NewBufferPieceReader wraps b as a PieceReader.
func NewBufferPieceReader(b []byte) PieceReader {
	return &bufferPieceReader{bytes.NewReader(b), int64(len(b))}
}

func (r *bufferPieceReader) Length() int64 { return r.length }
func (r *bufferPieceReader) Close() error  { return nil }

// Message is a single parsed wire protocol message, plus an optional piece
// payload. Only IDPiece messages carry a non-nil Payload.
type Message struct {
	ID ID

	// Index/Offset/Length apply to Have, Request, Piece, Cancel, Reject,
	// SuggestPiece, AllowedFast.
	Index  int
	Offset int
	Length int

	// Bitfield applies to IDBitfield: the raw wire bytes, MSB-first per
	// byte, one bit per piece.
	Bitfield []byte

	// Extended applies to IDExtended: the LTEP sub-id followed by a
	// bencoded payload.
	ExtendedID      byte
	ExtendedPayload []byte

	Payload PieceReader
}

// NewChokeMessage returns a Choke message.
func NewChokeMessage() *Message { return &Message{ID: IDChoke} }

// NewUnchokeMessage returns an Unchoke message.
func NewUnchokeMessage() *Message { return &Message{ID: IDUnchoke} }

// NewInterestedMessage returns an Interested message.
func NewInterestedMessage() *Message { return &Message{ID: IDInterested} }

// NewNotInterestedMessage returns a NotInterested message.
func NewNotInterestedMessage() *Message { return &Message{ID: IDNotInterested} }

// NewHaveMessage returns a Have message for piece index.
func NewHaveMessage(index int) *Message { return &Message{ID: IDHave, Index: index} }

// NewHaveAllMessage returns a Fast Extension HaveAll message.
func NewHaveAllMessage() *Message { return &Message{ID: IDHaveAll} }

// NewHaveNoneMessage returns a Fast Extension HaveNone message.
func NewHaveNoneMessage() *Message { return &Message{ID: IDHaveNone} }

// NewBitfieldMessage returns a Bitfield message carrying the raw wire bytes.
func NewBitfieldMessage(b []byte) *Message { return &Message{ID: IDBitfield, Bitfield: b} }

// NewRequestMessage returns a Request message for a single block.
func NewRequestMessage(index, offset, length int) *Message {
	return &Message{ID: IDRequest, Index: index, Offset: offset, Length: length}
}

// NewCancelMessage returns a Cancel message for a single block.
func NewCancelMessage(index, offset, length int) *Message {
	return &Message{ID: IDCancel, Index: index, Offset: offset, Length: length}
}

// NewRejectMessage returns a Fast Extension Reject message.
func NewRejectMessage(index, offset, length int) *Message {
	return &Message{ID: IDReject, Index: index, Offset: offset, Length: length}
}

// NewPieceMessage returns a Piece message carrying pr as the payload.
func NewPieceMessage(index, offset int, pr PieceReader) *Message {
	return &Message{ID: IDPiece, Index: index, Offset: offset, Length: int(pr.Length()), Payload: pr}
}

// NewExtendedMessage returns an LTEP (BEP 10) message.
func NewExtendedMessage(extendedID byte, payload []byte) *Message {
	return &Message{ID: IDExtended, ExtendedID: extendedID, ExtendedPayload: payload}
}

// NewKeepAliveMessage returns a zero-length keep-alive message.
func NewKeepAliveMessage() *Message { return &Message{ID: keepAliveID} }

func encodeMessage(msg *Message) []byte {
	var buf bytes.Buffer
	switch msg.ID {
	case IDChoke, IDUnchoke, IDInterested, IDNotInterested, IDHaveAll, IDHaveNone:
		buf.WriteByte(byte(msg.ID))
	case IDHave:
		buf.WriteByte(byte(msg.ID))
		binary.Write(&buf, binary.BigEndian, uint32(msg.Index))
	case IDBitfield:
		buf.WriteByte(byte(msg.ID))
		buf.Write(msg.Bitfield)
	case IDRequest, IDCancel, IDReject, IDSuggestPiece, IDAllowedFast:
		buf.WriteByte(byte(msg.ID))
		binary.Write(&buf, binary.BigEndian, uint32(msg.Index))
		binary.Write(&buf, binary.BigEndian, uint32(msg.Offset))
		binary.Write(&buf, binary.BigEndian, uint32(msg.Length))
	case IDPiece:
		buf.WriteByte(byte(msg.ID))
		binary.Write(&buf, binary.BigEndian, uint32(msg.Index))
		binary.Write(&buf, binary.BigEndian, uint32(msg.Offset))
	case IDExtended:
		buf.WriteByte(byte(msg.ID))
		buf.WriteByte(msg.ExtendedID)
		buf.Write(msg.ExtendedPayload)
	}
	return buf.Bytes()
}

func sendMessage(nc net.Conn, msg *Message) error {
	body := encodeMessage(msg)
	if err := binary.Write(nc, binary.BigEndian, uint32(len(body))); err != nil {
		return fmt.Errorf("write length: %s", err)
	}
	for len(body) > 0 {
		n, err := nc.Write(body)
		if err != nil {
			return fmt.Errorf("write body: %s", err)
		}
		body = body[n:]
	}
	return nil
}

func sendMessageWithTimeout(nc net.Conn, msg *Message, timeout time.Duration) error {
	// NOTE: We do not use the clock interface here because the net package uses
	// the system clock when evaluating deadlines.
	if err := nc.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %s", err)
	}
	return sendMessage(nc, msg)
}

// fixedBodyLength returns the required body length (not counting the piece
// payload itself) for id, and false for ids whose length is variable
// (Bitfield, Extended) or whose length is not validated here (Piece, which
// is length-checked against the torrent separately).
func fixedBodyLength(id ID) (int, bool) {
	switch id {
	case IDChoke, IDUnchoke, IDInterested, IDNotInterested, IDHaveAll, IDHaveNone:
		return 1, true
	case IDHave:
		return 5, true
	case IDRequest, IDCancel, IDReject, IDSuggestPiece, IDAllowedFast:
		return 13, true
	case IDPiece:
		return 9, true
	}
	return 0, false
}

func readMessage(nc net.Conn) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(nc, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read length: %s", err)
	}
	bodyLen := binary.BigEndian.Uint32(lenBuf[:])
	if bodyLen == 0 {
		// Keep-alive: no id, no body.
		return nil, nil
	}
	if uint64(bodyLen) > maxMessageSize {
		return nil, fmt.Errorf("message exceeds max size: %d > %d", bodyLen, maxMessageSize)
	}

	var idBuf [1]byte
	if _, err := io.ReadFull(nc, idBuf[:]); err != nil {
		return nil, fmt.Errorf("read id: %s", err)
	}
	id := ID(idBuf[0])

	rest := int(bodyLen) - 1
	if n, ok := fixedBodyLength(id); ok && rest != n-1 {
		return nil, fmt.Errorf("message %s: invalid length %d", id, bodyLen)
	}

	switch id {
	case IDChoke, IDUnchoke, IDInterested, IDNotInterested, IDHaveAll, IDHaveNone:
		return &Message{ID: id}, nil
	case IDHave:
		var b [4]byte
		if _, err := io.ReadFull(nc, b[:]); err != nil {
			return nil, fmt.Errorf("read have: %s", err)
		}
		return &Message{ID: id, Index: int(binary.BigEndian.Uint32(b[:]))}, nil
	case IDBitfield:
		b := make([]byte, rest)
		if _, err := io.ReadFull(nc, b); err != nil {
			return nil, fmt.Errorf("read bitfield: %s", err)
		}
		return &Message{ID: id, Bitfield: b}, nil
	case IDRequest, IDCancel, IDReject, IDSuggestPiece, IDAllowedFast:
		var b [12]byte
		if _, err := io.ReadFull(nc, b[:]); err != nil {
			return nil, fmt.Errorf("read %s: %s", id, err)
		}
		return &Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(b[0:4])),
			Offset: int(binary.BigEndian.Uint32(b[4:8])),
			Length: int(binary.BigEndian.Uint32(b[8:12])),
		}, nil
	case IDPiece:
		var b [8]byte
		if _, err := io.ReadFull(nc, b[:]); err != nil {
			return nil, fmt.Errorf("read piece header: %s", err)
		}
		return &Message{
			ID:     id,
			Index:  int(binary.BigEndian.Uint32(b[0:4])),
			Offset: int(binary.BigEndian.Uint32(b[4:8])),
			Length: rest,
		}, nil
	case IDExtended:
		if rest < 1 {
			return nil, fmt.Errorf("extended message too short")
		}
		var eid [1]byte
		if _, err := io.ReadFull(nc, eid[:]); err != nil {
			return nil, fmt.Errorf("read extended id: %s", err)
		}
		payload := make([]byte, rest-1)
		if _, err := io.ReadFull(nc, payload); err != nil {
			return nil, fmt.Errorf("read extended payload: %s", err)
		}
		return &Message{ID: id, ExtendedID: eid[0], ExtendedPayload: payload}, nil
	default:
		// Unknown message id: drain and ignore, per BEP 3 forward compatibility.
		if rest > 0 {
			if _, err := io.CopyN(io.Discard, nc, int64(rest)); err != nil {
				return nil, fmt.Errorf("discard unknown message body: %s", err)
			}
		}
		return &Message{ID: id}, nil
	}
}

func readMessageWithTimeout(nc net.Conn, timeout time.Duration) (*Message, error) {
	// NOTE: We do not use the clock interface here because the net package uses
	// the system clock when evaluating deadlines.
	if err := nc.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set read deadline: %s", err)
	}
	return readMessage(nc)
}
