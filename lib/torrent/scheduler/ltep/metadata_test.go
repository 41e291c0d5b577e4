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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietswarm/peerengine/core"
)

func TestMetadataRequestRoundTrip(t *testing.T) {
	require := require.New(t)

	body, err := EncodeMetadataRequest(3)
	require.NoError(err)

	msg, err := DecodeMetadataHeader(body)
	require.NoError(err)
	require.Equal(MetaRequest, msg.Type)
	require.Equal(3, msg.Piece)
}

func TestMetadataDataRoundTrip(t *testing.T) {
	require := require.New(t)

	body, err := EncodeMetadataData(1, 40000)
	require.NoError(err)

	msg, err := DecodeMetadataHeader(body)
	require.NoError(err)
	require.Equal(MetaData, msg.Type)
	require.Equal(1, msg.Piece)
	require.Equal(40000, msg.TotalSize)
}

func TestNumAndLengthOfMetadataPieces(t *testing.T) {
	require := require.New(t)
	require.Equal(3, NumMetadataPieces(40000))
	require.Equal(MetadataPieceSize, MetadataPieceLength(0, 40000))
	require.Equal(40000-2*MetadataPieceSize, MetadataPieceLength(2, 40000))
	require.Equal(0, MetadataPieceLength(3, 40000))
}

func TestRequesterResolveRejectsMismatchedPiece(t *testing.T) {
	require := require.New(t)
	r := NewRequester()
	var p core.PeerID
	p[0] = 1

	now := time.Unix(0, 0)
	r.Sent(p, 2, now)

	require.ErrorIs(r.Resolve(p, 3), ErrNoSuchRequest)
	require.NoError(r.Resolve(p, 2))
	require.ErrorIs(r.Resolve(p, 2), ErrNoSuchRequest)
}

func TestRequesterExpiredClearsAgedRequests(t *testing.T) {
	require := require.New(t)
	r := NewRequester()
	var p core.PeerID
	p[0] = 1

	start := time.Unix(0, 0)
	r.Sent(p, 0, start)

	require.Empty(r.Expired(start.Add(119 * time.Second)))
	require.Equal([]core.PeerID{p}, r.Expired(start.Add(121*time.Second)))
	require.Empty(r.Expired(start.Add(200 * time.Second)))
}
