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
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quietswarm/peerengine/core"
)

func TestHandshakerSetsConnFieldsProperly(t *testing.T) {
	require := require.New(t)

	l1, err := net.Listen("tcp", "localhost:0")
	require.NoError(err)
	defer l1.Close()

	config := ConfigFixture()
	h1 := HandshakerFixture(config)
	h2 := HandshakerFixture(config)

	infoHash := core.InfoHashFixture()

	var wg sync.WaitGroup

	start := time.Now()

	wg.Add(1)
	go func() {
		defer wg.Done()

		nc, err := l1.Accept()
		require.NoError(err)

		pc, err := h1.Accept(nc)
		require.NoError(err)
		require.Equal(h2.localPeerID, pc.PeerID())
		require.Equal(infoHash, pc.InfoHash())

		c, err := h1.Establish(pc)
		require.NoError(err)
		require.Equal(h2.localPeerID, c.PeerID())
		require.Equal(infoHash, c.InfoHash())
		require.True(c.CreatedAt().After(start))
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		c, err := h2.Initialize(h1.localPeerID, l1.Addr().String(), infoHash)
		require.NoError(err)
		require.Equal(h1.localPeerID, c.PeerID())
		require.Equal(infoHash, c.InfoHash())
		require.True(c.CreatedAt().After(start))
	}()

	wg.Wait()
}

func TestHandshakerRejectsMismatchedProtocol(t *testing.T) {
	require := require.New(t)

	l1, err := net.Listen("tcp", "localhost:0")
	require.NoError(err)
	defer l1.Close()

	config := ConfigFixture()
	h1 := HandshakerFixture(config)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()

		nc, err := l1.Accept()
		require.NoError(err)

		_, err = h1.Accept(nc)
		require.Error(err)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		nc, err := net.DialTimeout("tcp", l1.Addr().String(), config.HandshakeTimeout)
		require.NoError(err)
		defer nc.Close()

		_, err = nc.Write(make([]byte, handshakeLen))
		require.NoError(err)
	}()

	wg.Wait()
}
