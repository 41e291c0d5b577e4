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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPexRoundTripV4(t *testing.T) {
	require := require.New(t)

	added := []PexPeer{
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881, Flags: PexIsSeed | PexSupportsUTP},
		{IP: net.IPv4(10, 0, 0, 2), Port: 6882, Flags: 0},
	}
	dropped := []PexPeer{
		{IP: net.IPv4(10, 0, 0, 3), Port: 6883},
	}

	body, err := EncodePex(added, dropped)
	require.NoError(err)

	diff, err := DecodePex(body)
	require.NoError(err)

	require.Len(diff.Added, 2)
	require.True(diff.Added[0].IP.Equal(added[0].IP))
	require.Equal(added[0].Port, diff.Added[0].Port)
	require.Equal(added[0].Flags, diff.Added[0].Flags)
	require.True(diff.Added[1].IP.Equal(added[1].IP))
	require.Equal(added[1].Flags, diff.Added[1].Flags)

	require.Len(diff.Dropped, 1)
	require.True(diff.Dropped[0].IP.Equal(dropped[0].IP))
	require.Equal(dropped[0].Port, diff.Dropped[0].Port)
}

func TestPexRoundTripV6(t *testing.T) {
	require := require.New(t)

	ip := net.ParseIP("2001:db8::1")
	added := []PexPeer{{IP: ip, Port: 51413, Flags: PexPrefersEncryption}}

	body, err := EncodePex(added, nil)
	require.NoError(err)

	diff, err := DecodePex(body)
	require.NoError(err)
	require.Len(diff.Added, 1)
	require.True(diff.Added[0].IP.Equal(ip))
	require.Equal(uint16(51413), diff.Added[0].Port)
	require.Equal(PexPrefersEncryption, diff.Added[0].Flags)
}

func TestPexEmptyDiffEncodesEmptyMessage(t *testing.T) {
	require := require.New(t)
	body, err := EncodePex(nil, nil)
	require.NoError(err)

	diff, err := DecodePex(body)
	require.NoError(err)
	require.Empty(diff.Added)
	require.Empty(diff.Dropped)
}
