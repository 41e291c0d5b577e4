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
package replication

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/willf/bitset"
)

func TestAddRemoveSingle(t *testing.T) {
	require := require.New(t)

	m := New(4)
	m.Add(0)
	m.Add(0)
	m.Add(1)
	require.Equal(2, m.Count(0))
	require.Equal(1, m.Count(1))
	require.Equal(0, m.Count(2))

	m.Remove(0)
	require.Equal(1, m.Count(0))
}

func TestAddSetRemoveSetRoundTrip(t *testing.T) {
	require := require.New(t)

	m := New(4)
	have := bitset.New(4).Set(0).Set(2)

	m.AddSet(have)
	require.Equal(1, m.Count(0))
	require.Equal(0, m.Count(1))
	require.Equal(1, m.Count(2))
	require.Equal(0, m.Count(3))

	// A second peer with an overlapping bitfield.
	have2 := bitset.New(4).Set(2).Set(3)
	m.AddSet(have2)
	require.Equal(1, m.Count(0))
	require.Equal(2, m.Count(2))
	require.Equal(1, m.Count(3))

	m.RemoveSet(have2)
	require.Equal(1, m.Count(2))
	require.Equal(0, m.Count(3))

	m.RemoveSet(have)
	require.Equal(0, m.Count(0))
	require.Equal(0, m.Count(2))
}

func TestNumPieces(t *testing.T) {
	require.Equal(t, 10, New(10).NumPieces())
}
