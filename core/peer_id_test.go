package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPeerIDHexRoundTrip(t *testing.T) {
	require := require.New(t)

	p, err := RandomPeerID()
	require.NoError(err)

	q, err := NewPeerID(p.String())
	require.NoError(err)
	require.Equal(p, q)
}

func TestNewPeerIDInvalidLength(t *testing.T) {
	_, err := NewPeerIDFromBytes([]byte{1, 2, 3})
	require.Equal(t, ErrInvalidPeerIDLength, err)
}

func TestHashedPeerIDDeterministic(t *testing.T) {
	require := require.New(t)

	p1, err := HashedPeerID("127.0.0.1:6881")
	require.NoError(err)
	p2, err := HashedPeerID("127.0.0.1:6881")
	require.NoError(err)
	require.Equal(p1, p2)

	p3, err := HashedPeerID("127.0.0.1:6882")
	require.NoError(err)
	require.NotEqual(p1, p3)
}

func TestHashedPeerIDEmpty(t *testing.T) {
	_, err := HashedPeerID("")
	require.Error(t, err)
}

func TestClientIdentifier(t *testing.T) {
	var p PeerID
	copy(p[:], []byte("-TR3000-abcdefghijkl"))

	name, ok := p.ClientIdentifier()
	require.True(t, ok)
	require.Equal(t, "TR-3000", name)

	var unknown PeerID
	copy(unknown[:], []byte("deadbeefdeadbeefdead"))
	_, ok = unknown.ClientIdentifier()
	require.False(t, ok)
}

func TestPeerIDLessThan(t *testing.T) {
	var a, b PeerID
	a[0] = 1
	b[0] = 2
	require.True(t, a.LessThan(b))
	require.False(t, b.LessThan(a))
}
