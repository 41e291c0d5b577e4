package conn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quietswarm/peerengine/core"
)

func TestFakePeer(t *testing.T) {
	require := require.New(t)

	infoHash := core.InfoHashFixture()

	p, err := NewFakePeer(infoHash)
	require.NoError(err)
	defer p.Close()

	h := HandshakerFixture(ConfigFixture())

	c, err := h.Initialize(p.PeerID(), p.Addr(), infoHash)
	require.NoError(err)

	require.Equal(p.PeerID(), c.PeerID())
	require.Equal(infoHash, c.InfoHash())
}
