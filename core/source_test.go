package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSourceOrdering(t *testing.T) {
	require := require.New(t)

	require.True(SourceIncoming < SourceLTEP)
	require.True(SourceLTEP < SourceTracker)
	require.True(SourceTracker < SourceDHT)
	require.True(SourceDHT < SourcePEX)
	require.True(SourcePEX < SourceResume)
	require.True(SourceResume < SourceLPD)
}

func TestSourceBest(t *testing.T) {
	require := require.New(t)

	require.Equal(SourceIncoming, SourceIncoming.Best(SourceDHT))
	require.Equal(SourceLTEP, SourceDHT.Best(SourceLTEP))
}

func TestSourceValid(t *testing.T) {
	require := require.New(t)

	require.True(SourceLPD.Valid())
	require.False(Source(-1).Valid())
	require.False(numSources.Valid())
}
