package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewInfoHashFromHex(t *testing.T) {
	require := require.New(t)

	h := InfoHashFromInfoDict([]byte("d4:name5:helloe"))

	h2, err := NewInfoHashFromHex(h.Hex())
	require.NoError(err)
	require.Equal(h, h2)
}

func TestNewInfoHashFromHexInvalidLength(t *testing.T) {
	_, err := NewInfoHashFromHex("abc")
	require.Error(t, err)
}

func TestNewInfoHashFromBytesInvalidLength(t *testing.T) {
	_, err := NewInfoHashFromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestInfoHashFromInfoDictDeterministic(t *testing.T) {
	require := require.New(t)

	a := InfoHashFromInfoDict([]byte("d4:name5:helloe"))
	b := InfoHashFromInfoDict([]byte("d4:name5:helloe"))
	require.Equal(a, b)

	c := InfoHashFromInfoDict([]byte("d4:name5:world!e"))
	require.NotEqual(a, c)
}
