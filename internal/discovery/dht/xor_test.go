package dht

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zorun/opendht/pkg/types"
)

func idFromByte(b byte) types.NodeID {
	var id types.NodeID
	id[0] = b
	return id
}

func TestXORDistanceSelf(t *testing.T) {
	a := types.RandomNodeID()
	d := XORDistance(a, a)
	var zero [types.IDLength]byte
	assert.Equal(t, zero, d)
}

func TestCompareDistanceCloser(t *testing.T) {
	target := idFromByte(0x00)
	a := idFromByte(0x01)
	b := idFromByte(0xF0)
	require.Equal(t, -1, CompareDistance(a, b, target))
	require.Equal(t, 1, CompareDistance(b, a, target))
	require.Equal(t, 0, CompareDistance(a, a, target))
}

func TestCommonPrefixLen(t *testing.T) {
	a := idFromByte(0b10110000)
	b := idFromByte(0b10100000)
	require.Equal(t, 3, CommonPrefixLen(a, b))

	require.Equal(t, types.IDLength*8, CommonPrefixLen(a, a))
}

func TestLess(t *testing.T) {
	target := idFromByte(0x00)
	near := idFromByte(0x01)
	far := idFromByte(0xFF)
	assert.True(t, Less(near, far, target))
	assert.False(t, Less(far, near, target))
}
