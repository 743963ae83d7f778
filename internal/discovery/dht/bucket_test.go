package dht

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zorun/opendht/pkg/types"
)

func TestRootBucketContainsEverything(t *testing.T) {
	b := newRootBucket(time.Now())
	require.True(t, b.Contains(types.RandomNodeID()))
	require.True(t, b.Contains(types.RandomNodeID()))
}

func TestBucketFullAndFind(t *testing.T) {
	b := newRootBucket(time.Now())
	n := newNode(types.RandomNodeID(), mustAddr(t, 1))
	b.Nodes = append(b.Nodes, n)
	require.Equal(t, n, b.Find(n.ID))
	require.False(t, b.Full(8))
	for i := 0; i < 7; i++ {
		b.Nodes = append(b.Nodes, newNode(types.RandomNodeID(), mustAddr(t, uint16(i+2))))
	}
	require.True(t, b.Full(8))
}

func TestBucketRemoveNode(t *testing.T) {
	b := newRootBucket(time.Now())
	n := newNode(types.RandomNodeID(), mustAddr(t, 1))
	b.Nodes = append(b.Nodes, n)
	require.True(t, b.RemoveNode(n.ID))
	require.Nil(t, b.Find(n.ID))
	require.False(t, b.RemoveNode(n.ID))
}

func TestBucketSplitPartitionsNodes(t *testing.T) {
	b := newRootBucket(time.Now())
	var zeroPrefixed, onePrefixed types.NodeID
	zeroPrefixed[0] = 0x00
	onePrefixed[0] = 0x80

	b.Nodes = append(b.Nodes, newNode(zeroPrefixed, mustAddr(t, 1)))
	b.Nodes = append(b.Nodes, newNode(onePrefixed, mustAddr(t, 2)))

	low, high := b.split()
	require.Equal(t, 1, low.Depth)
	require.Equal(t, 1, high.Depth)
	require.Len(t, low.Nodes, 1)
	require.Len(t, high.Nodes, 1)
	require.True(t, low.Contains(zeroPrefixed))
	require.True(t, high.Contains(onePrefixed))
	require.False(t, low.Contains(onePrefixed))
	require.False(t, high.Contains(zeroPrefixed))
}

func mustAddr(t *testing.T, port uint16) types.Addr {
	t.Helper()
	a, err := types.NewAddr([]byte{127, 0, 0, 1}, port)
	require.NoError(t, err)
	return a
}
