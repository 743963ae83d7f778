package dht

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlacklistAddContainsDedup(t *testing.T) {
	b := NewBlacklist(3)
	addr := mustAddr(t, 1)

	b.Add(addr)
	b.Add(addr)
	require.Equal(t, 1, b.Len())
	require.True(t, b.Contains(addr))
	require.False(t, b.Contains(mustAddr(t, 2)))
}

func TestBlacklistEvictsOldestAtCapacity(t *testing.T) {
	b := NewBlacklist(2)
	first := mustAddr(t, 1)
	second := mustAddr(t, 2)
	third := mustAddr(t, 3)

	b.Add(first)
	b.Add(second)
	b.Add(third)

	require.Equal(t, 2, b.Len())
	require.False(t, b.Contains(first))
	require.True(t, b.Contains(second))
	require.True(t, b.Contains(third))
}

func TestBlacklistDefaultCapacity(t *testing.T) {
	b := NewBlacklist(0)
	require.Equal(t, 10, b.cap)
}
