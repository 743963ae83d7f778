package dht

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestTokenMintAndVerify(t *testing.T) {
	mc := clock.NewMock()
	m := NewTokenMinter(mc, 15*time.Minute)
	addr := mustAddr(t, 4500)

	tok := m.Mint(addr)
	require.False(t, tok.IsEmpty())
	require.True(t, m.Verify(tok, addr))
}

func TestTokenRejectsWrongAddress(t *testing.T) {
	mc := clock.NewMock()
	m := NewTokenMinter(mc, 15*time.Minute)
	tok := m.Mint(mustAddr(t, 1111))
	require.False(t, m.Verify(tok, mustAddr(t, 2222)))
}

func TestTokenValidAfterRotationWithinGrace(t *testing.T) {
	mc := clock.NewMock()
	m := NewTokenMinter(mc, 15*time.Minute)
	addr := mustAddr(t, 7000)

	tok := m.Mint(addr)
	mc.Add(16 * time.Minute)
	m.MaybeRotate()

	require.True(t, m.Verify(tok, addr), "previous-generation token must still verify within grace period")
}

func TestTokenInvalidAfterTwoRotations(t *testing.T) {
	mc := clock.NewMock()
	m := NewTokenMinter(mc, 15*time.Minute)
	addr := mustAddr(t, 7001)

	tok := m.Mint(addr)
	mc.Add(16 * time.Minute)
	m.MaybeRotate()
	mc.Add(16 * time.Minute)
	m.MaybeRotate()

	require.False(t, m.Verify(tok, addr))
}

func TestTokenDoesNotRotateBeforeInterval(t *testing.T) {
	mc := clock.NewMock()
	m := NewTokenMinter(mc, 15*time.Minute)
	before := m.derivedCur

	mc.Add(time.Minute)
	m.MaybeRotate()

	require.Equal(t, before, m.derivedCur)
}
