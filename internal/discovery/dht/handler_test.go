package dht

import (
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/zorun/opendht/pkg/types"
)

func newTestHandler(t *testing.T, mutate func(*Config)) (*Handler, *clock.Mock, *TokenMinter) {
	t.Helper()
	mc := clock.NewMock()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	cache := NewNodeCache(64)
	local := types.RandomNodeID()
	tables := map[types.Family]*RoutingTable{
		types.FamilyIPv4: NewRoutingTable(local, types.FamilyIPv4, cfg, mc),
	}
	storage := NewStorage(cfg, NewTypeRegistry(), mc, nil)
	tokens := NewTokenMinter(mc, cfg.TokenRotateInterval)
	blacklist := NewBlacklist(cfg.BlacklistMax)
	tally := NewAddressTally(cfg, nil)
	return NewHandler(cfg, mc, cache, tables, storage, tokens, blacklist, tally), mc, tokens
}

func TestHandlerRejectsBlacklistedSource(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	addr := mustAddr(t, 1)
	h.blacklist.Add(addr)

	ans := h.Handle(&Message{Kind: KindPing, SenderID: types.RandomNodeID()}, addr)
	require.False(t, ans.OK)
	require.ErrorIs(t, ans.ErrReason, ErrMartianAddress)
}

func TestHandlerRespectsInjectedBlacklistPredicate(t *testing.T) {
	h, _, _ := newTestHandler(t, func(c *Config) {
		c.BlacklistPredicate = func(types.Addr) bool { return true }
	})
	ans := h.Handle(&Message{Kind: KindPing, SenderID: types.RandomNodeID()}, mustAddr(t, 2))
	require.False(t, ans.OK)
}

func TestHandlerPing(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	ans := h.Handle(&Message{Kind: KindPing, SenderID: types.RandomNodeID()}, mustAddr(t, 3))
	require.True(t, ans.OK)
}

func TestHandlerGetValuesMintsTokenAndSkipsValuesForBootstrap(t *testing.T) {
	h, mc, _ := newTestHandler(t, func(c *Config) { c.IsBootstrap = true })
	target := types.RandomNodeID()
	_, _ = h.storage.Store(target, Value{ID: 1, Payload: []byte("x")}, mc.Now())

	ans := h.Handle(&Message{Kind: KindGetValues, SenderID: types.RandomNodeID(), Target: target}, mustAddr(t, 4))
	require.True(t, ans.OK)
	require.False(t, ans.Token.IsEmpty())
	require.Empty(t, ans.Values)
}

func TestHandlerGetValuesReturnsStoredValues(t *testing.T) {
	h, mc, _ := newTestHandler(t, nil)
	target := types.RandomNodeID()
	_, _ = h.storage.Store(target, Value{ID: 1, Payload: []byte("x")}, mc.Now())

	ans := h.Handle(&Message{Kind: KindGetValues, SenderID: types.RandomNodeID(), Target: target}, mustAddr(t, 5))
	require.True(t, ans.OK)
	require.Len(t, ans.Values, 1)
}

func TestHandlerListenRejectsBadToken(t *testing.T) {
	h, _, _ := newTestHandler(t, nil)
	target := types.RandomNodeID()
	ans := h.Handle(&Message{Kind: KindListen, SenderID: types.RandomNodeID(), Target: target, Want: true}, mustAddr(t, 6))
	require.False(t, ans.OK)
	require.ErrorIs(t, ans.ErrReason, ErrTokenMismatch)
}

func TestHandlerListenAcceptsValidToken(t *testing.T) {
	h, _, tokens := newTestHandler(t, nil)
	addr := mustAddr(t, 7)
	target := types.RandomNodeID()
	tok := tokens.Mint(addr)

	ans := h.Handle(&Message{Kind: KindListen, SenderID: types.RandomNodeID(), Target: target, Token: tok, Want: true}, addr)
	require.True(t, ans.OK)
}

func TestHandlerListenRejectedOnBootstrapNode(t *testing.T) {
	h, _, tokens := newTestHandler(t, func(c *Config) { c.IsBootstrap = true })
	addr := mustAddr(t, 8)
	tok := tokens.Mint(addr)

	ans := h.Handle(&Message{Kind: KindListen, SenderID: types.RandomNodeID(), Target: types.RandomNodeID(), Token: tok, Want: true}, addr)
	require.False(t, ans.OK)
	require.ErrorIs(t, ans.ErrReason, ErrValueRejected)
}

func TestHandlerAnnounceStoresValueWithValidToken(t *testing.T) {
	h, _, tokens := newTestHandler(t, nil)
	addr := mustAddr(t, 9)
	target := types.RandomNodeID()
	tok := tokens.Mint(addr)

	ans := h.Handle(&Message{
		Kind: KindAnnounceValue, SenderID: types.RandomNodeID(), Target: target, Token: tok,
		Values: []Value{{ID: 1, Payload: []byte("v")}},
	}, addr)
	require.True(t, ans.OK)
	require.Len(t, h.storage.Get(target, nil), 1)
}

func TestHandlerAnnounceRejectedOnBootstrapNode(t *testing.T) {
	h, _, tokens := newTestHandler(t, func(c *Config) { c.IsBootstrap = true })
	addr := mustAddr(t, 10)
	tok := tokens.Mint(addr)

	ans := h.Handle(&Message{
		Kind: KindAnnounceValue, SenderID: types.RandomNodeID(), Target: types.RandomNodeID(), Token: tok,
		Values: []Value{{ID: 1, Payload: []byte("v")}},
	}, addr)
	require.False(t, ans.OK)
	require.ErrorIs(t, ans.ErrReason, ErrValueRejected)
}
