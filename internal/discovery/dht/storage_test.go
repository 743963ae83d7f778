package dht

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/zorun/opendht/pkg/types"
)

func newTestStorage(t *testing.T, notify NotifyFunc) (*Storage, *clock.Mock) {
	t.Helper()
	mc := clock.NewMock()
	cfg := DefaultConfig()
	return NewStorage(cfg, NewTypeRegistry(), mc, notify), mc
}

func TestStorageStoreNewValue(t *testing.T) {
	s, mc := newTestStorage(t, nil)
	key := types.RandomNodeID()
	v := Value{ID: 1, Payload: []byte("hello")}

	res, err := s.Store(key, v, mc.Now())
	require.NoError(t, err)
	require.True(t, res.Changed)
	require.EqualValues(t, len(v.Payload), res.DeltaSize)
	require.Equal(t, 1, res.DeltaCount)
	require.Equal(t, int64(len(v.Payload)), s.TotalSize())
}

func TestStorageStoreSameContentIsNoop(t *testing.T) {
	s, mc := newTestStorage(t, nil)
	key := types.RandomNodeID()
	v := Value{ID: 1, Payload: []byte("hello")}

	_, err := s.Store(key, v, mc.Now())
	require.NoError(t, err)

	res, err := s.Store(key, v, mc.Now())
	require.NoError(t, err)
	require.False(t, res.Changed)
}

func TestStorageRejectsOverBudget(t *testing.T) {
	mc := clock.NewMock()
	cfg := DefaultConfig()
	cfg.MaxStoreSize = 4
	s := NewStorage(cfg, NewTypeRegistry(), mc, nil)

	_, err := s.Store(types.RandomNodeID(), Value{ID: 1, Payload: []byte("toolong")}, mc.Now())
	require.ErrorIs(t, err, ErrStorageFull)
}

func TestStorageNotifiesListenersOnChange(t *testing.T) {
	var notified []Value
	notify := func(addr types.Addr, ackID uint64, key types.NodeID, v Value) {
		notified = append(notified, v)
	}
	s, mc := newTestStorage(t, notify)
	key := types.RandomNodeID()
	s.AddRemoteListener(key, types.RandomNodeID(), mustAddr(t, 1), 42, mc.Now())

	v := Value{ID: 1, Payload: []byte("x")}
	_, err := s.Store(key, v, mc.Now())
	require.NoError(t, err)
	require.Len(t, notified, 1)
}

func TestStorageLocalListenerFilterAndCancel(t *testing.T) {
	s, mc := newTestStorage(t, nil)
	key := types.RandomNodeID()

	var got []Value
	token := s.AddLocalListener(key, func(v *Value) bool { return v.ID == 2 }, func(v *Value) {
		got = append(got, *v)
	})

	_, _ = s.Store(key, Value{ID: 1, Payload: []byte("a")}, mc.Now())
	_, _ = s.Store(key, Value{ID: 2, Payload: []byte("b")}, mc.Now())
	require.Len(t, got, 1)
	require.Equal(t, uint64(2), got[0].ID)

	require.True(t, s.RemoveLocalListener(key, token))
	require.False(t, s.RemoveLocalListener(key, token))
}

func TestStorageExpireDropsOldValues(t *testing.T) {
	s, mc := newTestStorage(t, nil)
	vt := ValueType{ID: 5, Expiration: time.Minute, Store: acceptAllStore, Edit: acceptAllEdit}
	s.types.Register(vt)

	key := types.RandomNodeID()
	_, err := s.Store(key, Value{ID: 1, TypeID: 5, Payload: []byte("x")}, mc.Now())
	require.NoError(t, err)

	mc.Add(2 * time.Minute)
	deltaSize, deltaCount := s.Expire(mc.Now())
	require.Equal(t, -1, deltaCount)
	require.Less(t, deltaSize, int64(0))
	require.Equal(t, 0, s.ValueCount())
}

func TestStorageEditPolicyCanRejectReplacement(t *testing.T) {
	s, mc := newTestStorage(t, nil)
	vt := ValueType{ID: 7, Expiration: time.Hour, Store: acceptAllStore, Edit: func(existing, replacement *Value) bool { return false }}
	s.types.Register(vt)

	key := types.RandomNodeID()
	_, err := s.Store(key, Value{ID: 1, TypeID: 7, Payload: []byte("a")}, mc.Now())
	require.NoError(t, err)

	_, err = s.Store(key, Value{ID: 1, TypeID: 7, Payload: []byte("b")}, mc.Now())
	require.ErrorIs(t, err, ErrValueRejected)
}
