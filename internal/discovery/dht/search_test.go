package dht

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/zorun/opendht/pkg/types"
)

func TestSearchInsertNodeDedupAndRefresh(t *testing.T) {
	cfg := DefaultConfig()
	s := newSearch(searchKey{target: types.RandomNodeID(), family: types.FamilyIPv4}, time.Now(), cfg)

	n := newNode(types.RandomNodeID(), mustAddr(t, 1))
	now := time.Now()
	require.True(t, s.insertNode(n, now, types.Token{}, true))
	require.Len(t, s.frontier, 1)

	tok := types.Token{}
	tok[0] = 1
	require.False(t, s.insertNode(n, now.Add(time.Second), tok, false))
	require.Len(t, s.frontier, 1)
	require.Equal(t, tok, s.frontier[0].token)
}

func TestSearchInsertNodeRefusesFartherThanFullFrontier(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SearchNodes = 1
	target := types.RandomNodeID()
	s := newSearch(searchKey{target: target, family: types.FamilyIPv4}, time.Now(), cfg)

	near := newNode(target, mustAddr(t, 1))
	now := time.Now()
	require.True(t, s.insertNode(near, now, types.Token{}, true))

	far := newNode(types.RandomNodeID(), mustAddr(t, 2))
	// far 几乎肯定比 near（== target）离 target 更远
	require.False(t, s.insertNode(far, now, types.Token{}, true))
	require.Len(t, s.frontier, 1)
	require.True(t, s.frontier[0].node.ID.Equal(near.ID))
}

func TestSearchIsSyncedRequiresTokenAndFreshness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncedFrontier = 1
	s := newSearch(searchKey{target: types.RandomNodeID(), family: types.FamilyIPv4}, time.Now(), cfg)

	n := newNode(types.RandomNodeID(), mustAddr(t, 1))
	now := time.Now()
	s.insertNode(n, now, types.Token{}, true)
	require.False(t, s.isSynced(now))

	tok := types.Token{}
	tok[0] = 9
	s.insertNode(n, now, tok, false)
	require.True(t, s.isSynced(now))
}

func TestSearchAllExpired(t *testing.T) {
	cfg := DefaultConfig()
	s := newSearch(searchKey{target: types.RandomNodeID(), family: types.FamilyIPv4}, time.Now(), cfg)
	require.True(t, s.allExpired(time.Now()))

	n := newNode(types.RandomNodeID(), mustAddr(t, 1))
	now := time.Now()
	s.insertNode(n, now, types.Token{}, true)
	require.False(t, s.allExpired(now))

	for i := 0; i < MaxMissedReplies; i++ {
		n.OnTimeout()
	}
	require.True(t, s.allExpired(now))
}

type searchTestEnv struct {
	searcher *Searcher
	mc       *clock.Mock
	sched    *Scheduler
	net      *NetworkEngine
	sender   *fakeSender
	rt       *RoutingTable
	local    types.NodeID
}

func newSearchTestEnv(t *testing.T) *searchTestEnv {
	t.Helper()
	mc := clock.NewMock()
	sched := NewScheduler(mc)
	cfg := DefaultConfig()
	sender := &fakeSender{}
	cfg.Sender = sender
	cfg.Codec = jsonStubCodec{}

	local := types.RandomNodeID()
	net := NewNetworkEngine(cfg, mc, sched, local)
	cache := NewNodeCache(64)
	tokens := NewTokenMinter(mc, cfg.TokenRotateInterval)
	typeRegistry := NewTypeRegistry()
	storage := NewStorage(cfg, typeRegistry, mc, nil)
	rt := NewRoutingTable(local, types.FamilyIPv4, cfg, mc)
	tables := map[types.Family]*RoutingTable{types.FamilyIPv4: rt}

	sr := NewSearcher(cfg, mc, sched, net, cache, tokens, typeRegistry, storage, tables)
	return &searchTestEnv{searcher: sr, mc: mc, sched: sched, net: net, sender: sender, rt: rt, local: local}
}

// jsonStubCodec 足以在测试里往返一个 Message，不依赖真实网络编码选型
type jsonStubCodec struct{}

func (jsonStubCodec) Encode(msg *Message) ([]byte, error) {
	cp := *msg
	cp.Answer.ErrReason = nil
	return EncodeSnapshot(cp)
}

func (jsonStubCodec) Decode(buf []byte) (*Message, error) {
	var msg Message
	if err := DecodeSnapshot(buf, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func TestSearcherGetRefillsFromRoutingTableAndSendsGetValues(t *testing.T) {
	env := newSearchTestEnv(t)
	target := types.RandomNodeID()

	n := newNode(types.RandomNodeID(), mustAddr(t, 5001))
	_, _ = env.rt.Insert(n, env.mc.Now())

	env.searcher.Get(target, types.FamilyIPv4, nil, nil, func(ok bool) {})

	env.sched.RunUntil(env.mc.Now())
	require.NotEmpty(t, env.sender.sent)
}

func TestSearcherCheckGetsDoneCompletesAfterAllSyncedReplies(t *testing.T) {
	env := newSearchTestEnv(t)
	cfg := env.searcher.cfg
	cfg.SyncedFrontier = 1
	key := searchKey{target: types.RandomNodeID(), family: types.FamilyIPv4}
	s := env.searcher.getOrCreateSearch(key, env.mc.Now())

	n := newNode(types.RandomNodeID(), mustAddr(t, 5002))
	now := env.mc.Now()
	s.insertNode(n, now, types.Token{}, false)
	s.frontier[0].lastGetReply = now

	var doneCalled bool
	s.gets = append(s.gets, &getOp{startTime: now.Add(-time.Second), onDone: func(ok bool) { doneCalled = true }})

	env.searcher.checkGetsDone(s, now)
	require.True(t, doneCalled)
	require.Empty(t, s.gets)
}

func TestSearcherFailPendingGetsOnExpiry(t *testing.T) {
	env := newSearchTestEnv(t)
	key := searchKey{target: types.RandomNodeID(), family: types.FamilyIPv4}
	s := env.searcher.getOrCreateSearch(key, env.mc.Now())

	var result bool
	var called bool
	s.gets = append(s.gets, &getOp{onDone: func(ok bool) { called = true; result = ok }})

	env.searcher.failPendingGets(s)
	require.True(t, called)
	require.False(t, result)
	require.Empty(t, s.gets)
}

func TestSearcherDeliverValueDedupesByValueID(t *testing.T) {
	env := newSearchTestEnv(t)
	key := searchKey{target: types.RandomNodeID(), family: types.FamilyIPv4}
	s := env.searcher.getOrCreateSearch(key, env.mc.Now())

	var received []uint64
	s.gets = append(s.gets, &getOp{
		onGet: func(v Value) bool { received = append(received, v.ID); return true },
		seen:  make(map[uint64]bool),
	})

	v := Value{ID: 42, Payload: []byte("hello")}

	// 同一个 value.id 由两个不同的 SearchNode 各自回复一次
	env.searcher.deliverValue(s, v)
	env.searcher.deliverValue(s, v)

	require.Equal(t, []uint64{42}, received)
}

// TestSearcherListenSurvivesAckThenReceivesPushedValue 复现 §4.4.1 的场景 4：
// 一次 listen 先收到即时确认，随后对方在同一个 tid 上推送一次未经请求的值
// 更新——这条推送不应该被当成未知 tid 丢弃（更不应该导致对方被拉黑）。
func TestSearcherListenSurvivesAckThenReceivesPushedValue(t *testing.T) {
	env := newSearchTestEnv(t)
	env.searcher.cfg.SyncedFrontier = 1

	target := types.RandomNodeID()
	key := searchKey{target: target, family: types.FamilyIPv4}
	s := env.searcher.getOrCreateSearch(key, env.mc.Now())

	remote := newNode(types.RandomNodeID(), mustAddr(t, 6001))
	tok := types.Token{}
	tok[0] = 7
	s.insertNode(remote, env.mc.Now(), tok, false)

	var delivered []Value
	env.searcher.Listen(target, types.FamilyIPv4, nil, func(v Value) {
		delivered = append(delivered, v)
	})

	env.sched.RunUntil(env.mc.Now())
	require.NotEmpty(t, env.sender.sent)
	sentBuf := env.sender.sent[len(env.sender.sent)-1].buf
	sentMsg, err := jsonStubCodec{}.Decode(sentBuf)
	require.NoError(t, err)
	require.Equal(t, KindListen, sentMsg.Kind)

	// 远端立即确认这次 listen
	ackBuf, err := jsonStubCodec{}.Encode(&Message{
		Kind: KindListen, Tid: sentMsg.Tid, IsReply: true, SenderID: remote.ID,
		Answer: RequestAnswer{OK: true, AckID: uint64(sentMsg.Tid)},
	})
	require.NoError(t, err)
	require.NoError(t, env.net.OnDatagram(ackBuf, remote.Addr))

	// 随后远端在同一个 tid 上推送一次未经请求的值更新
	v := Value{ID: 99, Payload: []byte("pushed")}
	pushBuf, err := jsonStubCodec{}.Encode(&Message{
		Kind: KindGetValues, Tid: sentMsg.Tid, IsReply: true, SenderID: remote.ID,
		Target: target, Answer: RequestAnswer{OK: true, Values: []Value{v}},
	})
	require.NoError(t, err)
	require.NoError(t, env.net.OnDatagram(pushBuf, remote.Addr))

	require.Len(t, delivered, 1)
	require.Equal(t, v.ID, delivered[0].ID)
}

func TestSearcherEvictsOldestWhenMaxSearchesReached(t *testing.T) {
	env := newSearchTestEnv(t)
	env.searcher.cfg.MaxSearches = 1

	first := searchKey{target: types.RandomNodeID(), family: types.FamilyIPv4}
	env.searcher.getOrCreateSearch(first, env.mc.Now())
	env.mc.Add(time.Minute)

	second := searchKey{target: types.RandomNodeID(), family: types.FamilyIPv4}
	env.searcher.getOrCreateSearch(second, env.mc.Now())

	require.Equal(t, 1, env.searcher.SearchCount())
	_, stillThere := env.searcher.searches[first]
	require.False(t, stillThere)
}
