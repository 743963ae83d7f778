package dht

import (
	"sort"
	"time"

	"github.com/google/uuid"

	opendhtlog "github.com/zorun/opendht/pkg/lib/log"
	"github.com/zorun/opendht/pkg/types"
)

var searchLog = opendhtlog.Logger("search")

// announceAck 记录一次 announce_value 被某个 SearchNode 确认的状态
type announceAck struct {
	req       *Request
	replyTime time.Time
}

// SearchNode 搜索前沿上的一个条目：一个候选/已确认节点，附带本搜索特有的状态
type SearchNode struct {
	node *Node

	token        types.Token
	lastGetReply time.Time

	findRequest *Request // find_node 引导请求
	getRequest  *Request // get_values 请求

	listenRequest   *Request
	listenReplyTime time.Time
	listenAck       *Request // 持久化的 tid 条目，供对方反复推送未经请求的值更新

	acked map[uint64]*announceAck

	// isCandidate 为 true 表示这个节点是通过路由表回填/查找得到的，
	// 还没有用 get_values 亲自验证过；只有在非候选槽位繁忙或过期时才查询它。
	isCandidate bool
}

func newSearchNode(n *Node) *SearchNode {
	return &SearchNode{node: n, acked: make(map[uint64]*announceAck)}
}

// isSynced 这个节点当前是否可以用于 announce/listen：带令牌且最近有回复
func (sn *SearchNode) isSynced(now time.Time) bool {
	return !sn.node.IsExpired(now) && !sn.token.IsEmpty() && !sn.lastGetReply.Before(now.Add(-NodeExpireTime))
}

// isGettable 是否应该对这个节点发起一次新的 get_values
func (sn *SearchNode) isGettable(now, updateSince time.Time) bool {
	if sn.node.IsExpired(now) || sn.getRequest != nil {
		return false
	}
	return now.After(sn.lastGetReply.Add(NodeExpireTime)) || updateSince.After(sn.lastGetReply)
}

// announceDeadline §4.5.2 的 re-announce 截止时间；未确认过返回零值（立即需要）
func (sn *SearchNode) announceDeadline(vid uint64, vt ValueType, margin, maxResponse time.Duration) time.Time {
	ack, ok := sn.acked[vid]
	if !ok || ack == nil {
		return time.Time{}
	}
	t1 := ack.replyTime.Add(vt.Expiration).Add(-margin)
	t2 := ack.req.LastTry.Add(maxResponse)
	if t2.After(t1) {
		return t2
	}
	return t1
}

// isAnnounced 这个值在这个节点上当前是否仍被认为有效（未过期）
func (sn *SearchNode) isAnnounced(vid uint64, vt ValueType, now time.Time) bool {
	ack, ok := sn.acked[vid]
	if !ok || ack == nil {
		return false
	}
	return ack.replyTime.Add(vt.Expiration).After(now)
}

// listenDeadline 类比 announceDeadline，用于 listen 的刷新调度
func (sn *SearchNode) listenDeadline(listenExpire, margin, maxResponse time.Duration) time.Time {
	if sn.listenRequest == nil && sn.listenReplyTime.IsZero() {
		return time.Time{}
	}
	t1 := sn.listenReplyTime.Add(listenExpire).Add(-margin)
	var t2 time.Time
	if sn.listenRequest != nil {
		t2 = sn.listenRequest.LastTry.Add(maxResponse)
	}
	if t2.After(t1) {
		return t2
	}
	return t1
}

func (sn *SearchNode) isListening(now time.Time, listenExpire time.Duration) bool {
	return !sn.listenReplyTime.IsZero() && sn.listenReplyTime.Add(listenExpire).After(now)
}

// getOp 一次挂起的 Get 操作
type getOp struct {
	id        uuid.UUID
	filter    func(*Value) bool
	onGet     func(Value) bool
	onDone    func(success bool)
	startTime time.Time
	done      bool
	seen      map[uint64]bool
}

// announceOp 一次挂起的 Put（再公告直到取消）
type announceOp struct {
	value      Value
	created    time.Time
	onDone     func(success bool)
	firstRound bool
}

// listenOp 一次挂起的本地 Listen 订阅
type listenOp struct {
	filter func(*Value) bool
	onGet  func(Value)
}

// searchKey (target, family) 唯一标识一个搜索
type searchKey struct {
	target types.NodeID
	family types.Family
}

// Search 一次针对 target 的迭代式查找及其挂起的 get/put/listen 操作
//
// 状态机：fresh -> bootstrapping -> in_progress <-> synced -> expired，
// 外加一个一次性置位的 done 标记。所有转换都由一个可重新调度的
// next_step 任务驱动（§4.5）。
type Search struct {
	target types.NodeID
	family types.Family

	frontier []*SearchNode

	gets      []*getOp
	announces []*announceOp
	listeners map[uuid.UUID]*listenOp

	expired bool
	done    bool

	nextStep    Handle
	hasNextStep bool

	lastTouched        time.Time
	lastFrontierChange time.Time

	maxFrontier    int
	syncedFrontier int
}

func newSearch(key searchKey, now time.Time, cfg *Config) *Search {
	return &Search{
		target:         key.target,
		family:         key.family,
		listeners:      make(map[uuid.UUID]*listenOp),
		lastTouched:    now,
		maxFrontier:    cfg.SearchNodes,
		syncedFrontier: cfg.SyncedFrontier,
	}
}

// insertNode §4.5.1：按距离插入/刷新一个前沿节点；返回节点是否是新插入的
func (s *Search) insertNode(n *Node, now time.Time, token types.Token, candidate bool) bool {
	for _, sn := range s.frontier {
		if sn.node.ID.Equal(n.ID) {
			if !token.IsEmpty() {
				sn.token = token
				sn.lastGetReply = now
			}
			return false
		}
	}

	if len(s.frontier) >= s.maxFrontier {
		farthest := s.frontier[len(s.frontier)-1]
		if !Less(n.ID, farthest.node.ID, s.target) {
			return false
		}
	}

	sn := newSearchNode(n)
	sn.isCandidate = candidate
	if !token.IsEmpty() {
		sn.token = token
		sn.lastGetReply = now
	}
	s.frontier = append(s.frontier, sn)
	sort.Slice(s.frontier, func(i, j int) bool {
		return Less(s.frontier[i].node.ID, s.frontier[j].node.ID, s.target)
	})
	if len(s.frontier) > s.maxFrontier {
		s.frontier = s.frontier[:s.maxFrontier]
	}
	s.lastFrontierChange = now
	return true
}

// isSynced §4.5 第 5 步：最近的 syncedFrontier 个节点是否全部 synced
func (s *Search) isSynced(now time.Time) bool {
	n := s.syncedFrontier
	if n > len(s.frontier) {
		n = len(s.frontier)
	}
	if n == 0 {
		return false
	}
	for i := 0; i < n; i++ {
		if !s.frontier[i].isSynced(now) {
			return false
		}
	}
	return true
}

// allExpired §4.5 第 7 步：前沿里是否已经没有任何未过期节点
func (s *Search) allExpired(now time.Time) bool {
	if len(s.frontier) == 0 {
		return true
	}
	for _, sn := range s.frontier {
		if !sn.node.IsExpired(now) {
			return false
		}
	}
	return true
}

// findSearchNode 按节点 id 在前沿中查找
func (s *Search) findSearchNode(id types.NodeID) *SearchNode {
	for _, sn := range s.frontier {
		if sn.node.ID.Equal(id) {
			return sn
		}
	}
	return nil
}

// Searcher 维护所有进行中的搜索，驱动 next_step 状态机
//
// 与路由表、网络引擎、存储、令牌铸造器协同，是 §4.5 状态机与
// §4.6 facade 之间的粘合层。
type Searcher struct {
	cfg     *Config
	clock   Clock
	sched   *Scheduler
	net     *NetworkEngine
	cache   *NodeCache
	tokens  *TokenMinter
	types   *TypeRegistry
	storage *Storage
	tables  map[types.Family]*RoutingTable

	searches map[searchKey]*Search
}

// NewSearcher 创建搜索管理器
func NewSearcher(cfg *Config, clock Clock, sched *Scheduler, net *NetworkEngine, cache *NodeCache, tokens *TokenMinter, types_ *TypeRegistry, storage *Storage, tables map[types.Family]*RoutingTable) *Searcher {
	return &Searcher{
		cfg:      cfg,
		clock:    clock,
		sched:    sched,
		net:      net,
		cache:    cache,
		tokens:   tokens,
		types:    types_,
		storage:  storage,
		tables:   tables,
		searches: make(map[searchKey]*Search),
	}
}

func (sr *Searcher) getOrCreateSearch(key searchKey, now time.Time) *Search {
	if s, ok := sr.searches[key]; ok {
		return s
	}
	if len(sr.searches) >= sr.cfg.MaxSearches {
		sr.evictOldest(now)
	}
	s := newSearch(key, now, sr.cfg)
	sr.searches[key] = s
	sr.scheduleStep(s, key, now)
	return s
}

// evictOldest 近似参考实现的"保留约 62 分钟后回收"：丢弃最久未被触碰的搜索
func (sr *Searcher) evictOldest(now time.Time) {
	var oldestKey searchKey
	var oldest time.Time
	found := false
	for k, s := range sr.searches {
		if !found || s.lastTouched.Before(oldest) {
			oldestKey, oldest = k, s.lastTouched
			found = true
		}
	}
	if found {
		sr.removeSearch(oldestKey)
	}
}

func (sr *Searcher) removeSearch(key searchKey) {
	s, ok := sr.searches[key]
	if !ok {
		return
	}
	if s.hasNextStep {
		sr.sched.Cancel(s.nextStep)
	}
	for _, sn := range s.frontier {
		if sn.listenAck != nil {
			sr.net.Cancel(sn.listenAck)
			sn.listenAck = nil
		}
	}
	delete(sr.searches, key)
}

func (sr *Searcher) scheduleStep(s *Search, key searchKey, deadline time.Time) {
	if s.hasNextStep {
		sr.sched.Cancel(s.nextStep)
	}
	s.nextStep = sr.sched.Schedule(deadline, func(now time.Time) { sr.step(s, key, now) })
	s.hasNextStep = true
}

// Get 启动或附着到一个搜索，流式回调已接受的值，done_cb 恰好触发一次
func (sr *Searcher) Get(target types.NodeID, family types.Family, filter func(*Value) bool, onGet func(Value) bool, onDone func(bool)) {
	now := sr.clock.Now()
	key := searchKey{target: target, family: family}
	s := sr.getOrCreateSearch(key, now)
	s.gets = append(s.gets, &getOp{id: uuid.New(), filter: filter, onGet: onGet, onDone: onDone, startTime: now, seen: make(map[uint64]bool)})
	s.done = false
	s.lastTouched = now
	sr.scheduleStep(s, key, now)
}

// Put 确保一个值在 key 下被(再)公告，直到取消
func (sr *Searcher) Put(target types.NodeID, family types.Family, v Value, created time.Time, onDone func(bool)) {
	now := sr.clock.Now()
	key := searchKey{target: target, family: family}
	s := sr.getOrCreateSearch(key, now)
	s.announces = append(s.announces, &announceOp{value: v, created: created, onDone: onDone})
	s.lastTouched = now
	sr.scheduleStep(s, key, now)
}

// CancelPut 移除一个挂起的 announce；返回是否确实移除了
func (sr *Searcher) CancelPut(target types.NodeID, family types.Family, valueID uint64) bool {
	key := searchKey{target: target, family: family}
	s, ok := sr.searches[key]
	if !ok {
		return false
	}
	for i, a := range s.announces {
		if a.value.ID == valueID {
			s.announces = append(s.announces[:i], s.announces[i+1:]...)
			return true
		}
	}
	return false
}

// Listen 注册一个本地监听，返回用于取消的 token
func (sr *Searcher) Listen(target types.NodeID, family types.Family, filter func(*Value) bool, onGet func(Value)) uuid.UUID {
	now := sr.clock.Now()
	key := searchKey{target: target, family: family}
	s := sr.getOrCreateSearch(key, now)
	token := uuid.New()
	s.listeners[token] = &listenOp{filter: filter, onGet: onGet}
	s.lastTouched = now
	sr.scheduleStep(s, key, now)
	return token
}

// CancelListen 取消一个本地监听
func (sr *Searcher) CancelListen(target types.NodeID, family types.Family, token uuid.UUID) bool {
	key := searchKey{target: target, family: family}
	s, ok := sr.searches[key]
	if !ok {
		return false
	}
	if _, ok := s.listeners[token]; !ok {
		return false
	}
	delete(s.listeners, token)
	return true
}

// step §4.5 的 next_step：这是整个搜索状态机的单一入口
func (sr *Searcher) step(s *Search, key searchKey, now time.Time) {
	s.hasNextStep = false

	sr.refill(s, key, now)
	sr.bootstrap(s, key, now)
	sr.walkGets(s, key, now)

	if s.isSynced(now) {
		sr.announceSynced(s, key, now)
		sr.listenSynced(s, key, now)
	}

	sr.checkGetsDone(s, now)

	if s.allExpired(now) {
		s.expired = true
		sr.failPendingGets(s)
	} else {
		s.expired = false
	}

	next := sr.nextDeadline(s, now)
	if !next.IsZero() {
		sr.scheduleStep(s, key, next)
	}
}

// refill §4.5 第 1 步：前沿不足时从路由表回填
func (sr *Searcher) refill(s *Search, key searchKey, now time.Time) {
	if len(s.frontier) >= s.maxFrontier {
		return
	}
	rt := sr.tables[key.family]
	if rt == nil {
		return
	}
	closest := rt.FindClosest(key.target, s.maxFrontier*2, now)
	for _, n := range closest {
		if len(s.frontier) >= s.maxFrontier {
			break
		}
		s.insertNode(n, now, types.Token{}, true)
	}
}

// bootstrap §4.5 第 2 步：前沿仍太浅时通过 find_node 扩充
func (sr *Searcher) bootstrap(s *Search, key searchKey, now time.Time) {
	if len(s.frontier) >= s.syncedFrontier {
		return
	}
	for _, sn := range s.frontier {
		if sn.findRequest != nil || sn.node.IsExpired(now) {
			continue
		}
		sr.sendFindNode(s, key, sn)
		return
	}
}

func (sr *Searcher) sendFindNode(s *Search, key searchKey, sn *SearchNode) {
	req, err := sr.net.SendRequest(sn.node, KindFindNode, func(m *Message) {
		m.Target = key.target
	}, func(ans *RequestAnswer) {
		sr.onFindNodeReply(s, key, sn, ans)
	}, func() {
		sn.findRequest = nil
	})
	if err != nil {
		return
	}
	sn.findRequest = req
}

func (sr *Searcher) onFindNodeReply(s *Search, key searchKey, sn *SearchNode, ans *RequestAnswer) {
	sn.findRequest = nil
	now := sr.clock.Now()
	if ans == nil || !ans.OK {
		return
	}
	for _, ni := range ans.Nodes {
		n := sr.cache.GetOrCreate(ni.ID, ni.Addr)
		s.insertNode(n, now, types.Token{}, true)
	}
	s.lastTouched = now
	sr.scheduleStep(s, key, now)
}

// walkGets §4.5 第 3 步：沿前沿按距离顺序对 gettable 的节点发起 get_values
func (sr *Searcher) walkGets(s *Search, key searchKey, now time.Time) {
	inFlight := 0
	for _, sn := range s.frontier {
		if sn.getRequest != nil {
			inFlight++
		}
	}
	for _, sn := range s.frontier {
		if inFlight >= s.syncedFrontier {
			break
		}
		if !sn.isGettable(now, s.lastFrontierChange) {
			continue
		}
		sr.sendGetValues(s, key, sn)
		inFlight++
	}
}

func (sr *Searcher) sendGetValues(s *Search, key searchKey, sn *SearchNode) {
	req, err := sr.net.SendRequest(sn.node, KindGetValues, func(m *Message) {
		m.Target = key.target
	}, func(ans *RequestAnswer) {
		sr.onGetValuesReply(s, key, sn, ans)
	}, func() {
		sn.getRequest = nil
	})
	if err != nil {
		return
	}
	sn.getRequest = req
}

func (sr *Searcher) onGetValuesReply(s *Search, key searchKey, sn *SearchNode, ans *RequestAnswer) {
	sn.getRequest = nil
	now := sr.clock.Now()
	if ans == nil || !ans.OK {
		return
	}
	sn.lastGetReply = now
	sn.isCandidate = false
	if !ans.Token.IsEmpty() {
		sn.token = ans.Token
	}
	for _, ni := range ans.Nodes {
		n := sr.cache.GetOrCreate(ni.ID, ni.Addr)
		s.insertNode(n, now, types.Token{}, true)
	}
	for i := range ans.Values {
		sr.deliverValue(s, ans.Values[i])
	}
	s.lastTouched = now
	sr.scheduleStep(s, key, now)
}

// deliverValue 把一个新接收的值喂给所有匹配的 get 与 listen 回调
//
// 同一个 get 可能从多个 SearchNode 收到同一个 value.id（冗余存储），
// 每个 getOp 按 value.id 去重，保证 onGet 对每个 id 至多调用一次。
func (sr *Searcher) deliverValue(s *Search, v Value) {
	for _, g := range s.gets {
		if g.done {
			continue
		}
		if g.filter != nil && !g.filter(&v) {
			continue
		}
		if g.seen[v.ID] {
			continue
		}
		g.seen[v.ID] = true
		if g.onGet != nil && !g.onGet(v) {
			g.done = true
		}
	}
	for _, l := range s.listeners {
		if l.filter != nil && !l.filter(&v) {
			continue
		}
		if l.onGet != nil {
			l.onGet(v)
		}
	}
}

// announceSynced §4.5 第 5 步的 announce 部分 + §4.5.2 的重公告调度
func (sr *Searcher) announceSynced(s *Search, key searchKey, now time.Time) {
	n := s.syncedFrontier
	if n > len(s.frontier) {
		n = len(s.frontier)
	}
	for _, a := range s.announces {
		vt := sr.types.Get(a.value.TypeID)
		for i := 0; i < n; i++ {
			sn := s.frontier[i]
			if !sn.isSynced(now) {
				continue
			}
			deadline := sn.announceDeadline(a.value.ID, vt, sr.cfg.ReannounceMargin, sr.cfg.MaxResponseTime)
			if !deadline.IsZero() && deadline.After(now) {
				continue
			}
			sr.sendAnnounce(s, key, sn, a)
		}
		if !a.firstRound {
			a.firstRound = true
			if a.onDone != nil {
				a.onDone(true)
			}
		}
	}
}

func (sr *Searcher) sendAnnounce(s *Search, key searchKey, sn *SearchNode, a *announceOp) {
	token := sn.token
	vid := a.value.ID
	req, err := sr.net.SendRequest(sn.node, KindAnnounceValue, func(m *Message) {
		m.Target = key.target
		m.Token = token
		m.Values = []Value{a.value}
	}, func(ans *RequestAnswer) {
		sr.onAnnounceReply(sn, vid, ans)
	}, func() {
		if ack, ok := sn.acked[vid]; ok {
			ack.req = nil
		}
	})
	if err != nil {
		searchLog.Debug("announce_value send failed")
		return
	}
	sn.acked[vid] = &announceAck{req: req}
}

func (sr *Searcher) onAnnounceReply(sn *SearchNode, vid uint64, ans *RequestAnswer) {
	now := sr.clock.Now()
	ack, ok := sn.acked[vid]
	if !ok {
		return
	}
	if ans == nil || !ans.OK {
		delete(sn.acked, vid)
		return
	}
	ack.replyTime = now
}

// listenSynced §4.5 第 5 步的 listen 部分
func (sr *Searcher) listenSynced(s *Search, key searchKey, now time.Time) {
	if len(s.listeners) == 0 {
		return
	}
	n := s.syncedFrontier
	if n > len(s.frontier) {
		n = len(s.frontier)
	}
	for i := 0; i < n; i++ {
		sn := s.frontier[i]
		if !sn.isSynced(now) {
			continue
		}
		deadline := sn.listenDeadline(sr.cfg.ListenExpireTime, sr.cfg.ReannounceMargin, sr.cfg.MaxResponseTime)
		if !deadline.IsZero() && deadline.After(now) {
			continue
		}
		sr.sendListen(s, key, sn)
	}
}

// sendListen 发出一次 listen 请求；对方会在同一个 tid 上反复推送未经请求
// 的值更新（§4.4.1），所以这个 tid 要在第一次应答之后仍然保留在网络引擎的
// 请求表里——发起新一轮 listen 前先显式 Cancel 掉上一轮的持久条目。
func (sr *Searcher) sendListen(s *Search, key searchKey, sn *SearchNode) {
	if sn.listenAck != nil {
		sr.net.Cancel(sn.listenAck)
		sn.listenAck = nil
	}
	token := sn.token
	req, err := sr.net.SendRequest(sn.node, KindListen, func(m *Message) {
		m.Target = key.target
		m.Token = token
		m.Want = true
	}, func(ans *RequestAnswer) {
		sr.onListenReply(s, sn, ans)
	}, func() {
		sn.listenRequest = nil
		sn.listenAck = nil
	})
	if err != nil {
		return
	}
	req.Persistent = true
	sn.listenRequest = req
	sn.listenAck = req
}

// onListenReply 既处理最初的 listen 确认，也处理之后在同一个 tid 上推送来的
// 未经请求的值更新——两者都以 RequestAnswer 的形式到达这里。
func (sr *Searcher) onListenReply(s *Search, sn *SearchNode, ans *RequestAnswer) {
	sn.listenRequest = nil
	if ans == nil || !ans.OK {
		sn.listenAck = nil
		return
	}
	sn.listenReplyTime = sr.clock.Now()
	for i := range ans.Values {
		sr.deliverValue(s, ans.Values[i])
	}
}

// checkGetsDone §4.5 第 6 步：每个 synced frontier 节点自 get 发起以来都已回复，
// 或者搜索已经 expired，二者之一就判定 get 完成
func (sr *Searcher) checkGetsDone(s *Search, now time.Time) {
	n := s.syncedFrontier
	if n > len(s.frontier) {
		n = len(s.frontier)
	}
	remaining := s.gets[:0]
	for _, g := range s.gets {
		if g.done {
			if g.onDone != nil {
				g.onDone(true)
			}
			continue
		}
		allReplied := n > 0
		for i := 0; i < n; i++ {
			sn := s.frontier[i]
			if sn.node.IsExpired(now) {
				continue
			}
			if sn.lastGetReply.Before(g.startTime) {
				allReplied = false
				break
			}
		}
		if allReplied {
			if g.onDone != nil {
				g.onDone(true)
			}
			continue
		}
		remaining = append(remaining, g)
	}
	s.gets = remaining
}

// failPendingGets §4.5 第 7 步 / §9 不变式 6：搜索彻底过期时让挂起的 get 失败一次
func (sr *Searcher) failPendingGets(s *Search) {
	for _, g := range s.gets {
		if g.onDone != nil {
			g.onDone(false)
		}
	}
	s.gets = nil
}

// nextDeadline 计算下一次 next_step 应该运行的时间：§4.5.2 里所有截止时间的最小值，
// 以 SEARCH_GET_STEP 为相邻两次 get 步之间的下限
func (sr *Searcher) nextDeadline(s *Search, now time.Time) time.Time {
	next := now.Add(sr.cfg.SearchGetStep)

	for _, a := range s.announces {
		vt := sr.types.Get(a.value.TypeID)
		for _, sn := range s.frontier {
			d := sn.announceDeadline(a.value.ID, vt, sr.cfg.ReannounceMargin, sr.cfg.MaxResponseTime)
			if !d.IsZero() && d.Before(next) {
				next = d
			}
		}
	}
	for _, sn := range s.frontier {
		d := sn.listenDeadline(sr.cfg.ListenExpireTime, sr.cfg.ReannounceMargin, sr.cfg.MaxResponseTime)
		if !d.IsZero() && d.Before(next) {
			next = d
		}
	}
	if next.Before(now) {
		next = now
	}
	return next
}

// SearchCount 返回当前保留的搜索数量，用于统计与维护
func (sr *Searcher) SearchCount() int {
	return len(sr.searches)
}
