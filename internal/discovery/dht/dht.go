package dht

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	opendhtlog "github.com/zorun/opendht/pkg/lib/log"
	"github.com/zorun/opendht/pkg/types"
)

var dhtLog = opendhtlog.Logger("dht")

// DHT 核心 facade：把路由表、网络引擎、搜索状态机、存储引擎、令牌铸造
// 与黑名单/地址计票粘合成一个单线程协作式实例
//
// 外部世界只通过 Periodic 与一组 Get/Put/Listen/... 调用与它交互；
// 核心内部从不起 goroutine，也不做阻塞 I/O。
type DHT struct {
	cfg   *Config
	clock Clock
	sched *Scheduler

	net     *NetworkEngine
	cache   *NodeCache
	tokens  *TokenMinter
	types   *TypeRegistry
	storage *Storage
	tables  map[types.Family]*RoutingTable

	searcher  *Searcher
	handler   *Handler
	blacklist *Blacklist
	tally     *AddressTally

	closed         bool
	maintenanceJob Handle
	hasMaintenance bool
}

// New 用给定选项构造一个 DHT 实例；NodeID 未指定时随机生成
func New(opts ...Option) (*DHT, error) {
	cfg := DefaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.NodeID.IsEmpty() {
		cfg.NodeID = types.RandomNodeID()
	}
	if cfg.Clock == nil {
		cfg.Clock = NewRealClock()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sched := NewScheduler(cfg.Clock)
	cache := NewNodeCache(cfg.MaxHashes)
	tokens := NewTokenMinter(cfg.Clock, cfg.TokenRotateInterval)
	typeRegistry := NewTypeRegistry()
	blacklist := NewBlacklist(cfg.BlacklistMax)

	tables := map[types.Family]*RoutingTable{
		types.FamilyIPv4: NewRoutingTable(cfg.NodeID, types.FamilyIPv4, cfg, cfg.Clock),
		types.FamilyIPv6: NewRoutingTable(cfg.NodeID, types.FamilyIPv6, cfg, cfg.Clock),
	}

	net := NewNetworkEngine(cfg, cfg.Clock, sched, cfg.NodeID)
	storage := NewStorage(cfg, typeRegistry, cfg.Clock, func(addr types.Addr, ackID uint64, key types.NodeID, v Value) {
		net.PushNotify(addr, ackID, key, v)
	})

	d := &DHT{
		cfg: cfg, clock: cfg.Clock, sched: sched,
		net: net, cache: cache, tokens: tokens, types: typeRegistry,
		storage: storage, tables: tables, blacklist: blacklist,
	}
	d.tally = NewAddressTally(cfg, func(types.Addr) { d.ConnectivityChanged(false, types.FamilyIPv4) })
	d.searcher = NewSearcher(cfg, cfg.Clock, sched, net, cache, tokens, typeRegistry, storage, tables)
	d.handler = NewHandler(cfg, cfg.Clock, cache, tables, storage, tokens, blacklist, d.tally)
	net.SetHandler(d.handler)

	d.scheduleMaintenance(cfg.Clock.Now())
	return d, nil
}

// Periodic 单线程协作式入口：喂入一个可能为空的数据报，返回下一次应该
// 被再次调用的时刻
//
// now 必须与 cfg.Clock.Now() 在调用时刻返回的值一致：生产环境注入
// 真实时钟时这是自动满足的；测试注入 clock.Mock 时，调用方需要先
// 推进 mock 时钟再传入同一个 now。
func (d *DHT) Periodic(buf []byte, from types.Addr, now time.Time) time.Time {
	if d.closed {
		return time.Time{}
	}
	if len(buf) > 0 && !from.IsZero() {
		if err := d.net.OnDatagram(buf, from); err != nil {
			dhtLog.Debug("dropping malformed datagram")
			d.blacklist.Add(from)
		}
	}
	next := d.sched.RunUntil(now)
	if next.IsZero() {
		return now.Add(d.cfg.SearchGetStep)
	}
	return next
}

// Get 启动或附着到一个搜索，流式回调接受的值；done_cb 恰好触发一次
func (d *DHT) Get(key types.NodeID, family types.Family, filter func(*Value) bool, onValue func(Value) bool, onDone func(bool)) {
	d.searcher.Get(key, family, filter, onValue, onDone)
}

// Put 确保一个值在 key 下被(再)公告，直到显式取消
func (d *DHT) Put(key types.NodeID, family types.Family, v Value, created time.Time, onDone func(bool)) {
	if created.IsZero() {
		created = d.clock.Now()
	}
	d.searcher.Put(key, family, v, created, onDone)
}

// CancelPut 移除一个挂起的公告
func (d *DHT) CancelPut(key types.NodeID, family types.Family, valueID uint64) bool {
	return d.searcher.CancelPut(key, family, valueID)
}

// Listen 注册一个本地订阅，返回用于取消的 token
func (d *DHT) Listen(key types.NodeID, family types.Family, filter func(*Value) bool, onValue func(Value)) uuid.UUID {
	return d.searcher.Listen(key, family, filter, onValue)
}

// CancelListen 取消一个本地订阅
func (d *DHT) CancelListen(key types.NodeID, family types.Family, token uuid.UUID) bool {
	return d.searcher.CancelListen(key, family, token)
}

// InsertNode 把一个已知节点地址喂给路由表，供手动引导使用
func (d *DHT) InsertNode(id types.NodeID, addr types.Addr) {
	now := d.clock.Now()
	rt := d.tables[addr.Family()]
	if rt == nil {
		return
	}
	n := d.cache.GetOrCreate(id, addr)
	inserted, needsPing := rt.Insert(n, now)
	if !inserted && needsPing != nil {
		d.PingNode(needsPing)
	}
}

// PingNode 主动探测一个节点是否存活
func (d *DHT) PingNode(n *Node) {
	_, _ = d.net.SendRequest(n, KindPing, nil, nil, nil)
}

// ConnectivityChanged 通知底层连通性发生了变化（例如网卡地址改变），
// 给之前被判定为 expired 的节点一次新的机会
func (d *DHT) ConnectivityChanged(hasFamily bool, family types.Family) {
	d.cache.ClearBadNodes(family, hasFamily)
}

// NodeID 返回本地节点标识
func (d *DHT) NodeID() types.NodeID {
	return d.cfg.NodeID
}

// PublicAddr 返回当前推断出的公网地址；未达到计票阈值时 ok 为 false
func (d *DHT) PublicAddr() (types.Addr, bool) {
	return d.tally.PublicAddr()
}

// Shutdown 关闭实例，取消所有仍在等待的搜索步任务
func (d *DHT) Shutdown() error {
	if d.closed {
		return nil
	}
	d.closed = true

	var errs error
	for key, s := range d.searcher.searches {
		if !s.hasNextStep {
			continue
		}
		if !d.sched.Cancel(s.nextStep) {
			errs = multierr.Append(errs, NewDHTError("shutdown", ErrClosed, "failed to cancel pending step for "+key.target.ShortString()))
		}
	}
	if d.hasMaintenance {
		d.sched.Cancel(d.maintenanceJob)
	}
	return errs
}

// DHTStats 汇总当前实例的路由/存储/搜索规模，用于监控与调试
type DHTStats struct {
	NodeID        types.NodeID
	RoutingTable  map[types.Family]Stats
	StorageBytes  int64
	StorageValues int
	SearchCount   int
	Blacklisted   int
}

// Stats 返回当前实例的统计快照
func (d *DHT) Stats() DHTStats {
	now := d.clock.Now()
	rts := make(map[types.Family]Stats, len(d.tables))
	for family, rt := range d.tables {
		rts[family] = rt.NodeStats(now)
	}
	return DHTStats{
		NodeID:        d.cfg.NodeID,
		RoutingTable:  rts,
		StorageBytes:  d.storage.TotalSize(),
		StorageValues: d.storage.ValueCount(),
		SearchCount:   d.searcher.SearchCount(),
		Blacklisted:   d.blacklist.Len(),
	}
}

// scheduleMaintenance 安排下一次周期性维护：令牌轮转、过期清理、桶刷新、存储漂移检测
func (d *DHT) scheduleMaintenance(now time.Time) {
	if d.hasMaintenance {
		d.sched.Cancel(d.maintenanceJob)
	}
	d.maintenanceJob = d.sched.Schedule(now.Add(d.cfg.StorageMaintenanceInterval), d.runMaintenance)
	d.hasMaintenance = true
}

func (d *DHT) runMaintenance(now time.Time) {
	d.tokens.MaybeRotate()
	d.storage.Expire(now)
	d.refreshStaleBuckets(now)
	d.checkStorageDrift(now)
	d.scheduleMaintenance(now)
}

// refreshStaleBuckets §3.3 维护:对长期无活动的桶发一次 find_node，刷新其活跃时间
func (d *DHT) refreshStaleBuckets(now time.Time) {
	for family, rt := range d.tables {
		for _, b := range rt.ExpiredBuckets(now) {
			if len(b.Nodes) == 0 {
				continue
			}
			target := rt.RandomIDIn(b)
			d.searcher.Get(target, family, nil, nil, nil)
			b.LastActivity = now
		}
	}
}

// checkStorageDrift §4.4.2：本机是否仍在已知最近 SyncedFrontier 个节点之内；
// 如果已经漂移出去，为该 key 下的每个值发起一次重新公告
func (d *DHT) checkStorageDrift(now time.Time) {
	for _, key := range d.storage.Keys() {
		for family, rt := range d.tables {
			closest := rt.FindClosest(key, d.cfg.SyncedFrontier, now)
			if len(closest) < d.cfg.SyncedFrontier {
				continue
			}
			eighth := closest[d.cfg.SyncedFrontier-1]
			if !Less(eighth.ID, d.cfg.NodeID, key) {
				continue
			}
			for _, v := range d.storage.Get(key, nil) {
				d.searcher.Put(key, family, v, now, nil)
			}
		}
	}
}
