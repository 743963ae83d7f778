package dht

import (
	"crypto/rand"
	"sort"
	"time"

	"github.com/zorun/opendht/pkg/types"
)

// RoutingTable 单个地址族的路由表：一组不重叠、覆盖全部标识空间的桶
//
// 不变式：对任意 id，每个 family 的表里恰好有一个桶包含它；相邻桶
// 共享边界。包含本地 id 的桶（home bucket）总是可分裂的；其它满桶
// 只有在深度仍 <= HomeBucketMaxDepth 时才分裂（非对称分裂规则）。
type RoutingTable struct {
	local  types.NodeID
	family types.Family
	cfg    *Config
	clock  Clock

	// buckets 按 Lower 升序排列，彼此覆盖互斥且连续的区间
	buckets []*Bucket
}

// NewRoutingTable 创建一张只覆盖单个 family 的空路由表
func NewRoutingTable(local types.NodeID, family types.Family, cfg *Config, clock Clock) *RoutingTable {
	now := clock.Now()
	return &RoutingTable{
		local:   local,
		family:  family,
		cfg:     cfg,
		clock:   clock,
		buckets: []*Bucket{newRootBucket(now)},
	}
}

// findBucketIndex 返回包含 id 的桶在 buckets 中的下标
func (rt *RoutingTable) findBucketIndex(id types.NodeID) int {
	for i, b := range rt.buckets {
		if b.Contains(id) {
			return i
		}
	}
	// 不应该发生：桶集合总是覆盖全部空间
	return len(rt.buckets) - 1
}

// FindBucket 返回包含 id 的桶
func (rt *RoutingTable) FindBucket(id types.NodeID) *Bucket {
	return rt.buckets[rt.findBucketIndex(id)]
}

// Depth 返回桶相对于整个表的深度（即它覆盖的前缀位数）
func (rt *RoutingTable) Depth(b *Bucket) int {
	return b.Depth
}

// Insert 尝试把节点 n 插入路由表
//
// 返回 inserted 表示节点已在表中（新插入或已存在并被刷新）；
// 当桶已满且不能分裂时返回 needsPing，调用方应该去 ping 它以便
// 在失败时提升缓存的候选节点（见 PromoteCached）。
func (rt *RoutingTable) Insert(n *Node, now time.Time) (inserted bool, needsPing *Node) {
	idx := rt.findBucketIndex(n.ID)
	b := rt.buckets[idx]

	if existing := b.Find(n.ID); existing != nil {
		existing.Addr = n.Addr
		b.LastActivity = now
		return true, nil
	}

	if !b.Full(rt.cfg.BucketSize) {
		b.Nodes = append(b.Nodes, n)
		b.LastActivity = now
		return true, nil
	}

	if b.Contains(rt.local) || b.Depth < rt.cfg.HomeBucketMaxDepth {
		low, high := b.split()
		rt.buckets[idx] = low
		rt.buckets = append(rt.buckets, high)
		sort.Slice(rt.buckets, func(i, j int) bool {
			return lowerLess(rt.buckets[i], rt.buckets[j])
		})
		return rt.Insert(n, now)
	}

	b.Cached = n
	return false, b.FirstDubious(now)
}

// lowerLess 按 Lower 的字典序比较两个桶，用于保持 buckets 有序
func lowerLess(a, b *Bucket) bool {
	for i := 0; i < types.IDLength; i++ {
		if a.Lower[i] != b.Lower[i] {
			return a.Lower[i] < b.Lower[i]
		}
	}
	return false
}

// PromoteCached 用桶内缓存的候选节点替换一个已确认死亡的节点
func (rt *RoutingTable) PromoteCached(b *Bucket, dead types.NodeID) {
	if b.Cached == nil {
		return
	}
	b.RemoveNode(dead)
	b.Nodes = append(b.Nodes, b.Cached)
	b.Cached = nil
}

// Remove 从路由表中移除一个节点
func (rt *RoutingTable) Remove(id types.NodeID) bool {
	b := rt.FindBucket(id)
	return b.RemoveNode(id)
}

// FindClosest 返回按 XOR 距离排序、距 target 最近的至多 count 个非过期节点
func (rt *RoutingTable) FindClosest(target types.NodeID, count int, now time.Time) []*Node {
	var all []*Node
	for _, b := range rt.buckets {
		for _, n := range b.Nodes {
			if !n.IsExpired(now) {
				all = append(all, n)
			}
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return Less(all[i].ID, all[j].ID, target)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// ExpiredBuckets 返回 LastActivity 超过 BucketExpireTime 的桶，用于触发维护
func (rt *RoutingTable) ExpiredBuckets(now time.Time) []*Bucket {
	var out []*Bucket
	for _, b := range rt.buckets {
		if now.Sub(b.LastActivity) >= rt.cfg.BucketExpireTime {
			out = append(out, b)
		}
	}
	return out
}

// RandomIDIn 返回落在桶区间内的一个密码学安全随机 id
//
// 用于桶维护：对该 id 发起 find_node，刷新桶的活跃时间。
func (rt *RoutingTable) RandomIDIn(b *Bucket) types.NodeID {
	var id types.NodeID
	_, _ = rand.Read(id[:])
	for i := 0; i < b.Depth; i++ {
		setBit(&id, i, b.Lower.Bit(i))
	}
	return id
}

// IsEmpty 整张表没有任何节点
func (rt *RoutingTable) IsEmpty() bool {
	for _, b := range rt.buckets {
		if len(b.Nodes) > 0 {
			return false
		}
	}
	return true
}

// Size 返回路由表中的节点总数
func (rt *RoutingTable) Size() int {
	n := 0
	for _, b := range rt.buckets {
		n += len(b.Nodes)
	}
	return n
}

// Buckets 返回所有桶，按区间顺序排列；只用于只读遍历（统计、导出）
func (rt *RoutingTable) Buckets() []*Bucket {
	return rt.buckets
}

// Stats 节点统计：good/dubious/cached 的数量
type Stats struct {
	Good    int
	Dubious int
	Cached  int
}

// NodeStats 统计当前路由表内各状态的节点数量
func (rt *RoutingTable) NodeStats(now time.Time) Stats {
	var s Stats
	for _, b := range rt.buckets {
		for _, n := range b.Nodes {
			switch {
			case n.IsGood(now):
				s.Good++
			case n.IsDubious(now):
				s.Dubious++
			}
		}
		if b.Cached != nil {
			s.Cached++
		}
	}
	return s
}
