package dht

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zorun/opendht/pkg/types"
)

// NodeExpireTime 节点在无回复后仍被视为 good 的窗口
const NodeExpireTime = 15 * time.Minute

// MaxMissedReplies 连续失败多少次后节点被判定为 expired
const MaxMissedReplies = 3

// Node 一个远端节点记录
//
// 由 NodeCache 规范化：同一个 (id, family) 在路由表、搜索前沿与
// 在途请求之间共享同一个 *Node，从而状态更新只需要发生一次。
type Node struct {
	ID            types.NodeID
	Addr          types.Addr
	Family        types.Family
	LastReplyTime time.Time
	LastPingTime  time.Time
	PingedCount   int
}

// newNode 构造一个刚见到但还未确认存活的节点
func newNode(id types.NodeID, addr types.Addr) *Node {
	return &Node{ID: id, Addr: addr, Family: addr.Family()}
}

// IsGood 最近有回复
func (n *Node) IsGood(now time.Time) bool {
	return !n.LastReplyTime.IsZero() && now.Sub(n.LastReplyTime) < NodeExpireTime
}

// IsExpired 连续多次请求都没有回复
func (n *Node) IsExpired(now time.Time) bool {
	if n.IsGood(now) {
		return false
	}
	return n.PingedCount >= MaxMissedReplies
}

// IsDubious 既不是 good 也还没到 expired
func (n *Node) IsDubious(now time.Time) bool {
	return !n.IsGood(now) && !n.IsExpired(now)
}

// OnReply 记录一次成功的回复，重置失败计数
func (n *Node) OnReply(now time.Time) {
	n.LastReplyTime = now
	n.PingedCount = 0
}

// OnTimeout 记录一次请求超时
func (n *Node) OnTimeout() {
	n.PingedCount++
}

// nodeCacheKey (id, family) 的可比较复合键
type nodeCacheKey struct {
	id     types.NodeID
	family types.Family
}

// NodeCache 规范化节点记录的有界缓存
//
// 参考实现用 weak_ptr 链表表达"没有强引用时节点自动消失"；Go 没有
// 跨版本稳定的弱引用原语，这里用 LRU 做近似：缓存容量作为整个生命周期
// 的软上限,被路由表/搜索/请求仍然持有的 *Node 不会因为被逐出 LRU
// 而失效——它们只是不再被"规范化查找"命中，调用方在下一次 get/put
// 时会得到一个新记录，语义上等价于参考实现里引用计数归零后的重建。
type NodeCache struct {
	nodes *lru.Cache[nodeCacheKey, *Node]
}

// NewNodeCache 创建容量为 capacity 的节点缓存
func NewNodeCache(capacity int) *NodeCache {
	if capacity <= 0 {
		capacity = 4096
	}
	c, _ := lru.New[nodeCacheKey, *Node](capacity)
	return &NodeCache{nodes: c}
}

// GetOrCreate 返回 (id, family) 对应的规范 *Node，若不存在则创建
func (c *NodeCache) GetOrCreate(id types.NodeID, addr types.Addr) *Node {
	key := nodeCacheKey{id: id, family: addr.Family()}
	if n, ok := c.nodes.Get(key); ok {
		return n
	}
	n := newNode(id, addr)
	c.nodes.Add(key, n)
	return n
}

// Get 返回 (id, family) 对应的规范 *Node，不存在则返回 (nil, false)
func (c *NodeCache) Get(id types.NodeID, family types.Family) (*Node, bool) {
	return c.nodes.Get(nodeCacheKey{id: id, family: family})
}

// Put 将一个已构造好的节点放入缓存，覆盖任何已有记录
func (c *NodeCache) Put(n *Node) {
	c.nodes.Add(nodeCacheKey{id: n.ID, family: n.Family}, n)
}

// ClearBadNodes 重置所有节点的失败计数，给它们一次新的机会
//
// 用于 connectivity_changed()：底层连通性发生变化后，之前判定为
// expired 的节点可能只是因为本机地址换了而失联，值得重新尝试。
func (c *NodeCache) ClearBadNodes(family types.Family, hasFamily bool) {
	for _, key := range c.nodes.Keys() {
		if hasFamily && key.family != family {
			continue
		}
		if n, ok := c.nodes.Peek(key); ok {
			n.PingedCount = 0
		}
	}
}

// Len 返回当前缓存的节点数量
func (c *NodeCache) Len() int {
	return c.nodes.Len()
}
