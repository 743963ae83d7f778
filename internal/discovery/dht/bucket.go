package dht

import (
	"time"

	"github.com/zorun/opendht/pkg/types"
)

// Bucket 标识空间中的一段半开区间，持有至多 BucketSize 个节点
//
// 一个桶由它覆盖的前缀长度 Depth 与前缀本身（存放在 Lower 里，
// Depth 位之后全部置零）描述：所有前 Depth 位与 Lower 相同的
// id 都落在这个桶里。这正是经典 Kademlia 二叉前缀树的表示方式，
// 等价于参考实现里 list<Bucket> 按 `first` 字段排序的区间列表。
type Bucket struct {
	Depth        int
	Lower        types.NodeID
	Nodes        []*Node
	Cached       *Node // 候选替补：桶满时记录的最近一次尝试
	LastActivity time.Time
}

// newRootBucket 创建覆盖整个标识空间的单一桶
func newRootBucket(now time.Time) *Bucket {
	return &Bucket{Depth: 0, LastActivity: now}
}

// Contains 判断 id 是否落在这个桶的区间内
func (b *Bucket) Contains(id types.NodeID) bool {
	if b.Depth == 0 {
		return true
	}
	return CommonPrefixLen(id, b.Lower) >= b.Depth
}

// Full 桶是否已达容量上限
func (b *Bucket) Full(capacity int) bool {
	return len(b.Nodes) >= capacity
}

// Find 在桶内按 id 查找节点
func (b *Bucket) Find(id types.NodeID) *Node {
	for _, n := range b.Nodes {
		if n.ID.Equal(id) {
			return n
		}
	}
	return nil
}

// RemoveNode 从桶内移除节点，返回是否真正移除了
func (b *Bucket) RemoveNode(id types.NodeID) bool {
	for i, n := range b.Nodes {
		if n.ID.Equal(id) {
			b.Nodes = append(b.Nodes[:i], b.Nodes[i+1:]...)
			return true
		}
	}
	return false
}

// CountDubious 返回桶内处于 dubious 状态的节点数
func (b *Bucket) CountDubious(now time.Time) int {
	count := 0
	for _, n := range b.Nodes {
		if n.IsDubious(now) {
			count++
		}
	}
	return count
}

// FirstDubious 返回桶内第一个 dubious 节点，没有则返回 nil
func (b *Bucket) FirstDubious(now time.Time) *Node {
	for _, n := range b.Nodes {
		if n.IsDubious(now) {
			return n
		}
	}
	return nil
}

// split 把桶沿中点一分为二，返回低半区（保留本桶）与高半区（新桶）
//
// 低半区在 Depth 位上补 0，高半区补 1；两者 Depth 均为原 Depth+1。
// 调用方负责把原桶内的节点按新边界重新分发到两个半区。
func (b *Bucket) split() (*Bucket, *Bucket) {
	newDepth := b.Depth + 1

	low := &Bucket{Depth: newDepth, Lower: b.Lower, LastActivity: b.LastActivity}

	high := &Bucket{Depth: newDepth, Lower: b.Lower, LastActivity: b.LastActivity}
	setBit(&high.Lower, b.Depth, 1)

	for _, n := range b.Nodes {
		if CommonPrefixLen(n.ID, high.Lower) >= newDepth {
			high.Nodes = append(high.Nodes, n)
		} else {
			low.Nodes = append(low.Nodes, n)
		}
	}
	return low, high
}

// setBit 把 id 的第 i 位（0 为最高位）置为 0 或 1
func setBit(id *types.NodeID, i int, v int) {
	byteIdx := i / 8
	bitIdx := uint(7 - i%8)
	if v == 0 {
		id[byteIdx] &^= 1 << bitIdx
	} else {
		id[byteIdx] |= 1 << bitIdx
	}
}
