package dht

import "github.com/zorun/opendht/pkg/types"

// Blacklist 有界的"近期行为不端地址"集合
//
// 参考实现里 isBlacklisted 是一个静态占位；这里把它变成可注入的策略：
// 嵌入方可以通过 Config.BlacklistPredicate 提供自己的判定逻辑，
// 否则退回到这个容量为 BlacklistMax 的内置环形集合。
type Blacklist struct {
	cap     int
	entries []types.Addr
}

// NewBlacklist 创建容量为 cap 的黑名单
func NewBlacklist(cap int) *Blacklist {
	if cap <= 0 {
		cap = 10
	}
	return &Blacklist{cap: cap}
}

// Add 把一个地址加入黑名单；达到容量后逐出最早加入的条目
func (b *Blacklist) Add(addr types.Addr) {
	for _, a := range b.entries {
		if a.Equal(addr) {
			return
		}
	}
	if len(b.entries) >= b.cap {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, addr)
}

// Contains 判断地址是否在黑名单中
func (b *Blacklist) Contains(addr types.Addr) bool {
	for _, a := range b.entries {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}

// Len 当前黑名单大小
func (b *Blacklist) Len() int {
	return len(b.entries)
}
