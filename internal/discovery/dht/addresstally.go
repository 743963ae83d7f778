package dht

import (
	"github.com/spaolacci/murmur3"

	"github.com/zorun/opendht/pkg/types"
)

// maxTallyEntriesPerBucket 每个哈希桶里最多保留的候选地址数，
// 超出后逐出最早加入的条目——把内存占用与桶数而非上报者数量绑定。
const maxTallyEntriesPerBucket = 8

// tallyEntry 一个被上报过的候选公网地址及报告过它的节点集合
type tallyEntry struct {
	addr      types.Addr
	reporters map[types.NodeID]struct{}
}

type tallyBucket struct {
	entries []*tallyEntry
}

// AddressTally 对远端上报的"我看到你的地址是…"进行有界计票，
// 用来推断本机的公网地址（NAT 穿透/UPnP 缺失时唯一可靠的信号来源）
type AddressTally struct {
	cfg      *Config
	buckets  []tallyBucket
	onChange func(types.Addr)
	current  types.Addr
}

// NewAddressTally 创建地址计票器
func NewAddressTally(cfg *Config, onChange func(types.Addr)) *AddressTally {
	n := cfg.AddressTallyBuckets
	if n <= 0 {
		n = 64
	}
	return &AddressTally{cfg: cfg, buckets: make([]tallyBucket, n), onChange: onChange}
}

func (t *AddressTally) bucketFor(addr types.Addr) *tallyBucket {
	buf := make([]byte, 0, len(addr.IP)+2)
	buf = append(buf, addr.IP...)
	buf = append(buf, byte(addr.Port>>8), byte(addr.Port))
	h := murmur3.Sum32(buf)
	idx := int(h % uint32(len(t.buckets)))
	return &t.buckets[idx]
}

// Report 记录一次远端对本机地址的上报；达到 AddressTallyThreshold 个
// 独立报告者后触发 onChange（对应 §4.6 的 connectivity_changed）
func (t *AddressTally) Report(addr types.Addr, reporter types.NodeID) {
	if addr.IsZero() || addr.IsPrivate() {
		return
	}
	b := t.bucketFor(addr)
	for _, e := range b.entries {
		if e.addr.Equal(addr) {
			e.reporters[reporter] = struct{}{}
			t.maybeUpdate(e)
			return
		}
	}
	e := &tallyEntry{addr: addr, reporters: map[types.NodeID]struct{}{reporter: {}}}
	if len(b.entries) >= maxTallyEntriesPerBucket {
		b.entries = b.entries[1:]
	}
	b.entries = append(b.entries, e)
	t.maybeUpdate(e)
}

func (t *AddressTally) maybeUpdate(e *tallyEntry) {
	if len(e.reporters) < t.cfg.AddressTallyThreshold {
		return
	}
	if t.current.Equal(e.addr) {
		return
	}
	t.current = e.addr
	if t.onChange != nil {
		t.onChange(e.addr)
	}
}

// PublicAddr 返回当前推断出的公网地址，未达到阈值时 ok 为 false
func (t *AddressTally) PublicAddr() (addr types.Addr, ok bool) {
	return t.current, !t.current.IsZero()
}
