package dht

import (
	"bytes"
	"encoding/gob"
	"time"

	"github.com/klauspost/compress/zstd"

	opendhtlog "github.com/zorun/opendht/pkg/lib/log"
	"github.com/zorun/opendht/pkg/types"
)

var snapshotLog = opendhtlog.Logger("snapshot")

// NodeSnapshot 一条可序列化的节点记录，用于冷启动时跳过引导
type NodeSnapshot struct {
	ID     types.NodeID
	IP     []byte
	Port   uint16
	Family types.Family
}

// ValueSnapshot 一条可序列化的存储值，携带所属的 key
type ValueSnapshot struct {
	Key       types.NodeID
	Value     Value
	CreatedAt time.Time
}

// ExportNodes 导出所有路由表中当前 good 的节点，用于冷启动跳过引导
func ExportNodes(tables map[types.Family]*RoutingTable, now time.Time) []NodeSnapshot {
	var out []NodeSnapshot
	for family, rt := range tables {
		for _, b := range rt.Buckets() {
			for _, n := range b.Nodes {
				if !n.IsGood(now) {
					continue
				}
				out = append(out, NodeSnapshot{ID: n.ID, IP: []byte(n.Addr.IP), Port: n.Addr.Port, Family: family})
			}
		}
	}
	return out
}

// ImportNodes 把导出的节点记录重新插入路由表与节点缓存
func ImportNodes(tables map[types.Family]*RoutingTable, cache *NodeCache, snaps []NodeSnapshot, now time.Time) int {
	inserted := 0
	for _, s := range snaps {
		addr, err := types.NewAddr(s.IP, s.Port)
		if err != nil {
			continue
		}
		rt := tables[s.Family]
		if rt == nil {
			continue
		}
		n := cache.GetOrCreate(s.ID, addr)
		if ok, _ := rt.Insert(n, now); ok {
			inserted++
		}
	}
	return inserted
}

// ExportValues 导出一个存储引擎当前持有的所有值
func ExportValues(storage *Storage) []ValueSnapshot {
	var out []ValueSnapshot
	for _, key := range storage.Keys() {
		for _, v := range storage.Get(key, nil) {
			out = append(out, ValueSnapshot{Key: key, Value: v})
		}
	}
	return out
}

// ImportValues 把导出的值重新写入存储引擎，受同样的预算与策略约束
func ImportValues(storage *Storage, snaps []ValueSnapshot, now time.Time) int {
	imported := 0
	for _, s := range snaps {
		created := s.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := storage.Store(s.Key, s.Value, created); err == nil {
			imported++
		}
	}
	return imported
}

// EncodeSnapshot 把任意可 gob 编码的快照结构压缩为 zstd 字节流
//
// 导出的路由表/存储快照在长期运行的节点上可以达到数 MiB，用 zstd
// 而不是裸 gob 落盘，换来的磁盘/传输开销下降对重启恢复速度很划算。
func EncodeSnapshot(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, NewDHTError("encode_snapshot", err, "gob encode failed")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, NewDHTError("encode_snapshot", err, "zstd writer init failed")
	}
	defer enc.Close()
	return enc.EncodeAll(buf.Bytes(), nil), nil
}

// DecodeSnapshot 解压并 gob 解码一个之前由 EncodeSnapshot 产出的快照
func DecodeSnapshot(blob []byte, v any) error {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return NewDHTError("decode_snapshot", err, "zstd reader init failed")
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		snapshotLog.Warn("snapshot decompression failed")
		return NewDHTError("decode_snapshot", err, "zstd decode failed")
	}
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(v); err != nil {
		return NewDHTError("decode_snapshot", err, "gob decode failed")
	}
	return nil
}
