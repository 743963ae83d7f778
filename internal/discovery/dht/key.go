package dht

import (
	sha256simd "github.com/minio/sha256-simd"

	"github.com/zorun/opendht/pkg/types"
)

// DeriveKey 把任意字节串映射到 160 位标识符空间
//
// 应用层的 announce key（服务名、命名空间、任意字符串）往往不是
// 一个合法的 NodeID；DeriveKey 取 SIMD 加速的 SHA-256 并截断到
// IDLength 字节，让这类 key 均匀分布到同一个 XOR 距离空间里，
// 可以和真实节点 id 一样参与 FindClosest/Search。
func DeriveKey(raw []byte) types.NodeID {
	sum := sha256simd.Sum256(raw)
	var id types.NodeID
	copy(id[:], sum[:types.IDLength])
	return id
}

// DeriveKeyString 是 DeriveKey 接受字符串参数的便捷包装
func DeriveKeyString(raw string) types.NodeID {
	return DeriveKey([]byte(raw))
}
