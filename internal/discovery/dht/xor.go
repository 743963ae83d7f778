package dht

import "github.com/zorun/opendht/pkg/types"

// XORDistance 计算两个 NodeID 的 XOR 距离，结果按大端序解读为无符号整数
func XORDistance(a, b types.NodeID) [types.IDLength]byte {
	var d [types.IDLength]byte
	for i := 0; i < types.IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance 比较 a、b 到 target 的 XOR 距离
//
// 返回 -1 表示 a 更近，1 表示 b 更近，0 表示相等。
func CompareDistance(a, b, target types.NodeID) int {
	da := XORDistance(a, target)
	db := XORDistance(b, target)
	for i := 0; i < types.IDLength; i++ {
		if da[i] < db[i] {
			return -1
		}
		if da[i] > db[i] {
			return 1
		}
	}
	return 0
}

// CommonPrefixLen 计算两个 NodeID 的公共前缀长度（按位计数）
func CommonPrefixLen(a, b types.NodeID) int {
	d := XORDistance(a, b)
	bits := 0
	for _, byt := range d {
		if byt == 0 {
			bits += 8
			continue
		}
		for mask := byte(0x80); mask > 0; mask >>= 1 {
			if byt&mask != 0 {
				return bits
			}
			bits++
		}
		return bits
	}
	return bits
}

// Less 判断 a 是否比 b 更接近 target
func Less(a, b, target types.NodeID) bool {
	return CompareDistance(a, b, target) < 0
}
