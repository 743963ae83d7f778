package types

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/mr-tron/base58"
)

// ============================================================================
//                              NodeID - 160 位节点标识
// ============================================================================

// IDLength NodeID 的字节长度（160 位，与 SHA-1 / Kademlia 惯例一致）
const IDLength = 20

// NodeID 节点在键空间中的唯一标识符
//
// 两个 NodeID 之间的距离定义为按位 XOR 后得到的大端无符号整数；
// "最近"永远是指这个度量，而不是网络延迟或地理距离。
type NodeID [IDLength]byte

// EmptyNodeID 空节点 ID
var EmptyNodeID NodeID

// ErrInvalidNodeID 无效的节点 ID
var ErrInvalidNodeID = errors.New("opendht: invalid node id")

// String 返回 NodeID 的 Base58 字符串表示
func (id NodeID) String() string {
	if id.IsEmpty() {
		return ""
	}
	return base58.Encode(id[:])
}

// ShortString 返回 NodeID 的短字符串表示，用于日志
func (id NodeID) ShortString() string {
	s := id.String()
	if len(s) > 8 {
		return s[:8]
	}
	return s
}

// Hex 返回 NodeID 的十六进制表示，用于与网络字节顺序打交道的代码
func (id NodeID) Hex() string {
	return hex.EncodeToString(id[:])
}

// Bytes 返回 NodeID 的字节切片
func (id NodeID) Bytes() []byte {
	return id[:]
}

// Equal 比较两个 NodeID 是否相等
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// IsEmpty 检查 NodeID 是否为空
func (id NodeID) IsEmpty() bool {
	return id == EmptyNodeID
}

// Bit 返回 NodeID 第 i 位（0 为最高位）的值
func (id NodeID) Bit(i int) int {
	if i < 0 || i >= IDLength*8 {
		return 0
	}
	byteIdx := i / 8
	bitIdx := uint(7 - i%8)
	return int((id[byteIdx] >> bitIdx) & 1)
}

// NodeIDFromBytes 从字节切片创建 NodeID
func NodeIDFromBytes(b []byte) (NodeID, error) {
	if len(b) != IDLength {
		return EmptyNodeID, ErrInvalidNodeID
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// ParseNodeID 从 Base58 字符串解析 NodeID
func ParseNodeID(s string) (NodeID, error) {
	if s == "" {
		return EmptyNodeID, ErrInvalidNodeID
	}
	b, err := base58.Decode(s)
	if err != nil || len(b) != IDLength {
		return EmptyNodeID, ErrInvalidNodeID
	}
	var id NodeID
	copy(id[:], b)
	return id, nil
}

// RandomNodeID 生成一个密码学安全的随机 NodeID
//
// 用于生成本地身份，以及桶维护时随机选取落在某个桶范围内的目标 id。
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic("opendht: crypto/rand failed: " + err.Error())
	}
	return id
}

// ============================================================================
//                              派生标识符
// ============================================================================

// TransactionID 请求/响应关联用的 16 位事务号
type TransactionID uint16

// ValueID 一个存储值在同一 key 下的唯一标识（64 位）
type ValueID uint64

// Token 写令牌：由本地节点铸造、随响应下发，announce 时必须回传匹配的令牌
//
// 固定 64 字节，由轮转密钥与远端 IP 派生（参见 internal/discovery/dht 的 token 铸造逻辑）。
type Token [64]byte

// IsEmpty 检查 Token 是否为空（未铸造）
func (t Token) IsEmpty() bool {
	var zero Token
	return t == zero
}

// Equal 常量时间比较由调用方（token 校验逻辑）负责，这里只做值比较辅助
func (t Token) Equal(other Token) bool {
	return t == other
}
