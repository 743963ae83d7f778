package dht

import "github.com/zorun/opendht/pkg/types"

// MessageKind 请求/响应的种类
type MessageKind uint8

const (
	KindPing MessageKind = iota
	KindFindNode
	KindGetValues
	KindListen
	KindAnnounceValue
	KindError
)

// String 返回消息种类的可读名称，便于日志与调试输出
func (k MessageKind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindFindNode:
		return "find_node"
	case KindGetValues:
		return "get_values"
	case KindListen:
		return "listen"
	case KindAnnounceValue:
		return "announce_value"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message 核心与外部编解码器之间交换的类型化记录
//
// 核心从不直接接触裸字节；Codec 负责把 Message 编解码为线上格式。
type Message struct {
	Kind MessageKind
	Tid  types.TransactionID
	// IsReply 为 false 表示这是一个请求，true 表示这是对某个请求的响应
	IsReply bool

	SenderID types.NodeID

	// 请求侧字段
	Target types.NodeID // find_node/get_values/listen/announce_value 的目标 key
	Token  types.Token  // announce_value 携带，用于服务端校验
	Values []Value      // announce_value 携带要写入的值
	Want   bool         // listen 的订阅标记，置 false 表示取消

	// 响应侧字段
	Answer RequestAnswer
}

// RequestAnswer 服务端对一次请求的应答内容
type RequestAnswer struct {
	OK        bool
	ErrReason error
	Nodes     []NodeInfo // find_node/get_values 返回的更近节点
	Token     types.Token
	Values    []Value
	AckID     uint64 // listen/announce_value 的不透明确认号，用于 listener 通知复用
}

// NodeInfo 在协议层传递的节点摘要：不携带存活状态，只有身份与地址
type NodeInfo struct {
	ID   types.NodeID
	Addr types.Addr
}

// Sender 核心依赖的出站数据报发送契约，UDP 细节完全由嵌入方实现
type Sender interface {
	Send(addr types.Addr, payload []byte) error
}

// Codec 核心依赖的线上编解码契约
type Codec interface {
	Encode(msg *Message) ([]byte, error)
	Decode(buf []byte) (*Message, error)
}
