package dht

import "time"

// ValueTypeID 标识一个已注册的值类型
type ValueTypeID uint16

// UserDataTypeID 未显式注册类型时使用的默认类型
const UserDataTypeID ValueTypeID = 0

// Value 存储在某个 key 下的一条记录
//
// 值在存储中是不可变的，除非被同 id 的新值依据类型策略替换。
type Value struct {
	ID        uint64
	TypeID    ValueTypeID
	Payload   []byte
	OwnerKey  []byte
	Signature []byte
	Recipient []byte // 可选：预期接收者的 NodeID 字节，nil 表示公开
}

// sameContent 判断两个值除 insert_time 外是否逐字节相同
//
// 对应 §9 的开放问题决策：同 id 同内容的 store 不算变更，不触发通知。
func (v *Value) sameContent(other *Value) bool {
	if v.TypeID != other.TypeID {
		return false
	}
	if string(v.Payload) != string(other.Payload) {
		return false
	}
	if string(v.OwnerKey) != string(other.OwnerKey) {
		return false
	}
	return string(v.Recipient) == string(other.Recipient)
}

// size 值在存储预算中计入的字节数
func (v *Value) size() int64 {
	return int64(len(v.Payload) + len(v.OwnerKey) + len(v.Signature) + len(v.Recipient))
}

// StorePolicy 决定是否接受一个全新的值（该 key 下还没有同 id 的记录）
type StorePolicy func(newValue *Value) bool

// EditPolicy 决定是否允许用 replacement 替换 existing（同 id）
type EditPolicy func(existing, replacement *Value) bool

// acceptAllStore 默认的 store_policy：接受一切
func acceptAllStore(*Value) bool { return true }

// acceptAllEdit 默认的 edit_policy：允许一切替换
func acceptAllEdit(*Value, *Value) bool { return true }

// ValueType 值类型的注册策略：过期时间与接受/替换策略
type ValueType struct {
	ID         ValueTypeID
	Expiration time.Duration
	Store      StorePolicy
	Edit       EditPolicy
}

// DefaultValueType 未注册类型时回退使用的策略：长寿命、接受一切
var DefaultValueType = ValueType{
	ID:         UserDataTypeID,
	Expiration: 24 * time.Hour,
	Store:      acceptAllStore,
	Edit:       acceptAllEdit,
}

// TypeRegistry 已注册值类型的查找表
type TypeRegistry struct {
	types map[ValueTypeID]ValueType
}

// NewTypeRegistry 创建一个已经包含默认类型的注册表
func NewTypeRegistry() *TypeRegistry {
	r := &TypeRegistry{types: make(map[ValueTypeID]ValueType)}
	r.Register(DefaultValueType)
	return r
}

// Register 注册或覆盖一个值类型
func (r *TypeRegistry) Register(t ValueType) {
	r.types[t.ID] = t
}

// Get 返回类型，未注册时回退到 DefaultValueType
func (r *TypeRegistry) Get(id ValueTypeID) ValueType {
	if t, ok := r.types[id]; ok {
		return t
	}
	return DefaultValueType
}
