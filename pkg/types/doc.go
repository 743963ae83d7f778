// Package types 定义 opendht 的公共数据结构
//
// 这是整个系统的最底层包，不依赖任何其他 opendht 内部包。
// 所有类型都是纯值类型，在路由表、存储、搜索和网络引擎之间传递数据。
//
// # 文件组织
//
//   - ids.go     - NodeID（160 位标识符）、TransactionID、ValueID、Token
//   - address.go - Addr（IP+端口+地址族），不绑定任何具体传输实现
//   - errors.go  - 公共错误定义
//
// # 设计原则
//
//  1. 零依赖：不依赖任何其他 opendht 内部包（最底层）
//  2. 值类型：NodeID、Addr 均为可比较的值类型，可安全用作 map key
//  3. 与传输无关：Addr 只携带 IP/端口/地址族，UDP 收发由调用方实现
package types
