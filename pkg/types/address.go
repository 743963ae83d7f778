package types

import (
	"errors"
	"net"
	"strconv"
)

// ============================================================================
//                              Family - 地址族
// ============================================================================

// Family 地址族，路由表按 family 维护独立的桶树
type Family uint8

const (
	// FamilyIPv4 IPv4
	FamilyIPv4 Family = iota
	// FamilyIPv6 IPv6
	FamilyIPv6
)

// String 返回地址族的字符串表示
func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return "unknown"
	}
}

// ============================================================================
//                              Addr - 对端地址
// ============================================================================

// ErrInvalidAddress 无效地址
var ErrInvalidAddress = errors.New("opendht: invalid address")

// Addr 一个 UDP 对端地址
//
// 只携带 IP、端口与地址族；核心不关心底层 socket 如何收发，
// 由调用方把裸字节和来源地址喂给 periodic()。
type Addr struct {
	IP     net.IP
	Port   uint16
	family Family
}

// NewAddr 从 net.IP 与端口构造 Addr，自动推断地址族
func NewAddr(ip net.IP, port uint16) (Addr, error) {
	if ip == nil {
		return Addr{}, ErrInvalidAddress
	}
	a := Addr{IP: ip, Port: port}
	if ip4 := ip.To4(); ip4 != nil {
		a.IP = ip4
		a.family = FamilyIPv4
	} else {
		a.family = FamilyIPv6
	}
	return a, nil
}

// FromUDPAddr 从 *net.UDPAddr 构造 Addr
func FromUDPAddr(u *net.UDPAddr) (Addr, error) {
	if u == nil {
		return Addr{}, ErrInvalidAddress
	}
	return NewAddr(u.IP, uint16(u.Port))
}

// Family 返回地址族
func (a Addr) Family() Family {
	return a.family
}

// UDPAddr 转换为标准库 *net.UDPAddr，便于调用方实际拨号/发包
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: a.IP, Port: int(a.Port)}
}

// String 返回 "ip:port" 形式的字符串
func (a Addr) String() string {
	return net.JoinHostPort(a.IP.String(), strconv.Itoa(int(a.Port)))
}

// Equal 比较两个地址是否相同
func (a Addr) Equal(other Addr) bool {
	return a.Port == other.Port && a.IP.Equal(other.IP)
}

// IsZero 检查地址是否为零值
func (a Addr) IsZero() bool {
	return a.IP == nil
}

// IsPrivate 判断地址是否为私有/本地地址（RFC1918、回环、链路本地）
//
// 用于公网地址推断：仅有公网地址才计入上报地址的计票。
func (a Addr) IsPrivate() bool {
	if a.IP == nil {
		return true
	}
	if a.IP.IsLoopback() || a.IP.IsLinkLocalUnicast() || a.IP.IsLinkLocalMulticast() {
		return true
	}
	return a.IP.IsPrivate()
}
