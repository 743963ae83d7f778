package dht

import "github.com/benbjohnson/clock"

// Clock 时间源，核心只通过这个接口读取时间
//
// 生产环境下是 clock.New() 返回的真实时钟；测试里换成 clock.NewMock()，
// 让调度器、令牌轮转和搜索过期都能在无需真实 sleep 的情况下被驱动。
type Clock = clock.Clock

// NewRealClock 返回包装了系统时钟的 Clock
func NewRealClock() Clock {
	return clock.New()
}
