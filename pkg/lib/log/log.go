// Package log 提供 opendht 统一日志接口
//
// 基于 go.uber.org/zap 封装，提供简洁的按组件日志 API。
// 核心包永不直接持有 *zap.Logger；它们通过 Logger(component) 取得
// 一个懒加载句柄，真正的 sink 由嵌入方在启动时用 SetDefault 注入。
package log

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var defaultLogger atomic.Pointer[zap.Logger]

func init() {
	defaultLogger.Store(zap.NewNop())
}

// SetDefault 设置默认 logger，核心不会自行决定输出目标
func SetDefault(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	defaultLogger.Store(l)
}

// Default 返回当前默认 logger
func Default() *zap.Logger {
	return defaultLogger.Load()
}

// ============================================================================
//                              LazyLogger
// ============================================================================

// LazyLogger 懒加载 logger，每次调用都从当前 default logger 派生
//
// 使用方式：
//
//	var log = log.Logger("routing")
//	log.Debug("bucket split", zap.Int("depth", depth))
type LazyLogger struct {
	component string
}

func (l *LazyLogger) sugar() *zap.Logger {
	return defaultLogger.Load().With(zap.String("component", l.component))
}

// Debug 输出 Debug 级别日志
func (l *LazyLogger) Debug(msg string, fields ...zap.Field) {
	l.sugar().Debug(msg, fields...)
}

// Info 输出 Info 级别日志
func (l *LazyLogger) Info(msg string, fields ...zap.Field) {
	l.sugar().Info(msg, fields...)
}

// Warn 输出 Warn 级别日志
func (l *LazyLogger) Warn(msg string, fields ...zap.Field) {
	l.sugar().Warn(msg, fields...)
}

// Error 输出 Error 级别日志
func (l *LazyLogger) Error(msg string, fields ...zap.Field) {
	l.sugar().Error(msg, fields...)
}

// With 返回绑定了附加字段的 *zap.Logger
func (l *LazyLogger) With(fields ...zap.Field) *zap.Logger {
	return l.sugar().With(fields...)
}

// Logger 返回带组件名的 LazyLogger
func Logger(component string) *LazyLogger {
	return &LazyLogger{component: component}
}

// TruncateID 安全截取 ID 用于日志显示，避免越界 panic
func TruncateID(id string, maxLen int) string {
	if len(id) <= maxLen {
		return id
	}
	return id[:maxLen]
}
