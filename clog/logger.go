// Package clog 为 registrar 提供基于 slog 的结构化日志组件。
//
// 每个组件通过 WithLogger 接收一个 Logger，并在其后追加自己的命名空间，
// 例如 "registrar.registry"、"registrar.index"。
//
// 基本使用：
//
//	logger, _ := clog.New(&clog.Config{Level: "info", Format: "json"})
//	logger.Info("instance registered", clog.String("instance_id", id))
package clog

import (
	"context"
	"fmt"
)

// Logger 日志接口
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	Fatal(msg string, fields ...Field)

	// 带 Context 的版本会提取 trace_id/span_id 以及 WithContextField 配置的字段
	DebugContext(ctx context.Context, msg string, fields ...Field)
	InfoContext(ctx context.Context, msg string, fields ...Field)
	WarnContext(ctx context.Context, msg string, fields ...Field)
	ErrorContext(ctx context.Context, msg string, fields ...Field)
	FatalContext(ctx context.Context, msg string, fields ...Field)

	// With 创建一个带有预设字段的子 Logger
	With(fields ...Field) Logger

	// WithNamespace 追加命名空间，以 "." 连接
	WithNamespace(parts ...string) Logger

	// SetLevel 动态调整日志级别，对所有派生出的子 Logger 生效
	SetLevel(level Level) error

	// Flush 同步底层输出
	Flush()
}

// New 创建一个新的 Logger 实例，config 为 nil 时使用默认配置。
func New(config *Config, opts ...Option) (Logger, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return newLogger(config, applyOptions(opts...))
}
