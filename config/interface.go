// Package config 为 registrar 提供统一的配置加载能力，基于 Viper 实现。
//
// 优先级：环境变量 > .env > 环境特定配置（config.<env>.yaml）> 基础配置。
// 环境由 <PREFIX>_ENV 指定，默认前缀 REGISTRAR。
//
//	loader, _ := config.New(&config.Config{Paths: []string{"./configs"}})
//	_ = loader.Load(ctx)
//	var srv server.Config
//	_ = loader.UnmarshalKey("server", &srv)
package config

import (
	"context"
	"time"
)

// Loader 配置加载器
type Loader interface {
	// Load 加载配置并启动文件监听
	Load(ctx context.Context) error

	// Get 获取原始配置值
	Get(key string) any

	// Unmarshal 将整个配置反序列化到结构体
	Unmarshal(v any) error

	// UnmarshalKey 将指定 key 的配置反序列化到结构体
	UnmarshalKey(key string, v any) error

	// Watch 监听 key 对应值的变化，ctx 取消后通道关闭
	Watch(ctx context.Context, key string) (<-chan Event, error)

	// Validate 验证当前配置的有效性
	Validate() error

	// Close 停止所有监听
	Close() error
}

// Event 配置变更事件
type Event struct {
	Key       string
	Value     any
	OldValue  any
	Source    string // "file"
	Timestamp time.Time
}
