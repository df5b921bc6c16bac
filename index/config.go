package index

import (
	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
)

// DefaultQueueSize 单个订阅最多积压的通知数
const DefaultQueueSize = 1024

// Config Index Registry 配置
type Config struct {
	// QueueSize 每个订阅的待投递队列上限，超出后队列被替换为一个 Gap 并断开订阅
	QueueSize int `mapstructure:"queue_size"`
}

func (c *Config) setDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
}

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// Option 可选项
type Option func(*options)

// WithLogger 注入 Logger，自动追加 "index" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("index")
		}
	}
}

// WithMeter 注入 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}
