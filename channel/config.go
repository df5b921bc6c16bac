package channel

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

const (
	DefaultHeartbeatInterval  = 10 * time.Second
	DefaultNotificationBuffer = 256
)

// Config 通道配置
type Config struct {
	// HeartbeatInterval 注册通道自动心跳间隔，服务端空闲超时为其 3 倍
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// NotificationBuffer 订阅通道通知缓冲，消费过慢时阻塞传输层接收
	NotificationBuffer int `mapstructure:"notification_buffer"`
}

func (c *Config) setDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = DefaultNotificationBuffer
	}
}

func (c *Config) validate() error {
	c.setDefaults()
	if c.HeartbeatInterval < time.Millisecond {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "heartbeat interval too small")
	}
	return nil
}

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	clock  clock.Clock
}

// Option 通道可选项
type Option func(*options)

// WithLogger 注入 Logger，自动追加 "channel" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("channel")
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

// WithClock 替换心跳使用的时钟
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
