package server

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/index"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/registry"
	"github.com/ceyewan/registrar/xerrors"
)

// Config 服务端配置
//
//	server:
//	  name: write-1
//	  eviction_grace_period: 30s
//	  heartbeat_interval: 10s
//	  registration_rate: 10
//	  registration_burst: 20
//	  index:
//	    queue_size: 1024
type Config struct {
	// Name 服务端名字，用作本地注册来源名与 NATS 地址
	Name string `mapstructure:"name"`
	// EvictionGracePeriod 注册通道断开后保留其实例的时长
	EvictionGracePeriod time.Duration `mapstructure:"eviction_grace_period"`
	// HeartbeatInterval 客户端心跳间隔
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	// IdleTimeout 注册通道无消息超过该时长即关闭，默认 3 倍心跳间隔
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// RegistrationRate 单条注册通道每秒允许的 register/update 数
	RegistrationRate  float64 `mapstructure:"registration_rate"`
	RegistrationBurst int     `mapstructure:"registration_burst"`

	Index index.Config `mapstructure:"index"`
}

func (c *Config) setDefaults() {
	if c.Name == "" {
		c.Name = "registrar"
	}
	if c.EvictionGracePeriod <= 0 {
		c.EvictionGracePeriod = registry.DefaultEvictionGrace
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = channel.DefaultHeartbeatInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 3 * c.HeartbeatInterval
	}
	if c.RegistrationRate <= 0 {
		c.RegistrationRate = 10
	}
	if c.RegistrationBurst <= 0 {
		c.RegistrationBurst = 20
	}
}

func (c *Config) validate() error {
	c.setDefaults()
	if c.IdleTimeout < c.HeartbeatInterval {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "idle timeout %s shorter than heartbeat interval %s", c.IdleTimeout, c.HeartbeatInterval)
	}
	return nil
}

type options struct {
	// root 未追加命名空间，交给组装出的各组件
	root   clog.Logger
	logger clog.Logger
	meter  metrics.Meter
	clock  clock.Clock
}

// Option 服务端可选项
type Option func(*options)

// WithLogger 注入 Logger，自动追加 "server" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.root = l
			o.logger = l.WithNamespace("server")
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

// WithClock 替换空闲超时与驱逐使用的时钟
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		root:   clog.Discard(),
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
