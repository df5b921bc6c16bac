// Package client 在 channel 之上提供自动重连的客户端。
//
// 通道本身不重连，断开后客户端用 channel.Factory 创建新通道，
// 按指数退避重试，连接成功后重放最近一次注册或订阅。
// 连续失败次数超过 MaxReconnects 时客户端终止，原因由 Err() 给出。
//
//	f, _ := channel.NewFactory(res, dialer, nil)
//	rc, _ := client.NewRegistrationClient(f, nil, client.WithLogger(logger))
//	defer rc.Close()
//	_ = rc.Register(ctx, info)
package client

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

// ErrReconnectExhausted 连续重连失败超过上限
var ErrReconnectExhausted = xerrors.New("reconnect attempts exhausted")

// ErrReconnectAborted 重连时对端拒绝了重放且错误不可重试
var ErrReconnectAborted = xerrors.New("reconnect aborted")

// ErrClientClosed 客户端已关闭
var ErrClientClosed = xerrors.New("client closed")

// Config 客户端配置
type Config struct {
	// InitialBackoff 首次重连等待
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	// MaxReconnects 连续失败上限，0 表示无限重试
	MaxReconnects int `mapstructure:"max_reconnects"`
	// ConnectTimeout 单次建连（含重放）的超时
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// NotificationBuffer 订阅客户端输出通道的缓冲
	NotificationBuffer int `mapstructure:"notification_buffer"`
	// Name 全量拉取时本地复制来源的名字
	Name string `mapstructure:"name"`
}

func (c *Config) setDefaults() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.NotificationBuffer <= 0 {
		c.NotificationBuffer = 256
	}
	if c.Name == "" {
		c.Name = "replica"
	}
}

func (c *Config) validate() error {
	c.setDefaults()
	if c.MaxReconnects < 0 {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "max reconnects %d", c.MaxReconnects)
	}
	if c.MaxBackoff < c.InitialBackoff {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "max backoff %s below initial %s", c.MaxBackoff, c.InitialBackoff)
	}
	return nil
}

func resolveConfig(cfg *Config) (Config, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	clock  clock.Clock
}

// Option 客户端可选项
type Option func(*options)

// WithLogger 注入 Logger，自动追加 "client" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("client")
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

// WithClock 替换退避等待使用的时钟
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
