package channel

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/resolver"
	"github.com/ceyewan/registrar/transport"
)

// RegistrationChannel 注册通道。连接后按 HeartbeatInterval 自动发送心跳，
// 自动心跳不写入操作日志
type RegistrationChannel struct {
	*conn
	interval time.Duration
	clock    clock.Clock

	regMu      sync.Mutex
	registered *instance.InstanceInfo
}

// NewRegistrationChannel 创建注册通道，cfg 为 nil 时使用默认配置
func NewRegistrationChannel(r resolver.Resolver, d transport.Dialer, cfg *Config, opts ...Option) (*RegistrationChannel, error) {
	c, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts...)
	return &RegistrationChannel{
		conn:     newConn(transport.ChannelRegistration, r, d, o),
		interval: c.HeartbeatInterval,
		clock:    o.clock,
	}, nil
}

// Connect 建立连接并开始自动心跳
func (c *RegistrationChannel) Connect(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	go c.heartbeatLoop()
	return nil
}

func (c *RegistrationChannel) heartbeatLoop() {
	ticker := c.clock.Ticker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), c.interval)
			if err := c.send(ctx, &transport.Message{Kind: transport.KindHeartbeat}, false); err != nil {
				c.logger.Debug("heartbeat failed", clog.Error(err))
			}
			cancel()
		}
	}
}

// Register 注册实例。通道上已有其他实例时由服务端替换
func (c *RegistrationChannel) Register(ctx context.Context, info *instance.InstanceInfo) error {
	return c.upsert(ctx, transport.KindRegister, info)
}

// Update 更新已注册的实例
func (c *RegistrationChannel) Update(ctx context.Context, info *instance.InstanceInfo) error {
	return c.upsert(ctx, transport.KindUpdate, info)
}

func (c *RegistrationChannel) upsert(ctx context.Context, kind transport.Kind, info *instance.InstanceInfo) error {
	snapshot := info.Clone()
	c.record(Operation{Kind: kind, Instance: snapshot})
	if err := snapshot.Validate(); err != nil {
		return err
	}
	if err := c.send(ctx, &transport.Message{Kind: kind, Instance: snapshot}, true); err != nil {
		return err
	}
	c.regMu.Lock()
	c.registered = snapshot
	c.regMu.Unlock()
	return nil
}

// Unregister 注销通道上的实例
func (c *RegistrationChannel) Unregister(ctx context.Context) error {
	c.record(Operation{Kind: transport.KindUnregister})
	if err := c.send(ctx, &transport.Message{Kind: transport.KindUnregister}, true); err != nil {
		return err
	}
	c.regMu.Lock()
	c.registered = nil
	c.regMu.Unlock()
	return nil
}

// Heartbeat 立即发送一次心跳并等待确认
func (c *RegistrationChannel) Heartbeat(ctx context.Context) error {
	c.record(Operation{Kind: transport.KindHeartbeat})
	return c.send(ctx, &transport.Message{Kind: transport.KindHeartbeat}, true)
}

// Registered 最近一次被确认的注册，未注册时为 nil
func (c *RegistrationChannel) Registered() *instance.InstanceInfo {
	c.regMu.Lock()
	defer c.regMu.Unlock()
	return c.registered
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
