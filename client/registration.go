package client

import (
	"context"
	"sync"

	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

// RegistrationClient 维持一条注册通道。
//
// 客户端保存最近一次注册的实例，每次重连后立即重放；通道断开期间的 Register
// 只更新本地保存的值并返回 nil，连接恢复后生效。心跳由底层通道自动发送。
type RegistrationClient struct {
	factory channel.Factory
	cfg     Config
	retry   *retrier
	logger  clog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// opMu 串行化对通道的写操作与重连后的重放
	opMu sync.Mutex
	mu   sync.Mutex
	ch   channel.Registration
	last *instance.InstanceInfo
	err  error
}

// NewRegistrationClient 创建并启动注册客户端，cfg 为 nil 时使用默认配置
func NewRegistrationClient(f channel.Factory, cfg *Config, opts ...Option) (*RegistrationClient, error) {
	if f == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "channel factory is nil")
	}
	c, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	rc := &RegistrationClient{
		factory: f,
		cfg:     c,
		retry:   newRetrier(c, string(transport.ChannelRegistration), o),
		logger:  o.logger.WithNamespace("registration"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go rc.run()
	return rc, nil
}

// Register 注册或更新实例，并在之后的每次重连中重放
func (c *RegistrationClient) Register(ctx context.Context, info *instance.InstanceInfo) error {
	if err := info.Validate(); err != nil {
		return err
	}
	snapshot := info.Clone()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	err := c.alive()
	if err != nil {
		return err
	}
	c.mu.Lock()
	prev := c.last
	c.last = snapshot
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		c.logger.Debug("registration deferred until connected", clog.String("instance", snapshot.ID))
		return nil
	}
	if prev != nil && prev.ID == snapshot.ID {
		err = ch.Update(ctx, snapshot)
	} else {
		err = ch.Register(ctx, snapshot)
	}
	if xerrors.Is(err, channel.ErrRejected) {
		// 被拒绝的值不重放
		c.mu.Lock()
		c.last = prev
		c.mu.Unlock()
	}
	return deferrable(err)
}

// Unregister 注销实例，之后的重连不再重放
func (c *RegistrationClient) Unregister(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()
	if err := c.alive(); err != nil {
		return err
	}
	c.mu.Lock()
	c.last = nil
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	return deferrable(ch.Unregister(ctx))
}

// Registered 最近一次注册的实例
func (c *RegistrationClient) Registered() *instance.InstanceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Connected 当前是否有可用通道
func (c *RegistrationClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

// Done 在客户端终止时关闭
func (c *RegistrationClient) Done() <-chan struct{} { return c.done }

// Err 终止原因，主动 Close 时为 nil
func (c *RegistrationClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close 关闭当前通道并停止重连，服务端在宽限期后驱逐实例
func (c *RegistrationClient) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *RegistrationClient) alive() error {
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClientClosed
	default:
		return nil
	}
}

func (c *RegistrationClient) run() {
	defer close(c.done)
	for {
		ch, err := c.establish()
		if err == nil {
			c.retry.succeeded(c.ctx)
			select {
			case <-ch.Done():
				c.detach()
				err = lostCause(ch)
			case <-c.ctx.Done():
				c.detach()
				_ = ch.Close()
				return
			}
		}
		if c.ctx.Err() != nil {
			return
		}
		if err := c.retry.failed(c.ctx, err); err != nil {
			if c.ctx.Err() == nil {
				c.mu.Lock()
				c.err = err
				c.mu.Unlock()
			}
			return
		}
	}
}

// establish 建立新通道并重放最近一次注册
func (c *RegistrationClient) establish() (channel.Registration, error) {
	ch, err := c.factory.NewRegistration()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		_ = ch.Close()
		return nil, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last != nil {
		if err := ch.Register(ctx, last); err != nil {
			_ = ch.Close()
			return nil, xerrors.Wrapf(err, "replay registration %s", last.ID)
		}
		c.logger.Info("registration replayed", clog.String("instance", last.ID), clog.Int64("version", last.Version))
	}
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
	return ch, nil
}

func (c *RegistrationClient) detach() {
	c.mu.Lock()
	c.ch = nil
	c.mu.Unlock()
}

func lostCause(ch channel.Channel) error {
	if err := ch.Err(); err != nil {
		return err
	}
	return channel.ErrChannelClosed
}

// deferrable 通道恰好断开时操作会在重连后重放，不算失败
func deferrable(err error) error {
	if xerrors.Is(err, channel.ErrChannelNotReady) || xerrors.Is(err, channel.ErrChannelClosed) {
		return nil
	}
	return err
}
