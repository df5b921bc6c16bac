package client

import (
	"context"
	"sync"

	"github.com/ceyewan/registrar/batching"
	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/registry"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

// FullFetchInterestClient 以 Full() 订阅远端集群，把全部实例镜像到本地注册表。
//
// 每条通道使用一个新的 Replicated 来源。Buffer 标记之间的通知先在本地攒齐，
// 收到 BufferEnd 后在一个本地批次内同步写入，批次从不跨越网络等待。
// 重连后旧来源保留到新通道的第一个 BufferEnd，随后在同一批次内驱逐，
// 本地订阅者看到的是一次原子替换而不是先清空再填充。
type FullFetchInterestClient struct {
	factory  channel.Factory
	registry registry.Registry
	batches  *batching.Registry
	cfg      Config
	retry    *retrier
	logger   clog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	src    instance.Source
	stale  instance.Source
	synced bool
	err    error
}

// NewFullFetchInterestClient 创建并启动全量拉取客户端
func NewFullFetchInterestClient(f channel.Factory, reg registry.Registry, batches *batching.Registry, cfg *Config, opts ...Option) (*FullFetchInterestClient, error) {
	if f == nil || reg == nil || batches == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "full fetch client requires factory, registry and batching")
	}
	c, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	fc := &FullFetchInterestClient{
		factory:  f,
		registry: reg,
		batches:  batches,
		cfg:      c,
		retry:    newRetrier(c, string(transport.ChannelInterest), o),
		logger:   o.logger.WithNamespace("fullfetch"),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go fc.run()
	return fc, nil
}

// Source 当前通道对应的本地来源
func (c *FullFetchInterestClient) Source() instance.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.src
}

// Synced 当前通道是否已完成首次全量同步
func (c *FullFetchInterestClient) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Done 在客户端终止时关闭
func (c *FullFetchInterestClient) Done() <-chan struct{} { return c.done }

// Err 终止原因，主动 Close 时为 nil
func (c *FullFetchInterestClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close 停止拉取并驱逐全部镜像数据
func (c *FullFetchInterestClient) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *FullFetchInterestClient) run() {
	defer close(c.done)
	defer c.evictAll()
	for {
		ch, err := c.establish()
		if err == nil {
			c.retry.succeeded(c.ctx)
			if !c.mirror(ch) {
				_ = ch.Close()
				return
			}
			err = lostCause(ch)
			c.rotate()
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

func (c *FullFetchInterestClient) establish() (channel.Interest, error) {
	ch, err := c.factory.NewInterest()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		_ = ch.Close()
		return nil, err
	}

	c.mu.Lock()
	c.src = instance.NewSource(instance.OriginReplicated, c.cfg.Name)
	c.synced = false
	c.mu.Unlock()

	if err := ch.Change(ctx, interest.Full()); err != nil {
		_ = ch.Close()
		return nil, xerrors.Wrap(err, "subscribe full registry")
	}
	c.logger.Info("full fetch subscribed", clog.Stringer("source", c.Source()))
	return ch, nil
}

// mirror 把通道通知写入本地注册表，返回 false 表示客户端正在关闭
func (c *FullFetchInterestClient) mirror(ch channel.Interest) bool {
	src := c.Source()
	var pending []interest.ChangeNotification
	buffering := false
	for {
		var (
			n  interest.ChangeNotification
			ok bool
		)
		select {
		case n, ok = <-ch.Notifications():
		case <-c.ctx.Done():
			return false
		}
		if !ok {
			return c.ctx.Err() == nil
		}

		switch n.Kind {
		case interest.BufferStart:
			buffering = true
		case interest.BufferEnd:
			if !buffering {
				continue
			}
			buffering = false
			c.flush(src, pending)
			pending = pending[:0]
		case interest.Add, interest.Modify, interest.Delete:
			if buffering {
				pending = append(pending, n)
				continue
			}
			c.apply(src, n)
		}
	}
}

// flush 在一个本地批次内应用攒齐的变化，首次同步时顺带驱逐上一条通道的来源
func (c *FullFetchInterestClient) flush(src instance.Source, ns []interest.ChangeNotification) {
	c.mu.Lock()
	stale := c.stale
	c.stale = instance.Source{}
	c.mu.Unlock()

	err := c.batches.Batch(src, func() error {
		for _, n := range ns {
			c.apply(src, n)
		}
		if !stale.IsZero() {
			evicted := c.registry.EvictAll(stale)
			c.logger.Info("previous replica source evicted", clog.Stringer("source", stale), clog.Int("evicted", evicted))
		}
		return nil
	})
	if err != nil {
		c.logger.Error("replica batch failed", clog.Error(err))
	}

	c.mu.Lock()
	if !c.synced {
		c.synced = true
		c.logger.Info("full fetch synchronized", clog.Stringer("source", src), clog.Int("instances", len(ns)))
	}
	c.mu.Unlock()
}

func (c *FullFetchInterestClient) apply(src instance.Source, n interest.ChangeNotification) {
	var err error
	switch n.Kind {
	case interest.Add, interest.Modify:
		_, err = c.registry.Register(src, n.Instance)
	case interest.Delete:
		_, err = c.registry.Unregister(src, n.ID)
	}
	if err != nil {
		c.logger.Warn("replica update failed", clog.String("instance", n.ID), clog.Error(err))
	}
}

// rotate 通道断开后决定保留哪个来源：
// 已完成同步的来源留作下一条通道首次同步时驱逐，未同步的半成品直接驱逐
func (c *FullFetchInterestClient) rotate() {
	c.mu.Lock()
	src, stale := c.src, c.stale
	keep := c.synced || stale.IsZero()
	if keep {
		c.stale = src
	}
	c.src = instance.Source{}
	c.synced = false
	c.mu.Unlock()

	switch {
	case !keep:
		c.registry.EvictAll(src)
	case !stale.IsZero():
		c.registry.EvictAll(stale)
	}
}

// evictAll 驱逐本客户端名下的全部 Replicated 来源，包括当前与待替换的
func (c *FullFetchInterestClient) evictAll() {
	c.mu.Lock()
	c.src, c.stale = instance.Source{}, instance.Source{}
	c.mu.Unlock()
	n := c.registry.EvictMatching(instance.MatchName(instance.OriginReplicated, c.cfg.Name))
	c.logger.Info("replica sources evicted", clog.Int("evicted", n))
}
