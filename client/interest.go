package client

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/index"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

// InterestClient 维持一条订阅通道，对外提供跨越重连的连续通知流。
//
// 重连后重放最近一次订阅，服务端发来的完整快照被收集起来，
// 与已送达集合比较后只输出差异，消费者看到的集合始终与服务端一致。
type InterestClient struct {
	factory channel.Factory
	cfg     Config
	retry   *retrier
	logger  clog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	out    chan interest.ChangeNotification

	// tracker 只由 run 协程访问
	tracker *index.Tracker

	opMu     sync.Mutex
	mu       sync.Mutex
	ch       channel.Interest
	current  interest.Interest
	declared bool
	err      error
}

// NewInterestClient 创建并启动订阅客户端，cfg 为 nil 时使用默认配置
func NewInterestClient(f channel.Factory, cfg *Config, opts ...Option) (*InterestClient, error) {
	if f == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "channel factory is nil")
	}
	c, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	ic := &InterestClient{
		factory: f,
		cfg:     c,
		retry:   newRetrier(c, string(transport.ChannelInterest), o),
		logger:  o.logger.WithNamespace("interest"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		out:     make(chan interest.ChangeNotification, c.NotificationBuffer),
		tracker: index.NewTracker(),
	}
	go ic.run()
	return ic, nil
}

// ForInterest 替换当前订阅。未连接时只记录，连接建立后生效
func (c *InterestClient) ForInterest(ctx context.Context, in interest.Interest) error {
	if err := in.Validate(); err != nil {
		return err
	}
	in = in.Normalize()

	c.opMu.Lock()
	defer c.opMu.Unlock()
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClientClosed
	default:
	}
	c.mu.Lock()
	c.current, c.declared = in, true
	ch := c.ch
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	return deferrable(ch.Change(ctx, in))
}

// Interest 最近一次请求的订阅
func (c *InterestClient) Interest() (interest.Interest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current, c.declared
}

// Notifications 通知流，客户端终止后关闭
func (c *InterestClient) Notifications() <-chan interest.ChangeNotification {
	return c.out
}

// Done 在客户端终止时关闭
func (c *InterestClient) Done() <-chan struct{} { return c.done }

// Err 终止原因，主动 Close 时为 nil
func (c *InterestClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close 关闭通道并停止重连
func (c *InterestClient) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *InterestClient) run() {
	defer close(c.out)
	defer close(c.done)
	for {
		ch, replayed, err := c.establish()
		if err == nil {
			c.retry.succeeded(c.ctx)
			if !c.pump(ch, replayed) {
				c.detach()
				_ = ch.Close()
				return
			}
			c.detach()
			err = lostCause(ch)
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

func (c *InterestClient) establish() (channel.Interest, bool, error) {
	ch, err := c.factory.NewInterest()
	if err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
	defer cancel()
	if err := ch.Connect(ctx); err != nil {
		_ = ch.Close()
		return nil, false, err
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()
	c.mu.Lock()
	in, declared := c.current, c.declared
	c.mu.Unlock()
	if declared {
		if err := ch.Change(ctx, in); err != nil {
			_ = ch.Close()
			return nil, false, xerrors.Wrapf(err, "replay interest %s", in)
		}
		c.logger.Info("interest replayed", clog.Stringer("interest", in))
	}
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
	return ch, declared, nil
}

// pump 转发一条通道的通知直到通道关闭，返回 false 表示客户端正在关闭。
// resync 为 true 时，第一对 Buffer 标记之间是重放订阅产生的完整快照。
func (c *InterestClient) pump(ch channel.Interest, resync bool) bool {
	var snapshot map[string]*instance.InstanceInfo
	collecting := false
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

		switch {
		case resync && !collecting && n.Kind == interest.BufferStart:
			collecting = true
			snapshot = make(map[string]*instance.InstanceInfo)
			continue
		case collecting && n.Kind == interest.BufferEnd:
			collecting, resync = false, false
			if !c.emit(c.tracker.Resync(sortedValues(snapshot))...) {
				return false
			}
			continue
		case collecting:
			switch n.Kind {
			case interest.Add, interest.Modify:
				snapshot[n.ID] = n.Instance
			case interest.Delete:
				delete(snapshot, n.ID)
			}
			continue
		}
		if out, keep := c.tracker.Observe(n); keep {
			if !c.emit(out) {
				return false
			}
		}
	}
}

func (c *InterestClient) emit(ns ...interest.ChangeNotification) bool {
	for _, n := range ns {
		select {
		case c.out <- n:
		case <-c.ctx.Done():
			return false
		}
	}
	return true
}

func (c *InterestClient) detach() {
	c.mu.Lock()
	c.ch = nil
	c.mu.Unlock()
}

func sortedValues(m map[string]*instance.InstanceInfo) []*instance.InstanceInfo {
	out := make([]*instance.InstanceInfo, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, func(a, b *instance.InstanceInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}
