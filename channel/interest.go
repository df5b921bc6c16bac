package channel

import (
	"context"
	"sync"

	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/resolver"
	"github.com/ceyewan/registrar/transport"
)

// InterestChannel 订阅通道。Change 在服务端接受新订阅后返回，
// 之后的通知全部属于新订阅，替换过程的差异由服务端以一对 Buffer 标记包裹
type InterestChannel struct {
	*conn
	out chan interest.ChangeNotification

	inMu     sync.Mutex
	current  interest.Interest
	declared bool
}

// NewInterestChannel 创建订阅通道，cfg 为 nil 时使用默认配置
func NewInterestChannel(r resolver.Resolver, d transport.Dialer, cfg *Config, opts ...Option) (*InterestChannel, error) {
	c, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts...)
	ch := &InterestChannel{
		conn: newConn(transport.ChannelInterest, r, d, o),
		out:  make(chan interest.ChangeNotification, c.NotificationBuffer),
	}
	ch.onMessage = ch.deliver
	ch.onFinish = func() { close(ch.out) }
	return ch, nil
}

// Connect 建立连接
func (c *InterestChannel) Connect(ctx context.Context) error {
	return c.connect(ctx)
}

// Change 替换当前订阅，非法 Interest 立即返回 ErrMalformedInterest
func (c *InterestChannel) Change(ctx context.Context, in interest.Interest) error {
	c.record(Operation{Kind: transport.KindInterest, Interest: in})
	if err := in.Validate(); err != nil {
		return err
	}
	normalized := in.Normalize()
	if err := c.send(ctx, &transport.Message{Kind: transport.KindInterest, Interest: &normalized}, true); err != nil {
		return err
	}
	c.inMu.Lock()
	c.current, c.declared = normalized, true
	c.inMu.Unlock()
	return nil
}

// Interest 最近一次被接受的订阅
func (c *InterestChannel) Interest() (interest.Interest, bool) {
	c.inMu.Lock()
	defer c.inMu.Unlock()
	return c.current, c.declared
}

func (c *InterestChannel) Notifications() <-chan interest.ChangeNotification {
	return c.out
}

func (c *InterestChannel) deliver(m *transport.Message) {
	if m.Kind != transport.KindNotification || m.Notification == nil {
		c.logger.Debug("unexpected message on interest channel")
		return
	}
	select {
	case c.out <- *m.Notification:
	case <-c.done:
	}
}
