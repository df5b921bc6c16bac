// Package channel 实现注册通道与订阅通道。
//
// 两种通道共用一个状态机：
//
//	Created -> Connecting -> Connected -> Closed
//
// 任何状态都可以进入 Closed，Closed 是终态。Connect 通过 Resolver 得到候选端点，
// 依次拨号直到成功；只有 Connected 状态下才能发起操作，否则返回 ErrChannelNotReady。
// 每个被请求的操作都会按顺序记录在 Operations() 中，与对端是否确认无关。
//
// 通道不自动重连，断开后由 client 包创建新通道并重放状态。
package channel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/resolver"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

var (
	// ErrChannelNotReady 通道不在 Connected 状态
	ErrChannelNotReady = xerrors.New("channel not ready")

	// ErrChannelClosed 通道已关闭，等待中的操作以此结束
	ErrChannelClosed = xerrors.New("channel closed")

	// ErrRejected 对端拒绝了操作
	ErrRejected = xerrors.New("operation rejected")
)

// State 通道状态
type State int32

const (
	StateCreated State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Operation 一次被请求的通道操作
type Operation struct {
	Kind     transport.Kind
	Instance *instance.InstanceInfo
	Interest interest.Interest
}

func (o Operation) String() string {
	switch {
	case o.Instance != nil:
		return fmt.Sprintf("%s(%s@%d)", o.Kind, o.Instance.ID, o.Instance.Version)
	case o.Kind == transport.KindInterest:
		return fmt.Sprintf("%s(%s)", o.Kind, o.Interest.Key())
	default:
		return o.Kind.String()
	}
}

// Channel 两种通道的公共部分
type Channel interface {
	Connect(ctx context.Context) error
	State() State
	// Done 在通道进入 Closed 时关闭
	Done() <-chan struct{}
	// Err 关闭原因，主动 Close 时为 nil
	Err() error
	Operations() []Operation
	Close() error
}

// Registration 注册通道，一条通道最多持有一个实例
type Registration interface {
	Channel
	Register(ctx context.Context, info *instance.InstanceInfo) error
	Update(ctx context.Context, info *instance.InstanceInfo) error
	Unregister(ctx context.Context) error
	Heartbeat(ctx context.Context) error
}

// Interest 订阅通道
type Interest interface {
	Channel
	// Change 原子地替换当前订阅
	Change(ctx context.Context, in interest.Interest) error
	// Notifications 在通道整个生命周期内有效，Closed 后关闭
	Notifications() <-chan interest.ChangeNotification
}

// conn 状态机、拨号、请求确认与操作日志
type conn struct {
	kind     transport.ChannelKind
	resolver resolver.Resolver
	dialer   transport.Dialer
	logger   clog.Logger
	connects metrics.Counter
	active   metrics.Gauge

	// 由具体通道设置
	onMessage func(m *transport.Message)
	onFinish  func()

	state      atomic.Int32
	mu         sync.Mutex
	t          transport.Transport
	remote     string
	ops        []Operation
	pending    map[uint64]chan error
	err        error
	done       chan struct{}
	closeOnce  sync.Once
	finishOnce sync.Once

	sendMu sync.Mutex
	seq    uint64
}

func newConn(kind transport.ChannelKind, r resolver.Resolver, d transport.Dialer, o *options) *conn {
	return &conn{
		kind:     kind,
		resolver: r,
		dialer:   d,
		logger:   o.logger.With(clog.String("channel", string(kind))),
		connects: metrics.CounterOf(o.meter, metrics.MetricChannelConnects, "Channel connect attempts"),
		active:   metrics.GaugeOf(o.meter, metrics.MetricChannelActive, "Connected channels"),
		pending:  make(map[uint64]chan error),
		done:     make(chan struct{}),
	}
}

func (c *conn) State() State { return State(c.state.Load()) }

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RemoteAddr 已连接的对端地址
func (c *conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *conn) Operations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.ops))
	copy(out, c.ops)
	return out
}

func (c *conn) record(op Operation) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *conn) labels(outcome string) []metrics.Label {
	return []metrics.Label{metrics.L(metrics.LabelChannel, string(c.kind)), metrics.L(metrics.LabelOutcome, outcome)}
}

func (c *conn) connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateConnecting)) {
		return xerrors.Wrapf(ErrChannelNotReady, "connect in state %s", c.State())
	}

	t, err := c.dial(ctx)
	if err != nil {
		c.connects.Inc(ctx, c.labels(metrics.OutcomeError)...)
		c.logger.Warn("channel connect failed", clog.Error(err))
		c.shutdown(err)
		return err
	}

	c.mu.Lock()
	if c.State() == StateClosed {
		c.mu.Unlock()
		_ = t.Close()
		return xerrors.Wrap(ErrChannelClosed, "closed while connecting")
	}
	c.t = t
	c.remote = t.RemoteAddr()
	c.state.Store(int32(StateConnected))
	c.mu.Unlock()

	c.connects.Inc(ctx, c.labels(metrics.OutcomeSuccess)...)
	c.active.Inc(ctx, metrics.L(metrics.LabelChannel, string(c.kind)))
	c.logger.Info("channel connected", clog.String("remote", t.RemoteAddr()))
	t.Start(transport.Handlers{Message: c.dispatch, Close: c.transportClosed})
	return nil
}

// dial 依次尝试 Resolver 给出的端点
func (c *conn) dial(ctx context.Context) (transport.Transport, error) {
	eps, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	if len(eps) == 0 {
		return nil, xerrors.Wrap(resolver.ErrResolution, "resolver returned no endpoints")
	}
	var errs xerrors.Collector
	for _, ep := range eps {
		t, err := c.dialer.Dial(ctx, ep.Address(), ep.Secure, c.kind)
		if err == nil {
			return t, nil
		}
		c.logger.Debug("endpoint dial failed", clog.String("endpoint", ep.String()), clog.Error(err))
		errs.Collect(err)
		if ctx.Err() != nil {
			break
		}
	}
	return nil, xerrors.Wrapf(errs.Err(), "dial %d endpoints", len(eps))
}

func (c *conn) dispatch(m *transport.Message) {
	switch m.Kind {
	case transport.KindAck:
		c.resolve(m.Seq, nil)
	case transport.KindError:
		c.resolve(m.Seq, NewRejection(m.Code, m.Error))
	default:
		if c.onMessage != nil {
			c.onMessage(m)
		}
	}
}

// NewRejection 构造对端拒绝的错误：链上带 ErrRejected 与错误码，
// 错误码表示稍后可能成功时附加 xerrors.Retryable 标记
func NewRejection(code, reason string) error {
	err := xerrors.Wrap(ErrRejected, reason)
	if code == "" {
		return err
	}
	err = xerrors.WithCode(err, code)
	if transport.RetryableCode(code) {
		return xerrors.Retryable(err)
	}
	return err
}

func (c *conn) resolve(seq uint64, err error) {
	c.mu.Lock()
	ch, ok := c.pending[seq]
	delete(c.pending, seq)
	c.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (c *conn) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

// send 发送一条消息，wait 为 true 时等待对端确认
func (c *conn) send(ctx context.Context, m *transport.Message, wait bool) error {
	c.mu.Lock()
	if s := c.State(); s != StateConnected {
		c.mu.Unlock()
		return xerrors.Wrapf(ErrChannelNotReady, "%s in state %s", m.Kind, s)
	}
	t := c.t
	c.mu.Unlock()

	c.sendMu.Lock()
	c.seq++
	m.Seq = c.seq
	var ack chan error
	if wait {
		ack = make(chan error, 1)
		c.mu.Lock()
		if c.pending == nil {
			c.mu.Unlock()
			c.sendMu.Unlock()
			return ErrChannelClosed
		}
		c.pending[m.Seq] = ack
		c.mu.Unlock()
	}
	err := t.Send(ctx, m)
	c.sendMu.Unlock()

	if err != nil {
		c.forget(m.Seq)
		return xerrors.Wrapf(err, "send %s", m.Kind)
	}
	if !wait {
		return nil
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		c.forget(m.Seq)
		return ctx.Err()
	}
}

func (c *conn) transportClosed(err error) {
	if err != nil {
		c.logger.Warn("channel transport failed", clog.Error(err))
	}
	c.shutdown(err)
	c.finish()
}

func (c *conn) finish() {
	c.finishOnce.Do(func() {
		if c.onFinish != nil {
			c.onFinish()
		}
	})
}

// shutdown 进入 Closed，结束所有等待中的操作
func (c *conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		wasConnected := c.State() == StateConnected
		c.state.Store(int32(StateClosed))
		c.err = cause
		t := c.t
		pending := c.pending
		c.pending = nil
		c.mu.Unlock()

		failure := ErrChannelClosed
		if cause != nil {
			failure = xerrors.Wrap(ErrChannelClosed, cause.Error())
		}
		for _, ch := range pending {
			ch <- failure
		}
		close(c.done)

		if wasConnected {
			c.active.Dec(context.Background(), metrics.L(metrics.LabelChannel, string(c.kind)))
		}
		if t != nil {
			_ = t.Close()
		} else {
			c.finish()
		}
		c.logger.Debug("channel closed", clog.Bool("failed", cause != nil))
	})
}

func (c *conn) Close() error {
	c.shutdown(nil)
	return nil
}
