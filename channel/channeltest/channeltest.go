// Package channeltest 提供记录操作的内存通道替身，不经过任何传输。
package channeltest

import (
	"context"
	"sync"

	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

// fake 公共状态机
type fake struct {
	mu        sync.Mutex
	state     channel.State
	ops       []channel.Operation
	err       error
	done      chan struct{}
	connectFn func(ctx context.Context) error
	onClose   func()
}

func (f *fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.state != channel.StateCreated {
		s := f.state
		f.mu.Unlock()
		return xerrors.Wrapf(channel.ErrChannelNotReady, "connect in state %s", s)
	}
	f.state = channel.StateConnecting
	connectFn := f.connectFn
	f.mu.Unlock()

	if connectFn != nil {
		if err := connectFn(ctx); err != nil {
			f.Fail(err)
			return err
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == channel.StateClosed {
		return channel.ErrChannelClosed
	}
	f.state = channel.StateConnected
	return nil
}

func (f *fake) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fake) Done() <-chan struct{} { return f.done }

func (f *fake) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fake) Operations() []channel.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]channel.Operation(nil), f.ops...)
}

// Kinds 按顺序返回已记录操作的类型
func (f *fake) Kinds() []transport.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Kind, len(f.ops))
	for i, op := range f.ops {
		out[i] = op.Kind
	}
	return out
}

// perform 记录操作并检查状态
func (f *fake) perform(op channel.Operation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	if f.state != channel.StateConnected {
		return xerrors.Wrapf(channel.ErrChannelNotReady, "%s in state %s", op.Kind, f.state)
	}
	return nil
}

// Fail 模拟传输失败
func (f *fake) Fail(err error) {
	f.close(err)
}

func (f *fake) Close() error {
	f.close(nil)
	return nil
}

func (f *fake) close(err error) {
	f.mu.Lock()
	if f.state == channel.StateClosed {
		f.mu.Unlock()
		return
	}
	f.state = channel.StateClosed
	f.err = err
	close(f.done)
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		onClose()
	}
}

// RegistrationChannel 记录操作的注册通道
type RegistrationChannel struct {
	fake
	registered *instance.InstanceInfo
	reject     func(*instance.InstanceInfo) error
}

// NewRegistrationChannel 创建注册通道替身，connect 为 nil 时总是连接成功
func NewRegistrationChannel(connect func(ctx context.Context) error) *RegistrationChannel {
	c := &RegistrationChannel{}
	c.done = make(chan struct{})
	c.connectFn = connect
	return c
}

func (c *RegistrationChannel) Register(_ context.Context, info *instance.InstanceInfo) error {
	return c.upsert(transport.KindRegister, info)
}

func (c *RegistrationChannel) Update(_ context.Context, info *instance.InstanceInfo) error {
	return c.upsert(transport.KindUpdate, info)
}

func (c *RegistrationChannel) upsert(kind transport.Kind, info *instance.InstanceInfo) error {
	snapshot := info.Clone()
	if err := c.perform(channel.Operation{Kind: kind, Instance: snapshot}); err != nil {
		return err
	}
	if err := snapshot.Validate(); err != nil {
		return err
	}
	if c.reject != nil {
		if err := c.reject(snapshot); err != nil {
			return err
		}
	}
	c.mu.Lock()
	c.registered = snapshot
	c.mu.Unlock()
	return nil
}

func (c *RegistrationChannel) Unregister(context.Context) error {
	if err := c.perform(channel.Operation{Kind: transport.KindUnregister}); err != nil {
		return err
	}
	c.mu.Lock()
	c.registered = nil
	c.mu.Unlock()
	return nil
}

func (c *RegistrationChannel) Heartbeat(context.Context) error {
	return c.perform(channel.Operation{Kind: transport.KindHeartbeat})
}

// Registered 当前注册的实例
func (c *RegistrationChannel) Registered() *instance.InstanceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// InterestChannel 记录操作的订阅通道，通知由测试通过 Push 注入
type InterestChannel struct {
	fake
	out chan interest.ChangeNotification

	sendMu sync.Mutex
}

// NewInterestChannel 创建订阅通道替身，connect 为 nil 时总是连接成功
func NewInterestChannel(connect func(ctx context.Context) error) *InterestChannel {
	c := &InterestChannel{out: make(chan interest.ChangeNotification, 1024)}
	c.done = make(chan struct{})
	c.connectFn = connect
	c.onClose = func() {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		close(c.out)
	}
	return c
}

func (c *InterestChannel) Change(_ context.Context, in interest.Interest) error {
	if err := c.perform(channel.Operation{Kind: transport.KindInterest, Interest: in}); err != nil {
		return err
	}
	return in.Validate()
}

func (c *InterestChannel) Notifications() <-chan interest.ChangeNotification {
	return c.out
}

// Push 向通知流注入通知，通道已关闭时返回 false
func (c *InterestChannel) Push(ns ...interest.ChangeNotification) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.State() == channel.StateClosed {
		return false
	}
	for _, n := range ns {
		c.out <- n
	}
	return true
}

// Interests 按顺序返回记录的订阅
func (c *InterestChannel) Interests() []interest.Interest {
	var out []interest.Interest
	for _, op := range c.Operations() {
		if op.Kind == transport.KindInterest {
			out = append(out, op.Interest)
		}
	}
	return out
}

// Factory 记录创建过的替身通道
type Factory struct {
	mu            sync.Mutex
	registrations []*RegistrationChannel
	interests     []*InterestChannel

	// Connect 为第 n 次创建的通道（从 0 开始，两类通道分别计数）提供连接行为
	Connect func(n int) error

	// Reject 非 nil 时决定第 n 个注册通道上的 Register/Update 是否被拒绝，
	// 通常返回 channel.NewRejection
	Reject func(n int, info *instance.InstanceInfo) error
}

// NewFactory 创建替身工厂
func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) connectFn(n int) func(context.Context) error {
	f.mu.Lock()
	connect := f.Connect
	f.mu.Unlock()
	if connect == nil {
		return nil
	}
	return func(context.Context) error { return connect(n) }
}

func (f *Factory) NewRegistration() (channel.Registration, error) {
	f.mu.Lock()
	n := len(f.registrations)
	f.mu.Unlock()
	c := NewRegistrationChannel(f.connectFn(n))
	f.mu.Lock()
	if reject := f.Reject; reject != nil {
		c.reject = func(info *instance.InstanceInfo) error { return reject(n, info) }
	}
	f.registrations = append(f.registrations, c)
	f.mu.Unlock()
	return c, nil
}

func (f *Factory) NewInterest() (channel.Interest, error) {
	f.mu.Lock()
	n := len(f.interests)
	f.mu.Unlock()
	c := NewInterestChannel(f.connectFn(n))
	f.mu.Lock()
	f.interests = append(f.interests, c)
	f.mu.Unlock()
	return c, nil
}

// Registrations 已创建的注册通道
func (f *Factory) Registrations() []*RegistrationChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*RegistrationChannel(nil), f.registrations...)
}

// Interests 已创建的订阅通道
func (f *Factory) Interests() []*InterestChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*InterestChannel(nil), f.interests...)
}

var (
	_ channel.Registration = (*RegistrationChannel)(nil)
	_ channel.Interest     = (*InterestChannel)(nil)
	_ channel.Factory      = (*Factory)(nil)
)
