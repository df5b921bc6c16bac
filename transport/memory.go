package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

// ErrConnectionRefused 目标地址上没有监听者
var ErrConnectionRefused = xerrors.New("connection refused")

// Pipe 返回一对互联的进程内传输。消息经过 msgpack 编解码，
// 与网络传输看到的结构一致；入站消息在 Start 之前缓存。
func Pipe(localAddr, remoteAddr string, opts ...Option) (Transport, Transport) {
	o := applyOptions(opts...)
	a, b := newPipe(localAddr, remoteAddr, newMessageCounter(o.meter, "memory"))
	return a, b
}

func newPipe(localAddr, remoteAddr string, counter messageCounter) (*pipeEnd, *pipeEnd) {
	a := &pipeEnd{local: localAddr, remote: remoteAddr, counter: counter, signal: make(chan struct{}, 1), done: make(chan struct{})}
	b := &pipeEnd{local: remoteAddr, remote: localAddr, counter: counter, signal: make(chan struct{}, 1), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

type pipeEnd struct {
	local, remote string
	peer          *pipeEnd
	counter       messageCounter

	mu      sync.Mutex
	queue   []*Message
	handler Handler
	started bool
	closed  bool
	cause   error
	signal  chan struct{}
	done    chan struct{}
}

func (p *pipeEnd) Send(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.isClosed() {
		return ErrTransportClosed
	}
	b, err := Encode(m)
	if err != nil {
		return err
	}
	decoded, err := Decode(b)
	if err != nil {
		return err
	}
	if !p.peer.enqueue(decoded) {
		return ErrTransportClosed
	}
	p.counter.count(ctx, m, metrics.DirectionOutbound)
	return nil
}

func (p *pipeEnd) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *pipeEnd) enqueue(m *Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.queue = append(p.queue, m)
	p.notify()
	return true
}

func (p *pipeEnd) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *pipeEnd) Start(h Handler) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.handler = h
	p.mu.Unlock()
	go p.deliver()
}

func (p *pipeEnd) deliver() {
	for {
		p.mu.Lock()
		batch := p.queue
		p.queue = nil
		closed, cause := p.closed, p.cause
		p.mu.Unlock()

		for _, m := range batch {
			p.counter.count(context.Background(), m, metrics.DirectionInbound)
			p.handler.OnMessage(m)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			p.handler.OnClose(cause)
			return
		}
		<-p.signal
	}
}

// shutdown 标记关闭。drop 为 true 时丢弃尚未投递的消息
func (p *pipeEnd) shutdown(cause error, drop bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.cause = cause
	if drop {
		p.queue = nil
	}
	close(p.done)
	p.notify()
	return true
}

// Close 本端收到 OnClose(nil)，对端在收完已发送的消息后收到 ErrTransportClosed
func (p *pipeEnd) Close() error {
	if p.shutdown(nil, true) {
		p.peer.shutdown(ErrTransportClosed, false)
	}
	return nil
}

// sever 模拟连接中断，两端都丢弃在途消息
func (p *pipeEnd) sever(cause error) {
	p.shutdown(cause, true)
	p.peer.shutdown(cause, true)
}

func (p *pipeEnd) RemoteAddr() string { return p.remote }

// MemoryNetwork 进程内网络，按地址注册 Acceptor，Dial 得到 Pipe 的客户端一端。
// 用于测试与单进程部署，Kill 可模拟服务端崩溃。
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]Acceptor
	conns     map[string][]*pipeEnd
	seq       atomic.Uint64
	counter   messageCounter
	logger    clog.Logger
}

// NewMemoryNetwork 创建进程内网络
func NewMemoryNetwork(opts ...Option) *MemoryNetwork {
	o := applyOptions(opts...)
	return &MemoryNetwork{
		listeners: make(map[string]Acceptor),
		conns:     make(map[string][]*pipeEnd),
		counter:   newMessageCounter(o.meter, "memory"),
		logger:    o.logger.WithNamespace("memory"),
	}
}

// Listen 在 address 上接收连接
func (n *MemoryNetwork) Listen(address string, accept Acceptor) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[address]; ok {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "address %s already in use", address)
	}
	n.listeners[address] = accept
	return nil
}

// Unlisten 停止接收新连接，已建立的连接不受影响
func (n *MemoryNetwork) Unlisten(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, address)
}

// Dial 实现 Dialer
func (n *MemoryNetwork) Dial(ctx context.Context, address string, _ bool, kind ChannelKind) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, xerrors.Wrapf(ErrUnknownChannel, "%q", kind)
	}

	n.mu.Lock()
	accept, ok := n.listeners[address]
	if !ok {
		n.mu.Unlock()
		return nil, xerrors.Wrapf(ErrConnectionRefused, "dial %s", address)
	}
	clientAddr := fmt.Sprintf("mem-client-%d", n.seq.Add(1))
	client, server := newPipe(clientAddr, address, n.counter)
	server.remote = clientAddr
	n.conns[address] = append(n.pruneLocked(address), server)
	n.mu.Unlock()

	n.logger.Debug("memory connection established", clog.String("address", address), clog.String("client", clientAddr), clog.String("kind", string(kind)))
	accept(kind, server)
	return client, nil
}

// Kill 中断 address 上所有已建立的连接，返回中断数量
func (n *MemoryNetwork) Kill(address string) int {
	n.mu.Lock()
	conns := n.pruneLocked(address)
	delete(n.conns, address)
	n.mu.Unlock()

	for _, c := range conns {
		c.sever(xerrors.Wrapf(ErrTransportClosed, "connection to %s reset", address))
	}
	if len(conns) > 0 {
		n.logger.Info("memory connections killed", clog.String("address", address), clog.Int("count", len(conns)))
	}
	return len(conns)
}

// Connections address 上存活的连接数
func (n *MemoryNetwork) Connections(address string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	conns := n.pruneLocked(address)
	n.conns[address] = conns
	return len(conns)
}

func (n *MemoryNetwork) pruneLocked(address string) []*pipeEnd {
	live := n.conns[address][:0]
	for _, c := range n.conns[address] {
		if !c.isClosed() {
			live = append(live, c)
		}
	}
	return live
}
