package transport

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/trace"
	"github.com/ceyewan/registrar/xerrors"
)

// NATS 主题布局：
//
//	<prefix>.<server>.connect.<kind>   握手（request/reply，负载为会话 ID）
//	<prefix>.s.<session>               客户端 -> 服务端
//	<prefix>.c.<session>               服务端 -> 客户端
//
// 会话结束时发送 KindGoodbye，对端据此关闭。
const natsPendingMessages = 4096

func serverToken(address string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(address)
}

func connectSubject(prefix, address string, kind ChannelKind) string {
	return prefix + "." + serverToken(address) + ".connect." + string(kind)
}

// NATSServer 在 NATS 上接收通道
type NATSServer struct {
	conn    *nats.Conn
	address string
	prefix  string
	accept  Acceptor
	logger  clog.Logger
	counter messageCounter
	subs    []*nats.Subscription
}

// NewNATSServer 订阅 address 对应的握手主题。conn 由调用方持有，Close 不会关闭它
func NewNATSServer(conn *nats.Conn, address string, accept Acceptor, opts ...Option) (*NATSServer, error) {
	if conn == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "nats connection is nil")
	}
	o := applyOptions(opts...)
	s := &NATSServer{
		conn:    conn,
		address: address,
		prefix:  o.prefix,
		accept:  accept,
		logger:  o.logger.WithNamespace("nats"),
		counter: newMessageCounter(o.meter, trace.SystemNATS),
	}
	for _, kind := range []ChannelKind{ChannelRegistration, ChannelInterest} {
		sub, err := conn.Subscribe(connectSubject(s.prefix, address, kind), func(msg *nats.Msg) {
			s.handshake(kind, msg)
		})
		if err != nil {
			_ = s.Close()
			return nil, xerrors.Wrapf(err, "subscribe %s handshake", kind)
		}
		s.subs = append(s.subs, sub)
	}
	s.logger.Info("nats transport serving", clog.String("address", address), clog.String("prefix", s.prefix))
	return s, nil
}

func (s *NATSServer) handshake(kind ChannelKind, msg *nats.Msg) {
	session := string(msg.Data)
	if _, err := uuid.Parse(session); err != nil {
		s.logger.Warn("nats handshake rejected", clog.String("session", session), clog.Error(err))
		return
	}
	t, err := newNATSSession(s.conn, s.prefix, session, kind, false, s.counter)
	if err != nil {
		s.logger.Error("nats session setup failed", clog.String("session", session), clog.Error(err))
		return
	}
	if err := msg.Respond([]byte(session)); err != nil {
		_ = t.Close()
		s.logger.Error("nats handshake reply failed", clog.String("session", session), clog.Error(err))
		return
	}
	s.logger.Debug("nats channel accepted", clog.String("kind", string(kind)), clog.String("session", session))
	s.accept(kind, t)
}

// Close 取消握手订阅，已建立的会话不受影响
func (s *NATSServer) Close() error {
	var errs xerrors.Collector
	for _, sub := range s.subs {
		errs.Collect(sub.Unsubscribe())
	}
	s.subs = nil
	return errs.Err()
}

// NATSDialer 通过 NATS 连接服务端，address 为服务端注册的名字
type NATSDialer struct {
	conn    *nats.Conn
	prefix  string
	logger  clog.Logger
	counter messageCounter
}

// NewNATSDialer 创建 NATS Dialer
func NewNATSDialer(conn *nats.Conn, opts ...Option) *NATSDialer {
	o := applyOptions(opts...)
	return &NATSDialer{
		conn:    conn,
		prefix:  o.prefix,
		logger:  o.logger.WithNamespace("nats"),
		counter: newMessageCounter(o.meter, trace.SystemNATS),
	}
}

// Dial 实现 Dialer。secure 由 NATS 连接本身的 TLS 配置决定，这里忽略
func (d *NATSDialer) Dial(ctx context.Context, address string, _ bool, kind ChannelKind) (Transport, error) {
	if !kind.Valid() {
		return nil, xerrors.Wrapf(ErrUnknownChannel, "%q", kind)
	}
	session := uuid.NewString()
	t, err := newNATSSession(d.conn, d.prefix, session, kind, true, d.counter)
	if err != nil {
		return nil, err
	}
	if _, err := d.conn.RequestWithContext(ctx, connectSubject(d.prefix, address, kind), []byte(session)); err != nil {
		t.finish(nil, false)
		if xerrors.Is(err, nats.ErrNoResponders) {
			return nil, xerrors.Wrapf(ErrConnectionRefused, "dial %s", address)
		}
		return nil, xerrors.Wrapf(err, "nats handshake with %s", address)
	}
	t.remote = address
	d.logger.Debug("nats channel opened", clog.String("kind", string(kind)), clog.String("session", session))
	return t, nil
}

type natsSession struct {
	conn    *nats.Conn
	id      string
	kind    ChannelKind
	sendTo  string
	remote  string
	sub     *nats.Subscription
	inbox   chan *nats.Msg
	counter messageCounter

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	cause     error
}

func newNATSSession(conn *nats.Conn, prefix, id string, kind ChannelKind, client bool, counter messageCounter) (*natsSession, error) {
	sendTo, recvOn := prefix+".s."+id, prefix+".c."+id
	if !client {
		sendTo, recvOn = recvOn, sendTo
	}
	t := &natsSession{
		conn:    conn,
		id:      id,
		kind:    kind,
		sendTo:  sendTo,
		remote:  "nats:" + id,
		inbox:   make(chan *nats.Msg, natsPendingMessages),
		counter: counter,
		done:    make(chan struct{}),
	}
	sub, err := conn.ChanSubscribe(recvOn, t.inbox)
	if err != nil {
		return nil, xerrors.Wrapf(err, "subscribe session %s", id)
	}
	t.sub = sub
	return t, nil
}

func (t *natsSession) meta(m *Message) trace.MessageMeta {
	return trace.MessageMeta{
		System:      trace.SystemNATS,
		Destination: t.sendTo,
		ChannelKind: string(t.kind),
		ChannelID:   t.id,
		MessageKind: m.Kind.String(),
	}
}

func (t *natsSession) Send(ctx context.Context, m *Message) error {
	select {
	case <-t.done:
		return ErrTransportClosed
	default:
	}
	return t.publish(ctx, m)
}

func (t *natsSession) publish(ctx context.Context, m *Message) error {
	_, span, headers := trace.StartSendSpan(ctx, t.meta(m))
	defer span.End()

	data, err := Encode(m)
	if err != nil {
		trace.MarkSpanError(span, err)
		return err
	}
	msg := nats.NewMsg(t.sendTo)
	msg.Data = data
	for k, v := range headers {
		msg.Header.Set(k, v)
	}
	if err := t.conn.PublishMsg(msg); err != nil {
		trace.MarkSpanError(span, err)
		return xerrors.Wrapf(ErrTransportClosed, "publish %s: %v", m.Kind, err)
	}
	t.counter.count(ctx, m, metrics.DirectionOutbound)
	return nil
}

func (t *natsSession) Start(h Handler) {
	t.startOnce.Do(func() {
		go t.recvLoop(h)
	})
}

func (t *natsSession) recvLoop(h Handler) {
	for {
		select {
		case <-t.done:
			h.OnClose(t.cause)
			return
		case msg := <-t.inbox:
			select {
			case <-t.done:
				continue
			default:
			}
			t.receive(h, msg)
		}
	}
}

func (t *natsSession) receive(h Handler, msg *nats.Msg) {
	m, err := Decode(msg.Data)
	if err != nil {
		t.finish(xerrors.Wrap(ErrTransportClosed, err.Error()), false)
		return
	}
	headers := make(map[string]string, len(msg.Header))
	for k := range msg.Header {
		headers[k] = msg.Header.Get(k)
	}
	ctx, span := trace.StartReceiveSpan(context.Background(), headers, t.meta(m))
	defer span.End()

	t.counter.count(ctx, m, metrics.DirectionInbound)
	if m.Kind == KindGoodbye {
		t.finish(ErrTransportClosed, false)
		return
	}
	h.OnMessage(m)
}

// finish 关闭会话，notify 为 true 时告知对端
func (t *natsSession) finish(cause error, notify bool) {
	t.closeOnce.Do(func() {
		if notify {
			_ = t.publish(context.Background(), &Message{Kind: KindGoodbye})
		}
		_ = t.sub.Unsubscribe()
		t.cause = cause
		close(t.done)
	})
}

func (t *natsSession) Close() error {
	t.finish(nil, true)
	return nil
}

func (t *natsSession) RemoteAddr() string { return t.remote }
