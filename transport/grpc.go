package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/resolver"
	"github.com/ceyewan/registrar/trace"
	"github.com/ceyewan/registrar/xerrors"
)

const serviceName = "registrar.v1.Channel"

// Codec gRPC 编解码器，直接以 msgpack 传输 Message
type Codec struct{}

func (Codec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (Codec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

func (Codec) Name() string { return "msgpack" }

var streamDescs = map[ChannelKind]grpc.StreamDesc{
	ChannelRegistration: {StreamName: "Registration", ServerStreams: true, ClientStreams: true},
	ChannelInterest:     {StreamName: "Interest", ServerStreams: true, ClientStreams: true},
}

func methodName(kind ChannelKind) string {
	return "/" + serviceName + "/" + streamDescs[kind].StreamName
}

// GRPCServer 以两个双向流方法承载注册与订阅通道
type GRPCServer struct {
	server  *grpc.Server
	accept  Acceptor
	logger  clog.Logger
	counter messageCounter
}

// NewGRPCServer 创建 gRPC 服务端，每个新流以 Transport 形式交给 accept
func NewGRPCServer(accept Acceptor, opts ...Option) *GRPCServer {
	o := applyOptions(opts...)
	s := &GRPCServer{
		accept:  accept,
		logger:  o.logger.WithNamespace("grpc"),
		counter: newMessageCounter(o.meter, trace.SystemGRPC),
	}

	serverOpts := []grpc.ServerOption{
		grpc.ForceServerCodec(Codec{}),
		grpc.StatsHandler(trace.GRPCServerStatsHandler()),
	}
	if o.tlsConfig != nil {
		serverOpts = append(serverOpts, grpc.Creds(credentials.NewTLS(o.tlsConfig)))
	}
	s.server = grpc.NewServer(serverOpts...)

	desc := grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*any)(nil),
		Metadata:    "registrar/v1/channel",
	}
	for _, kind := range []ChannelKind{ChannelRegistration, ChannelInterest} {
		sd := streamDescs[kind]
		sd.Handler = s.handler(kind)
		desc.Streams = append(desc.Streams, sd)
	}
	s.server.RegisterService(&desc, s)
	return s
}

func (s *GRPCServer) handler(kind ChannelKind) grpc.StreamHandler {
	return func(_ any, ss grpc.ServerStream) error {
		remote := "unknown"
		if p, ok := peer.FromContext(ss.Context()); ok {
			remote = p.Addr.String()
		}
		t := newGRPCStream(ss, remote, kind, nil, s.counter)
		s.logger.Debug("grpc channel accepted", clog.String("kind", string(kind)), clog.String("remote", remote))
		s.accept(kind, t)

		select {
		case <-t.done:
		case <-ss.Context().Done():
		}
		return nil
	}
}

// Serve 阻塞服务直到 Stop
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.logger.Info("grpc transport serving", clog.String("address", lis.Addr().String()))
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return xerrors.Wrap(err, "grpc serve")
	}
	return nil
}

// Stop 立即关闭所有流。通道是长连接，不使用 GracefulStop
func (s *GRPCServer) Stop() {
	s.server.Stop()
}

// GRPCDialer 按地址复用 ClientConn，每次 Dial 打开一条新流
type GRPCDialer struct {
	o       *options
	logger  clog.Logger
	counter messageCounter
	builder *resolver.GRPCBuilder

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCDialer 创建 gRPC Dialer
func NewGRPCDialer(opts ...Option) *GRPCDialer {
	o := applyOptions(opts...)
	d := &GRPCDialer{
		o:       o,
		logger:  o.logger.WithNamespace("grpc"),
		counter: newMessageCounter(o.meter, trace.SystemGRPC),
		conns:   make(map[string]*grpc.ClientConn),
	}
	if o.upstream != nil {
		d.builder = resolver.NewGRPCBuilder(o.upstream, resolverScheme, o.refreshInterval, resolver.WithLogger(o.logger))
	}
	return d
}

// resolverScheme WithResolver 时 gRPC target 使用的 scheme
const resolverScheme = "registrar"

// Target 实际交给 grpc.NewClient 的 target
func (d *GRPCDialer) Target(address string) string {
	if d.builder == nil {
		return address
	}
	return d.builder.Scheme() + ":///" + address
}

func (d *GRPCDialer) conn(address string, secure bool) (*grpc.ClientConn, error) {
	key := address
	if secure {
		key = "tls:" + address
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if cc, ok := d.conns[key]; ok {
		return cc, nil
	}

	creds := insecure.NewCredentials()
	if secure {
		creds = credentials.NewTLS(d.o.tlsConfig)
	}
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithStatsHandler(trace.GRPCClientStatsHandler()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	}
	if d.builder != nil {
		dialOpts = append(dialOpts, grpc.WithResolvers(d.builder))
	}
	cc, err := grpc.NewClient(d.Target(address), dialOpts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "grpc client for %s", address)
	}
	d.conns[key] = cc
	return cc, nil
}

// Dial 实现 Dialer。ctx 只约束建立流的过程，不约束流的生命周期
func (d *GRPCDialer) Dial(ctx context.Context, address string, secure bool, kind ChannelKind) (Transport, error) {
	desc, ok := streamDescs[kind]
	if !ok {
		return nil, xerrors.Wrapf(ErrUnknownChannel, "%q", kind)
	}
	cc, err := d.conn(address, secure)
	if err != nil {
		return nil, err
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	cs, err := cc.NewStream(streamCtx, &desc, methodName(kind))
	if !stop() {
		cancel()
		if err == nil {
			err = ctx.Err()
		}
	}
	if err != nil {
		cancel()
		return nil, xerrors.Wrapf(err, "open %s stream to %s", kind, address)
	}
	d.logger.Debug("grpc channel opened", clog.String("kind", string(kind)), clog.String("address", address))
	return newGRPCStream(cs, address, kind, func() {
		_ = cs.CloseSend()
		cancel()
	}, d.counter), nil
}

// Close 关闭所有复用的 ClientConn
func (d *GRPCDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var errs xerrors.Collector
	for key, cc := range d.conns {
		errs.Collect(cc.Close())
		delete(d.conns, key)
	}
	return errs.Err()
}

// msgStream grpc.ServerStream 与 grpc.ClientStream 的公共部分
type msgStream interface {
	Context() context.Context
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcStream 服务端与客户端共用的流式 Transport
type grpcStream struct {
	stream  msgStream
	remote  string
	kind    ChannelKind
	cancel  func()
	counter messageCounter

	sendMu    sync.Mutex
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

func newGRPCStream(s msgStream, remote string, kind ChannelKind, cancel func(), counter messageCounter) *grpcStream {
	return &grpcStream{
		stream:  s,
		remote:  remote,
		kind:    kind,
		cancel:  cancel,
		counter: counter,
		done:    make(chan struct{}),
	}
}

func (g *grpcStream) Send(ctx context.Context, m *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-g.done:
		return ErrTransportClosed
	default:
	}
	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	if err := g.stream.SendMsg(m); err != nil {
		return xerrors.Wrapf(ErrTransportClosed, "send %s: %v", m.Kind, err)
	}
	g.counter.count(ctx, m, metrics.DirectionOutbound)
	return nil
}

func (g *grpcStream) Start(h Handler) {
	g.startOnce.Do(func() {
		go g.recvLoop(h)
	})
}

func (g *grpcStream) recvLoop(h Handler) {
	for {
		m := new(Message)
		if err := g.stream.RecvMsg(m); err != nil {
			h.OnClose(g.closeCause(err))
			return
		}
		g.counter.count(g.stream.Context(), m, metrics.DirectionInbound)
		h.OnMessage(m)
	}
}

func (g *grpcStream) closeCause(err error) error {
	select {
	case <-g.done:
		return nil
	default:
	}
	if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
		return ErrTransportClosed
	}
	return xerrors.Wrapf(ErrTransportClosed, "recv: %v", err)
}

func (g *grpcStream) Close() error {
	g.closeOnce.Do(func() {
		close(g.done)
		if g.cancel != nil {
			g.cancel()
		}
	})
	return nil
}

func (g *grpcStream) RemoteAddr() string { return g.remote }
