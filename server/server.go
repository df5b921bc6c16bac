// Package server 组装注册服务端。
//
// 写服务端接受注册通道与订阅通道，本地注册表只包含 Local 与 Bootstrap 来源；
// 读服务端只接受订阅通道，数据通过全量拉取从写集群复制而来。
// 两者都按 注册表 → 索引 → 批次 → 通道处理器 的顺序构建，按相反顺序关闭。
package server

import (
	"net"
	"slices"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/ceyewan/registrar/batching"
	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/client"
	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/index"
	"github.com/ceyewan/registrar/registry"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

// ErrServerClosed 服务端已关闭
var ErrServerClosed = xerrors.New("server closed")

// Role 服务端角色
type Role string

const (
	RoleWrite Role = "write"
	RoleRead  Role = "read"
)

// Report 服务端运行状况
type Report struct {
	Name             string   `json:"name"`
	Role             Role     `json:"role"`
	Addresses        []string `json:"addresses"`
	Instances        int      `json:"instances"`
	Indexes          int      `json:"indexes"`
	PendingEvictions int      `json:"pending_evictions"`
	Sessions         int      `json:"sessions"`
	OpenBatches      int      `json:"open_batches"`
	// Synced 读服务端是否已完成首次全量同步，写服务端总为 true
	Synced bool `json:"synced"`
}

// Server 一个写或读服务端
type Server struct {
	cfg    Config
	role   Role
	opts   *options
	logger clog.Logger

	registry      registry.Registry
	index         *index.Registry
	batches       *batching.Registry
	evictions     *registry.EvictionQueue
	registrations *RegistrationHandler
	interests     *InterestHandler
	replica       *client.FullFetchInterestClient

	mu        sync.Mutex
	closed    bool
	addresses []string
	grpc      []*transport.GRPCServer
	nats      []*transport.NATSServer
	memory    []memoryListener
}

type memoryListener struct {
	network *transport.MemoryNetwork
	address string
}

// NewWriteServer 创建写服务端
func NewWriteServer(cfg *Config, opts ...Option) (*Server, error) {
	s, err := newCore(RoleWrite, cfg, opts...)
	if err != nil {
		return nil, err
	}
	s.evictions = registry.NewEvictionQueue(s.registry, s.cfg.EvictionGracePeriod,
		registry.WithLogger(s.opts.root), registry.WithClock(s.opts.clock))
	s.registrations, err = NewRegistrationHandler(s.registry, s.evictions, &s.cfg, opts...)
	if err != nil {
		s.closeCore()
		return nil, err
	}
	s.logger.Info("write server assembled",
		clog.Duration("eviction_grace", s.cfg.EvictionGracePeriod), clog.Duration("idle_timeout", s.cfg.IdleTimeout))
	return s, nil
}

// NewReadServer 创建读服务端，upstream 连接写集群。
// clientCfg.Name 为空时使用服务端名字作为复制来源名。
func NewReadServer(upstream channel.Factory, cfg *Config, clientCfg *client.Config, opts ...Option) (*Server, error) {
	if upstream == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "read server requires an upstream channel factory")
	}
	s, err := newCore(RoleRead, cfg, opts...)
	if err != nil {
		return nil, err
	}
	var cc client.Config
	if clientCfg != nil {
		cc = *clientCfg
	}
	if cc.Name == "" {
		cc.Name = s.cfg.Name
	}
	s.replica, err = client.NewFullFetchInterestClient(upstream, s.registry, s.batches, &cc,
		client.WithLogger(s.opts.root), client.WithMeter(s.opts.meter), client.WithClock(s.opts.clock))
	if err != nil {
		s.closeCore()
		return nil, err
	}
	s.logger.Info("read server assembled", clog.String("replica_source", cc.Name))
	return s, nil
}

func newCore(role Role, cfg *Config, opts ...Option) (*Server, error) {
	c, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts...)
	reg := registry.New(registry.WithLogger(o.root), registry.WithMeter(o.meter), registry.WithClock(o.clock))
	idx, err := index.New(reg, &c.Index, index.WithLogger(o.root), index.WithMeter(o.meter))
	if err != nil {
		_ = reg.Close()
		return nil, xerrors.Wrap(err, "build index registry")
	}
	s := &Server{
		cfg:      c,
		role:     role,
		opts:     o,
		logger:   o.logger.With(clog.String("name", c.Name), clog.String("role", string(role))),
		registry: reg,
		index:    idx,
		batches:  batching.New(idx, batching.WithLogger(o.root), batching.WithMeter(o.meter)),
	}
	s.interests = NewInterestHandler(idx, opts...)
	return s, nil
}

// Registry 服务端的 Sourced Registry
func (s *Server) Registry() registry.Registry { return s.registry }

// Index 服务端的 Index Registry
func (s *Server) Index() *index.Registry { return s.index }

// Batching 服务端的 Batching Registry，引导数据与复制数据经由它成批写入
func (s *Server) Batching() *batching.Registry { return s.batches }

// Role 服务端角色
func (s *Server) Role() Role { return s.role }

// Acceptor 按通道类型把新传输交给对应的处理器
func (s *Server) Acceptor() transport.Acceptor {
	return s.accept
}

func (s *Server) accept(kind transport.ChannelKind, t transport.Transport) {
	switch {
	case kind == transport.ChannelRegistration && s.registrations != nil:
		s.registrations.Serve(t)
	case kind == transport.ChannelInterest:
		s.interests.Serve(t)
	default:
		s.logger.Warn("channel kind not served", clog.String("kind", string(kind)), clog.String("remote", t.RemoteAddr()))
		_ = t.Close()
	}
}

func (s *Server) transportOptions() []transport.Option {
	return []transport.Option{transport.WithLogger(s.opts.root), transport.WithMeter(s.opts.meter)}
}

// ServeGRPC 在 lis 上提供 gRPC 传输，阻塞直到 Close
func (s *Server) ServeGRPC(lis net.Listener, opts ...transport.Option) error {
	gs := transport.NewGRPCServer(s.accept, append(s.transportOptions(), opts...)...)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.grpc = append(s.grpc, gs)
	s.addresses = append(s.addresses, "grpc://"+lis.Addr().String())
	s.mu.Unlock()
	return gs.Serve(lis)
}

// ServeNATS 以服务端名字为地址在 NATS 上提供传输，conn 由调用方持有
func (s *Server) ServeNATS(conn *nats.Conn, opts ...transport.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	ns, err := transport.NewNATSServer(conn, s.cfg.Name, s.accept, append(s.transportOptions(), opts...)...)
	if err != nil {
		return err
	}
	s.nats = append(s.nats, ns)
	s.addresses = append(s.addresses, "nats://"+s.cfg.Name)
	return nil
}

// ListenMemory 在进程内网络上提供传输
func (s *Server) ListenMemory(network *transport.MemoryNetwork, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrServerClosed
	}
	if err := network.Listen(address, s.accept); err != nil {
		return err
	}
	s.memory = append(s.memory, memoryListener{network: network, address: address})
	s.addresses = append(s.addresses, "mem://"+address)
	return nil
}

// Report 当前运行状况
func (s *Server) Report() Report {
	s.mu.Lock()
	addrs := slices.Clone(s.addresses)
	s.mu.Unlock()

	r := Report{
		Name:        s.cfg.Name,
		Role:        s.role,
		Addresses:   addrs,
		Instances:   s.registry.Size(),
		Indexes:     s.index.Indexes(),
		Sessions:    s.interests.Sessions(),
		OpenBatches: len(s.batches.Open()),
		Synced:      true,
	}
	if s.evictions != nil {
		r.PendingEvictions = s.evictions.Pending()
	}
	if s.registrations != nil {
		r.Sessions += s.registrations.Sessions()
	}
	if s.replica != nil {
		r.Synced = s.replica.Synced()
	}
	return r
}

// Close 停止接收新通道，关闭已有通道并释放注册表
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	grpcs, natss, mems := s.grpc, s.nats, s.memory
	s.mu.Unlock()

	var errs xerrors.Collector
	for _, m := range mems {
		m.network.Unlisten(m.address)
	}
	for _, ns := range natss {
		errs.Collect(ns.Close())
	}
	for _, gs := range grpcs {
		gs.Stop()
	}
	if s.registrations != nil {
		s.registrations.Close()
	}
	s.interests.Close()
	if s.replica != nil {
		errs.Collect(s.replica.Close())
	}
	if s.evictions != nil {
		s.evictions.Close()
	}
	errs.Collect(s.closeCore())
	s.logger.Info("server closed")
	return errs.Err()
}

func (s *Server) closeCore() error {
	var errs xerrors.Collector
	errs.Collect(s.index.Close())
	errs.Collect(s.registry.Close())
	return errs.Err()
}
