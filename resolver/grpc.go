package resolver

import (
	"context"
	"slices"
	"sync"
	"time"

	grpcresolver "google.golang.org/grpc/resolver"

	"github.com/ceyewan/registrar/clog"
)

// DefaultRefreshInterval gRPC 桥接定期重新解析的间隔
const DefaultRefreshInterval = 30 * time.Second

// GRPCBuilder 把任意 Resolver 接入 gRPC 的名字解析，
// 使 "scheme:///registrar" 形式的 target 通过 Resolver 得到服务端地址
type GRPCBuilder struct {
	source   Resolver
	scheme   string
	interval time.Duration
	logger   clog.Logger
}

// NewGRPCBuilder 创建 gRPC resolver.Builder
func NewGRPCBuilder(source Resolver, scheme string, interval time.Duration, opts ...Option) *GRPCBuilder {
	o := applyOptions(opts...)
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &GRPCBuilder{source: source, scheme: scheme, interval: interval, logger: o.logger.WithNamespace("grpc")}
}

// Build 实现 resolver.Builder
func (b *GRPCBuilder) Build(target grpcresolver.Target, cc grpcresolver.ClientConn, _ grpcresolver.BuildOptions) (grpcresolver.Resolver, error) {
	r := &grpcResolver{
		source:     b.source,
		target:     target.Endpoint(),
		cc:         cc,
		interval:   b.interval,
		logger:     b.logger,
		resolveNow: make(chan struct{}, 1),
		closeCh:    make(chan struct{}),
		localCache: make(map[string]grpcresolver.Address),
	}
	r.wg.Add(1)
	go r.start()
	return r, nil
}

// Scheme 实现 resolver.Builder
func (b *GRPCBuilder) Scheme() string {
	return b.scheme
}

// grpcResolver 保存最近一次非空结果，解析失败或结果为空时不覆盖已推送的地址
type grpcResolver struct {
	source   Resolver
	target   string
	cc       grpcresolver.ClientConn
	interval time.Duration
	logger   clog.Logger

	resolveNow chan struct{}
	closeCh    chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	cacheMu    sync.Mutex
	localCache map[string]grpcresolver.Address
}

func (r *grpcResolver) start() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refresh()
	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
		case <-r.resolveNow:
		}
		r.refresh()
	}
}

func (r *grpcResolver) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), r.interval)
	defer cancel()

	eps, err := r.source.Resolve(ctx)
	if err != nil {
		r.logger.Warn("resolve for grpc failed", clog.String("target", r.target), clog.Error(err))
		r.cc.ReportError(err)
		return
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	next := make(map[string]grpcresolver.Address, len(eps))
	for _, ep := range eps {
		next[ep.Address()] = grpcresolver.Address{Addr: ep.Address(), ServerName: ep.Host}
	}
	r.localCache = next
	r.pushStateLocked(eps)
}

// pushStateLocked 保持 Resolver 给出的顺序推送，调用方持有 cacheMu
func (r *grpcResolver) pushStateLocked(eps []Endpoint) {
	if len(r.localCache) == 0 {
		return
	}
	addrs := make([]grpcresolver.Address, 0, len(r.localCache))
	for _, ep := range eps {
		addr, ok := r.localCache[ep.Address()]
		if !ok || slices.ContainsFunc(addrs, func(a grpcresolver.Address) bool { return a.Addr == addr.Addr }) {
			continue
		}
		addrs = append(addrs, addr)
	}
	if err := r.cc.UpdateState(grpcresolver.State{Addresses: addrs}); err != nil {
		r.logger.Debug("grpc rejected resolver state", clog.String("target", r.target), clog.Error(err))
	}
}

// ResolveNow 实现 resolver.Resolver
func (r *grpcResolver) ResolveNow(grpcresolver.ResolveNowOptions) {
	if inv, ok := r.source.(Invalidator); ok {
		inv.Invalidate()
	}
	select {
	case r.resolveNow <- struct{}{}:
	default:
	}
}

// Close 实现 resolver.Resolver
func (r *grpcResolver) Close() {
	r.closeOnce.Do(func() {
		close(r.closeCh)
	})
	r.wg.Wait()
}
