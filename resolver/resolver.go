// Package resolver 把静态配置或 DNS 记录转换为有序的服务端 Endpoint 列表。
//
// 所有 Resolver 在每次 Resolve 时重新求值（DNS 结果带 TTL 缓存），
// 与本地实例处于同一可用区的 Endpoint 排在最前。一个 Endpoint 都得不到时
// 返回 ErrResolution，调用方负责退避重试。
package resolver

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

// DefaultPort 未指定端口时使用的服务端端口
const DefaultPort = 12102

// ErrResolution 没有得到任何可用 Endpoint
var ErrResolution = xerrors.New("endpoint resolution failed")

// Endpoint 一个候选服务端地址
type Endpoint struct {
	Host   string `json:"host" mapstructure:"host"`
	Port   int    `json:"port" mapstructure:"port"`
	Secure bool   `json:"secure" mapstructure:"secure"`
	Region string `json:"region,omitempty" mapstructure:"region"`
	Zone   string `json:"zone,omitempty" mapstructure:"zone"`
}

// Address host:port
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Scheme http 或 https
func (e Endpoint) Scheme() string {
	if e.Secure {
		return "https"
	}
	return "http"
}

func (e Endpoint) String() string {
	if e.Zone == "" {
		return fmt.Sprintf("%s://%s", e.Scheme(), e.Address())
	}
	return fmt.Sprintf("%s://%s[%s]", e.Scheme(), e.Address(), e.Zone)
}

// Resolver 解析服务端 Endpoint
type Resolver interface {
	Resolve(ctx context.Context) ([]Endpoint, error)
}

// Func 函数适配器
type Func func(ctx context.Context) ([]Endpoint, error)

func (f Func) Resolve(ctx context.Context) ([]Endpoint, error) { return f(ctx) }

// Invalidator 可丢弃缓存结果的 Resolver，连接失败后调用以强制刷新
type Invalidator interface {
	Invalidate()
}

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	lookup LookupFunc
}

// Option 可选项
type Option func(*options)

// WithLogger 注入 Logger，自动追加 "resolver" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("resolver")
		}
	}
}

// WithMeter 注入 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// WithLookup 替换 DNS 查询函数
func WithLookup(fn LookupFunc) Option {
	return func(o *options) {
		o.lookup = fn
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// sortByAffinity 稳定地把与本地同区的 Endpoint 移到最前
func sortByAffinity(eps []Endpoint, local instance.DataCenter) {
	if !local.HasZoneAffinity() {
		return
	}
	slices.SortStableFunc(eps, func(a, b Endpoint) int {
		aLocal, bLocal := a.Zone == local.Zone, b.Zone == local.Zone
		switch {
		case aLocal && !bLocal:
			return -1
		case !aLocal && bLocal:
			return 1
		}
		return 0
	})
}

// StaticResolver 固定列表
type StaticResolver struct {
	endpoints []Endpoint
	local     instance.DataCenter
}

// FromEndpoints 由固定 Endpoint 构造
func FromEndpoints(eps ...Endpoint) *StaticResolver {
	return &StaticResolver{endpoints: slices.Clone(eps)}
}

// FromHostname 单个主机，端口默认 DefaultPort
func FromHostname(host string) *StaticResolver {
	return FromEndpoints(Endpoint{Host: host, Port: DefaultPort})
}

// WithPort 覆盖所有 Endpoint 的端口
func (s *StaticResolver) WithPort(port int) *StaticResolver {
	eps := slices.Clone(s.endpoints)
	for i := range eps {
		eps[i].Port = port
	}
	return &StaticResolver{endpoints: eps, local: s.local}
}

// WithSecure 设置所有 Endpoint 是否使用 TLS
func (s *StaticResolver) WithSecure(secure bool) *StaticResolver {
	eps := slices.Clone(s.endpoints)
	for i := range eps {
		eps[i].Secure = secure
	}
	return &StaticResolver{endpoints: eps, local: s.local}
}

// WithLocal 按本地数据中心做同区优先
func (s *StaticResolver) WithLocal(local instance.DataCenter) *StaticResolver {
	return &StaticResolver{endpoints: slices.Clone(s.endpoints), local: local}
}

func (s *StaticResolver) Resolve(ctx context.Context) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.endpoints) == 0 {
		return nil, xerrors.Wrap(ErrResolution, "static resolver has no endpoints")
	}
	out := slices.Clone(s.endpoints)
	sortByAffinity(out, s.local)
	return out, nil
}
