package transport

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/resolver"
)

type options struct {
	logger    clog.Logger
	meter     metrics.Meter
	tlsConfig *tls.Config
	prefix    string

	upstream        resolver.Resolver
	refreshInterval time.Duration
}

// Option 传输层可选项
type Option func(*options)

// WithLogger 注入 Logger，自动追加 "transport" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("transport")
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

// WithTLS gRPC 传输使用的 TLS 配置。客户端仅在 secure 端点上使用
func WithTLS(cfg *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = cfg
	}
}

// WithSubjectPrefix NATS 主题前缀，默认 "registrar"
func WithSubjectPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithResolver gRPC Dialer 经由 resolver.GRPCBuilder 解析目标：
// Dial 的 address 视为逻辑名，实际连接由 gRPC 在 r 给出的地址间按顺序选择。
// interval 为定期重新解析的间隔，<= 0 时使用 resolver.DefaultRefreshInterval
func WithResolver(r resolver.Resolver, interval time.Duration) Option {
	return func(o *options) {
		o.upstream = r
		o.refreshInterval = interval
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		prefix: "registrar",
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// messageCounter 按类型与方向统计消息
type messageCounter struct {
	c      metrics.Counter
	system string
}

func newMessageCounter(m metrics.Meter, system string) messageCounter {
	return messageCounter{
		c:      metrics.CounterOf(m, metrics.MetricTransportMessages, "Channel messages carried by the transport"),
		system: system,
	}
}

func (mc messageCounter) count(ctx context.Context, m *Message, direction string) {
	mc.c.Inc(ctx,
		metrics.L(metrics.LabelType, mc.system),
		metrics.L(metrics.LabelKind, m.Kind.String()),
		metrics.L(metrics.LabelDirection, direction),
	)
}
