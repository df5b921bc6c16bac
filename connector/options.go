package connector

import (
	"context"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// Option 连接器选项
type Option func(*options)

// WithLogger 设置 Logger，自动追加 "connector" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("connector")
		}
	}
}

// WithMeter 设置 Meter
func WithMeter(meter metrics.Meter) Option {
	return func(o *options) {
		if meter != nil {
			o.meter = meter
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// connMetrics 两种连接器共用的连接指标
type connMetrics struct {
	kind     string
	name     string
	connects metrics.Counter
	active   metrics.Gauge
}

func newConnMetrics(m metrics.Meter, kind, name string) connMetrics {
	return connMetrics{
		kind:     kind,
		name:     name,
		connects: metrics.CounterOf(m, metrics.MetricConnectorConnects, "Connector connection attempts"),
		active:   metrics.GaugeOf(m, metrics.MetricConnectorActive, "Connector active connections"),
	}
}

func (c connMetrics) attempt(ctx context.Context, outcome string) {
	c.connects.Inc(ctx, metrics.L(metrics.LabelType, c.kind), metrics.L("connector", c.name), metrics.L(metrics.LabelOutcome, outcome))
}

func (c connMetrics) setActive(ctx context.Context, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	c.active.Set(ctx, v, metrics.L(metrics.LabelType, c.kind), metrics.L("connector", c.name))
}
