package registry

import (
	"github.com/benbjohnson/clock"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
)

type options struct {
	logger clog.Logger
	meter  metrics.Meter
	clock  clock.Clock
}

// Option 注册表与驱逐队列的可选项
type Option func(*options)

// WithLogger 注入 Logger，自动追加 "registry" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("registry")
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

// WithClock 替换时钟，测试中使用 clock.NewMock()
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{
		logger: clog.Discard(),
		meter:  metrics.Discard(),
		clock:  clock.New(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
