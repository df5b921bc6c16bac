// Package batching 为一组注册表变更加上 begin/end 括号。
//
// 每个 Source 同一时刻最多打开一个批次，括号内的变更由 Index Registry
// 包裹在 BufferStart/BufferEnd 之间投递，订阅方据此把整批变化视为一次更新。
// 批次只包住已经收到的变更的同步应用过程，不能跨越网络等待。
package batching

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

// ErrBatchState 批次未配对或重入
var ErrBatchState = xerrors.New("batch state error")

// Listener 接收批次开始与结束，通常是 Index Registry
type Listener interface {
	OnBatchStart(src instance.Source)
	OnBatchEnd(src instance.Source)
}

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// Option 可选项
type Option func(*options)

// WithLogger 注入 Logger，自动追加 "batching" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("batching")
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

// Registry 按 Source 跟踪打开的批次
type Registry struct {
	listener Listener

	mu   sync.Mutex
	open map[instance.Source]struct{}

	logger clog.Logger
	depth  metrics.Gauge
	errs   metrics.Counter
}

// New 创建 Batching Registry
func New(listener Listener, opts ...Option) *Registry {
	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return &Registry{
		listener: listener,
		open:     make(map[instance.Source]struct{}),
		logger:   o.logger,
		depth:    metrics.GaugeOf(o.meter, metrics.MetricBatchingDepth, "Number of open batches"),
		errs:     metrics.CounterOf(o.meter, metrics.MetricBatchingErrors, "Unbalanced or reentrant batch brackets"),
	}
}

// BeginBatch 为 src 打开批次。
// 重入视为协议错误：已打开的批次被强制关闭并返回 ErrBatchState，
// 避免订阅方的通知被无限期挂起。
func (r *Registry) BeginBatch(src instance.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[src]; ok {
		r.closeLocked(src)
		r.errs.Inc(context.Background(), metrics.L(metrics.LabelOperation, "begin"))
		r.logger.Error("reentrant batch, forcing close", clog.Stringer("source", src))
		return xerrors.Wrapf(ErrBatchState, "batch already open for %s", src)
	}
	r.open[src] = struct{}{}
	r.depth.Set(context.Background(), float64(len(r.open)))
	if r.listener != nil {
		r.listener.OnBatchStart(src)
	}
	return nil
}

// EndBatch 关闭 src 的批次，未打开时返回 ErrBatchState
func (r *Registry) EndBatch(src instance.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.open[src]; !ok {
		r.errs.Inc(context.Background(), metrics.L(metrics.LabelOperation, "end"))
		r.logger.Error("batch end without begin", clog.Stringer("source", src))
		return xerrors.Wrapf(ErrBatchState, "no open batch for %s", src)
	}
	r.closeLocked(src)
	return nil
}

// Abort 关闭 src 可能存在的批次，用于来源异常断开，不视为错误
func (r *Registry) Abort(src instance.Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[src]; !ok {
		return false
	}
	r.logger.Warn("aborting open batch", clog.Stringer("source", src))
	r.closeLocked(src)
	return true
}

func (r *Registry) closeLocked(src instance.Source) {
	delete(r.open, src)
	r.depth.Set(context.Background(), float64(len(r.open)))
	if r.listener != nil {
		r.listener.OnBatchEnd(src)
	}
}

// Batch 在批次内执行 fn，无论 fn 是否出错都会结束批次
func (r *Registry) Batch(src instance.Source, fn func() error) error {
	if err := r.BeginBatch(src); err != nil {
		return err
	}
	fnErr := fn()
	endErr := r.EndBatch(src)
	return xerrors.Combine(fnErr, endErr)
}

// IsOpen src 是否有打开的批次
func (r *Registry) IsOpen(src instance.Source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.open[src]
	return ok
}

// Open 所有打开批次的来源，按 Key 排序
func (r *Registry) Open() []instance.Source {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]instance.Source, 0, len(r.open))
	for src := range r.open {
		out = append(out, src)
	}
	slices.SortFunc(out, func(a, b instance.Source) int { return strings.Compare(a.Key(), b.Key()) })
	return out
}
