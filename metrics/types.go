// Package metrics 为 registrar 提供指标收集能力。
// 基于 OpenTelemetry SDK，通过 Prometheus exporter 暴露在 /metrics。
//
//	meter, _ := metrics.New(&metrics.Config{Enabled: true, ServiceName: "registrar", Port: 9090, Path: "/metrics"})
//	defer meter.Shutdown(ctx)
//	size, _ := meter.Gauge(metrics.MetricRegistrySize, "当前可见实例数")
//	size.Set(ctx, 12)
//
// 指标只用于观测，任何组件都不依赖其结果。
package metrics

import "context"

// Meter 指标工厂
type Meter interface {
	Counter(name, desc string, opts ...MetricOption) (Counter, error)
	Gauge(name, desc string, opts ...MetricOption) (Gauge, error)
	Histogram(name, desc string, opts ...MetricOption) (Histogram, error)
	// Shutdown 刷新并关闭 MeterProvider 与 HTTP 服务
	Shutdown(ctx context.Context) error
}

// Counter 只增不减的累计值
type Counter interface {
	Inc(ctx context.Context, labels ...Label)
	Add(ctx context.Context, val float64, labels ...Label)
}

// Gauge 可增可减的瞬时值
type Gauge interface {
	Set(ctx context.Context, val float64, labels ...Label)
	Inc(ctx context.Context, labels ...Label)
	Dec(ctx context.Context, labels ...Label)
}

// Histogram 分布
type Histogram interface {
	Record(ctx context.Context, val float64, labels ...Label)
}

// Label 指标标签
type Label struct {
	Key   string
	Value string
}

// L 构造 Label
func L(key, value string) Label {
	return Label{Key: key, Value: value}
}

// MetricOption 单个指标的选项
type MetricOption func(*metricOptions)

type metricOptions struct {
	unit    string
	buckets []float64
}

// WithUnit 设置单位，如 "s"、"By"
func WithUnit(unit string) MetricOption {
	return func(o *metricOptions) {
		o.unit = unit
	}
}

// WithBuckets 设置直方图桶边界
func WithBuckets(buckets []float64) MetricOption {
	return func(o *metricOptions) {
		o.buckets = buckets
	}
}
