package clog

import "io"

// ContextField 从 Context 中提取字段的规则
type ContextField struct {
	Key       any
	FieldName string
}

// Option 函数式选项
type Option func(*options)

type options struct {
	namespaceParts []string
	contextFields  []ContextField
	writer         io.Writer // 测试用
	traceFields    bool
}

// WithNamespace 设置日志命名空间，支持多级。
//
//	clog.WithNamespace("registrar", "server")  // namespace=registrar.server
func WithNamespace(parts ...string) Option {
	return func(o *options) {
		o.namespaceParts = append(o.namespaceParts, parts...)
	}
}

// WithContextField 从 Context 中提取 key 对应的值，以 fieldName 输出。
func WithContextField(key any, fieldName string) Option {
	return func(o *options) {
		o.contextFields = append(o.contextFields, ContextField{Key: key, FieldName: fieldName})
	}
}

// WithTraceContext 自动提取 OpenTelemetry 的 trace_id 与 span_id。
func WithTraceContext() Option {
	return func(o *options) {
		o.traceFields = true
	}
}

// withWriter 仅用于测试，替换输出目标
func withWriter(w io.Writer) Option {
	return func(o *options) {
		o.writer = w
	}
}

func applyOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}
