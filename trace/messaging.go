package trace

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	oteltrace "go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/stats"
)

const tracerName = "github.com/ceyewan/registrar/trace"

// GRPCServerStatsHandler gRPC 服务端 stats handler
func GRPCServerStatsHandler() stats.Handler {
	return otelgrpc.NewServerHandler()
}

// GRPCClientStatsHandler gRPC 客户端 stats handler
func GRPCClientStatsHandler() stats.Handler {
	return otelgrpc.NewClientHandler()
}

// Inject 将 ctx 中的 trace 信息写入 headers
func Inject(ctx context.Context, headers map[string]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Extract 从 headers 中恢复 trace 信息
func Extract(ctx context.Context, headers map[string]string) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
}

// MessageMeta 通道消息的 Span 属性
type MessageMeta struct {
	System      string
	Destination string
	ChannelKind string
	ChannelID   string
	MessageKind string
}

func (m MessageMeta) attributes(op string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(AttrMessagingOperation, op)}
	if m.System != "" {
		attrs = append(attrs, attribute.String(AttrMessagingSystem, m.System))
	}
	if m.Destination != "" {
		attrs = append(attrs, attribute.String(AttrMessagingDestination, m.Destination))
	}
	if m.ChannelKind != "" {
		attrs = append(attrs, attribute.String(AttrChannelKind, m.ChannelKind))
	}
	if m.ChannelID != "" {
		attrs = append(attrs, attribute.String(AttrChannelID, m.ChannelID))
	}
	if m.MessageKind != "" {
		attrs = append(attrs, attribute.String(AttrMessageKind, m.MessageKind))
	}
	return attrs
}

// StartSendSpan 启动一个 producer Span 并返回注入了 trace 的 headers
func StartSendSpan(ctx context.Context, meta MessageMeta) (context.Context, oteltrace.Span, map[string]string) {
	if ctx == nil {
		ctx = context.Background()
	}
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, SpanNameSend(meta.ChannelKind),
		oteltrace.WithSpanKind(oteltrace.SpanKindProducer),
		oteltrace.WithAttributes(meta.attributes(OperationSend)...),
	)
	headers := map[string]string{}
	Inject(spanCtx, headers)
	return spanCtx, span, headers
}

// StartReceiveSpan 从 headers 中恢复上游并以 link 关联，启动一个 consumer Span
func StartReceiveSpan(ctx context.Context, headers map[string]string, meta MessageMeta) (context.Context, oteltrace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	opts := []oteltrace.SpanStartOption{
		oteltrace.WithSpanKind(oteltrace.SpanKindConsumer),
		oteltrace.WithAttributes(meta.attributes(OperationReceive)...),
	}
	if len(headers) > 0 {
		if remote := oteltrace.SpanContextFromContext(Extract(ctx, headers)); remote.IsValid() {
			opts = append(opts, oteltrace.WithLinks(oteltrace.Link{SpanContext: remote}))
		}
	}
	return otel.Tracer(tracerName).Start(ctx, SpanNameReceive(meta.ChannelKind), opts...)
}

// MarkSpanError 在 err 不为 nil 时记录错误并设置状态
func MarkSpanError(span oteltrace.Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
