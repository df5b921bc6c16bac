package trace

// Span 属性键
const (
	AttrMessagingSystem      = "messaging.system"
	AttrMessagingDestination = "messaging.destination"
	AttrMessagingOperation   = "messaging.operation"
	AttrChannelKind          = "registrar.channel.kind"
	AttrChannelID            = "registrar.channel.id"
	AttrMessageKind          = "registrar.message.kind"
)

// 传输系统
const (
	SystemNATS = "nats"
	SystemGRPC = "grpc"
)

// 消息操作
const (
	OperationSend    = "send"
	OperationReceive = "receive"
)

// SpanNameSend 发送一条通道消息的 Span 名
func SpanNameSend(channelKind string) string {
	if channelKind == "" {
		return "channel.send"
	}
	return "channel.send " + channelKind
}

// SpanNameReceive 接收一条通道消息的 Span 名
func SpanNameReceive(channelKind string) string {
	if channelKind == "" {
		return "channel.receive"
	}
	return "channel.receive " + channelKind
}
