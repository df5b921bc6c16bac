// Package transport 在 Channel 与对端之间搬运注册与订阅消息。
//
// 核心只依赖 Transport 接口：Send 发送，Start 注册 Handler 接收消息与关闭事件。
// 投递语义为至少一次，允许重复，注册与心跳按版本号幂等。
// 提供三种实现：进程内 Pipe（测试与嵌入式部署）、gRPC 双向流、NATS 主题。
package transport

import (
	"context"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/xerrors"
)

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = xerrors.New("transport closed")

	// ErrUnknownChannel 未知的通道类型
	ErrUnknownChannel = xerrors.New("unknown channel kind")
)

// ChannelKind 通道类型
type ChannelKind string

const (
	ChannelRegistration ChannelKind = "registration"
	ChannelInterest     ChannelKind = "interest"
)

// Valid 是否为已知类型
func (k ChannelKind) Valid() bool {
	return k == ChannelRegistration || k == ChannelInterest
}

// Kind 消息类型
type Kind uint8

const (
	KindRegister Kind = iota + 1
	KindUpdate
	KindUnregister
	KindHeartbeat
	KindInterest
	KindNotification
	KindAck
	KindError
	KindGoodbye
)

func (k Kind) String() string {
	switch k {
	case KindRegister:
		return "register"
	case KindUpdate:
		return "update"
	case KindUnregister:
		return "unregister"
	case KindHeartbeat:
		return "heartbeat"
	case KindInterest:
		return "interest"
	case KindNotification:
		return "notification"
	case KindAck:
		return "ack"
	case KindError:
		return "error"
	case KindGoodbye:
		return "goodbye"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message 线上消息
type Message struct {
	Kind         Kind                         `msgpack:"k"`
	Seq          uint64                       `msgpack:"s,omitempty"`
	Instance     *instance.InstanceInfo       `msgpack:"i,omitempty"`
	Interest     *interest.Interest           `msgpack:"in,omitempty"`
	Notification *interest.ChangeNotification `msgpack:"n,omitempty"`
	Error        string                       `msgpack:"e,omitempty"`
	Code         string                       `msgpack:"c,omitempty"`
	Headers      map[string]string            `msgpack:"h,omitempty"`
}

func (m *Message) String() string {
	switch {
	case m.Notification != nil:
		return fmt.Sprintf("%s#%d %s", m.Kind, m.Seq, m.Notification)
	case m.Instance != nil:
		return fmt.Sprintf("%s#%d %s@%d", m.Kind, m.Seq, m.Instance.ID, m.Instance.Version)
	case m.Error != "":
		return fmt.Sprintf("%s#%d %s", m.Kind, m.Seq, m.Error)
	default:
		return fmt.Sprintf("%s#%d", m.Kind, m.Seq)
	}
}

// 错误回复携带的错误码
const (
	CodeRejected    = "rejected"
	CodeInvalid     = "invalid"
	CodeRateLimited = "rate_limited"
	CodeUnavailable = "unavailable"
)

// RetryableCode 该错误码表示稍后重试可能成功
func RetryableCode(code string) bool {
	return code == CodeRateLimited || code == CodeUnavailable
}

// Ack 构造对 seq 的确认
func Ack(seq uint64) *Message { return &Message{Kind: KindAck, Seq: seq} }

// Nack 构造对 seq 的错误回复，错误码取自 err 链上的 xerrors.WithCode，缺省为 CodeRejected
func Nack(seq uint64, err error) *Message {
	code := xerrors.GetCode(err)
	if code == "" {
		code = CodeRejected
	}
	return &Message{Kind: KindError, Seq: seq, Code: code, Error: err.Error()}
}

// Notify 包装一条变更通知
func Notify(n interest.ChangeNotification) *Message {
	return &Message{Kind: KindNotification, Notification: &n}
}

// Encode msgpack 编码
func Encode(m *Message) ([]byte, error) {
	b, err := msgpack.Marshal(m)
	if err != nil {
		return nil, xerrors.Wrap(err, "encode message")
	}
	return b, nil
}

// Decode msgpack 解码
func Decode(b []byte) (*Message, error) {
	var m Message
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, xerrors.Wrap(err, "decode message")
	}
	return &m, nil
}

// Handler 接收入站消息与关闭事件。同一 Transport 的回调串行发生。
type Handler interface {
	OnMessage(m *Message)
	// OnClose 在传输结束时调用一次，本端主动关闭时 err 为 nil
	OnClose(err error)
}

// Handlers 函数式 Handler
type Handlers struct {
	Message func(m *Message)
	Close   func(err error)
}

func (h Handlers) OnMessage(m *Message) {
	if h.Message != nil {
		h.Message(m)
	}
}

func (h Handlers) OnClose(err error) {
	if h.Close != nil {
		h.Close(err)
	}
}

// Transport 一条双向消息通道
type Transport interface {
	Send(ctx context.Context, m *Message) error
	// Start 开始投递入站消息，只能调用一次
	Start(h Handler)
	Close() error
	RemoteAddr() string
}

// Dialer 建立到服务端的传输
type Dialer interface {
	Dial(ctx context.Context, address string, secure bool, kind ChannelKind) (Transport, error)
}

// Acceptor 服务端接收到新传输时调用
type Acceptor func(kind ChannelKind, t Transport)
