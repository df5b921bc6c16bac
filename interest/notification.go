package interest

import (
	"fmt"

	"github.com/ceyewan/registrar/instance"
)

// NotificationKind 变更通知类型
type NotificationKind uint8

const (
	Add NotificationKind = iota + 1
	Modify
	Delete
	// BufferStart 与 BufferEnd 成对出现，包裹一次批量变更
	BufferStart
	BufferEnd
	// Gap 订阅队列溢出，之前未送达的通知已被丢弃，订阅方需要重新订阅
	Gap
)

func (k NotificationKind) String() string {
	switch k {
	case Add:
		return "add"
	case Modify:
		return "modify"
	case Delete:
		return "delete"
	case BufferStart:
		return "buffer_start"
	case BufferEnd:
		return "buffer_end"
	case Gap:
		return "gap"
	default:
		return fmt.Sprintf("notification(%d)", uint8(k))
	}
}

// ChangeNotification 单条变更。Delete 携带删除前最后可见的实例。
type ChangeNotification struct {
	Kind     NotificationKind       `json:"kind" msgpack:"k"`
	ID       string                 `json:"id,omitempty" msgpack:"id,omitempty"`
	Instance *instance.InstanceInfo `json:"instance,omitempty" msgpack:"i,omitempty"`
}

// NewAdd 实例进入视图
func NewAdd(info *instance.InstanceInfo) ChangeNotification {
	return ChangeNotification{Kind: Add, ID: info.ID, Instance: info}
}

// NewModify 视图内实例发生变化
func NewModify(info *instance.InstanceInfo) ChangeNotification {
	return ChangeNotification{Kind: Modify, ID: info.ID, Instance: info}
}

// NewDelete 实例离开视图
func NewDelete(info *instance.InstanceInfo) ChangeNotification {
	return ChangeNotification{Kind: Delete, ID: info.ID, Instance: info}
}

// NewBufferStart 批量开始标记
func NewBufferStart() ChangeNotification { return ChangeNotification{Kind: BufferStart} }

// NewBufferEnd 批量结束标记
func NewBufferEnd() ChangeNotification { return ChangeNotification{Kind: BufferEnd} }

// NewGap 溢出标记
func NewGap() ChangeNotification { return ChangeNotification{Kind: Gap} }

// IsData 是否为 Add/Modify/Delete
func (n ChangeNotification) IsData() bool {
	return n.Kind == Add || n.Kind == Modify || n.Kind == Delete
}

func (n ChangeNotification) String() string {
	if n.ID == "" {
		return n.Kind.String()
	}
	if n.Instance != nil {
		return fmt.Sprintf("%s(%s@%d)", n.Kind, n.ID, n.Instance.Version)
	}
	return fmt.Sprintf("%s(%s)", n.Kind, n.ID)
}
