package index

import (
	"slices"
	"strings"

	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
)

// Tracker 记录已经向某个消费者送达的实例集合。
//
// 更换订阅条件或溢出后重新订阅时，用 Diff 把新快照转换成相对已送达集合的
// 最小 Add/Modify/Delete 序列，仍然匹配且未变化的实例不会产生任何通知。
// Tracker 同时保证送出的 Buffer 标记成对且不嵌套。
// Tracker 不是并发安全的，由单个消费者独占。
type Tracker struct {
	delivered map[string]*instance.InstanceInfo
	buffering bool
}

// NewTracker 创建空的 Tracker
func NewTracker() *Tracker {
	return &Tracker{delivered: make(map[string]*instance.InstanceInfo)}
}

// Len 已送达实例数
func (t *Tracker) Len() int { return len(t.delivered) }

// Get 返回已送达的值
func (t *Tracker) Get(id string) (*instance.InstanceInfo, bool) {
	v, ok := t.delivered[id]
	return v, ok
}

// Instances 已送达实例，按 ID 排序
func (t *Tracker) Instances() []*instance.InstanceInfo {
	out := make([]*instance.InstanceInfo, 0, len(t.delivered))
	for _, v := range t.delivered {
		out = append(out, v)
	}
	slices.SortFunc(out, byID)
	return out
}

// Buffering 是否处于一对 Buffer 标记之间
func (t *Tracker) Buffering() bool { return t.buffering }

// Observe 根据已送达集合修正一条实时通知，返回 false 表示应当丢弃。
// 重复的 Add 被丢弃或改写为 Modify，未送达过的 Delete 被丢弃，
// 嵌套的 BufferStart 与多余的 BufferEnd 被丢弃。
func (t *Tracker) Observe(n interest.ChangeNotification) (interest.ChangeNotification, bool) {
	prev, known := t.delivered[n.ID]
	switch n.Kind {
	case interest.Add, interest.Modify:
		if known && prev.Equal(n.Instance) {
			return n, false
		}
		t.delivered[n.ID] = n.Instance
		if known {
			return interest.NewModify(n.Instance), true
		}
		return interest.NewAdd(n.Instance), true
	case interest.Delete:
		if !known {
			return n, false
		}
		delete(t.delivered, n.ID)
		return interest.NewDelete(prev), true
	case interest.BufferStart:
		if t.buffering {
			return n, false
		}
		t.buffering = true
		return n, true
	case interest.BufferEnd:
		if !t.buffering {
			return n, false
		}
		t.buffering = false
		return n, true
	default:
		return n, true
	}
}

// Diff 计算从已送达集合到 snapshot 的变更并更新自身。
// 先输出 Delete（按 ID），再按快照顺序输出 Add/Modify。
func (t *Tracker) Diff(snapshot []*instance.InstanceInfo) []interest.ChangeNotification {
	next := make(map[string]*instance.InstanceInfo, len(snapshot))
	for _, info := range snapshot {
		next[info.ID] = info
	}

	var out []interest.ChangeNotification
	var gone []*instance.InstanceInfo
	for id, prev := range t.delivered {
		if _, ok := next[id]; !ok {
			gone = append(gone, prev)
		}
	}
	slices.SortFunc(gone, byID)
	for _, prev := range gone {
		out = append(out, interest.NewDelete(prev))
	}

	for _, info := range snapshot {
		prev, ok := t.delivered[info.ID]
		switch {
		case !ok:
			out = append(out, interest.NewAdd(info))
		case !prev.Equal(info):
			out = append(out, interest.NewModify(info))
		}
	}
	t.delivered = next
	return out
}

// Resync 与 Diff 相同，但结果总是包在一对新的 Buffer 标记里。
// 如果当前处于未结束的缓冲中，先补发 BufferEnd。
func (t *Tracker) Resync(snapshot []*instance.InstanceInfo) []interest.ChangeNotification {
	var out []interest.ChangeNotification
	if t.buffering {
		out = append(out, interest.NewBufferEnd())
	}
	out = append(out, interest.NewBufferStart())
	out = append(out, t.Diff(snapshot)...)
	t.buffering = false
	return append(out, interest.NewBufferEnd())
}

// Reset 清空已送达集合与标记状态
func (t *Tracker) Reset() {
	clear(t.delivered)
	t.buffering = false
}

func byID(a, b *instance.InstanceInfo) int {
	return strings.Compare(a.ID, b.ID)
}
