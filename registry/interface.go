// Package registry 实现多来源的实例注册表。
//
// 同一个实例 ID 可以同时被多个 Source 持有（本地连接、复制对端、引导数据），
// 对外只暴露按优先级选出的一个可见值：
//
//   - Local 优先于 Replicated，Replicated 优先于 Bootstrap
//   - 同类来源之间版本号高者优先
//   - 版本号相同按 Source.Key 字典序小者优先
//
// 每次变更在可见值改变时恰好向 ChangeListener 发出一条 Add/Modify/Delete，
// 可见值不变时不发出任何通知。
//
// 基本使用：
//
//	reg := registry.New(registry.WithLogger(logger), registry.WithMeter(meter))
//	src := instance.NewSource(instance.OriginLocal, "write-1")
//	result, err := reg.Register(src, info)
//	reg.EvictAll(src)
package registry

import (
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/xerrors"
)

var (
	// ErrRegistryClosed 注册表已关闭
	ErrRegistryClosed = xerrors.New("registry is closed")

	// ErrInvalidSource Source 未设置
	ErrInvalidSource = xerrors.New("invalid source")
)

// Result 注册结果
type Result uint8

const (
	// Applied 该来源持有的值已更新
	Applied Result = iota + 1
	// Superseded 同一来源已持有相同或更新的版本，忽略本次写入
	Superseded
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// ChangeListener 接收可见值的变化。
//
// 调用发生在该实例的写锁内，同一实例的通知按变更顺序到达；
// 实现不得回调 Registry 的写方法。
type ChangeListener interface {
	OnChange(n interest.ChangeNotification)
}

// ListenerFunc 函数适配器
type ListenerFunc func(n interest.ChangeNotification)

func (f ListenerFunc) OnChange(n interest.ChangeNotification) { f(n) }

// Registry 多来源实例注册表
type Registry interface {
	// Register 以 src 的名义写入 info
	Register(src instance.Source, info *instance.InstanceInfo) (Result, error)

	// Unregister 移除 src 对实例 id 的持有，返回是否存在
	Unregister(src instance.Source, id string) (bool, error)

	// EvictAll 移除 src 持有的全部条目，返回移除数量
	EvictAll(src instance.Source) int

	// EvictMatching 移除所有匹配来源持有的条目
	EvictMatching(match instance.Matcher) int

	// Get 返回实例当前可见值
	Get(id string) (*instance.InstanceInfo, bool)

	// Snapshot 返回某一时刻全部可见值，按 ID 排序
	Snapshot() []*instance.InstanceInfo

	// View 在与写入互斥的状态下以快照调用 fn，
	// fn 返回前不会有任何变更通知发出
	View(fn func(snapshot []*instance.InstanceInfo))

	// Sources 返回持有实例的全部来源，按优先级从高到低
	Sources(id string) []instance.Source

	// Size 可见实例数
	Size() int

	// AddListener 注册变更监听，返回取消函数
	AddListener(l ChangeListener) (remove func())

	Close() error
}
