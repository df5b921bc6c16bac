// Package index 在 Sourced Registry 之上维护按 Interest 划分的派生视图，
// 并向订阅者扇出变更通知。
//
// 每个不同的 Interest（以 Key 判等）只有一个索引，多个订阅共享它；
// 最后一个订阅关闭时索引随之丢弃。新建索引时在注册表的一致视图内
// 完成快照与挂载，快照与随后的实时流之间既不遗漏也不重复。
package index

import (
	"context"
	"slices"
	"sync"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/registry"
	"github.com/ceyewan/registrar/xerrors"
)

// ErrClosed Index Registry 已关闭
var ErrClosed = xerrors.New("index registry is closed")

// Source Index Registry 依赖的注册表能力
type Source interface {
	View(fn func(snapshot []*instance.InstanceInfo))
	AddListener(l registry.ChangeListener) (remove func())
}

type index struct {
	interest interest.Interest
	key      string
	members  map[string]*instance.InstanceInfo
	subs     map[*Subscription]struct{}
}

func newIndex(in interest.Interest, key string, all []*instance.InstanceInfo) *index {
	idx := &index{
		interest: in,
		key:      key,
		members:  make(map[string]*instance.InstanceInfo),
		subs:     make(map[*Subscription]struct{}),
	}
	for _, info := range all {
		if in.Matches(info) {
			idx.members[info.ID] = info
		}
	}
	return idx
}

// translate 把注册表层面的变化转换为本索引的成员变化
func (idx *index) translate(n interest.ChangeNotification) (interest.ChangeNotification, bool) {
	prev, was := idx.members[n.ID]
	now := n.Kind != interest.Delete && idx.interest.Matches(n.Instance)
	switch {
	case !was && now:
		idx.members[n.ID] = n.Instance
		return interest.NewAdd(n.Instance), true
	case was && !now:
		delete(idx.members, n.ID)
		return interest.NewDelete(prev), true
	case was && now:
		idx.members[n.ID] = n.Instance
		if prev.Equal(n.Instance) {
			return n, false
		}
		return interest.NewModify(n.Instance), true
	default:
		return n, false
	}
}

// Registry Index Registry
type Registry struct {
	source Source
	cfg    Config

	mu      sync.Mutex
	indexes map[string]*index
	batches int
	closed  bool

	detach func()

	logger      clog.Logger
	indexGauge  metrics.Gauge
	subGauge    metrics.Gauge
	overflowCnt metrics.Counter
}

// New 创建 Index Registry 并挂到 source 的变更流上
func New(source Source, cfg *Config, opts ...Option) (*Registry, error) {
	if source == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "index: source is nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	c := *cfg
	c.setDefaults()

	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}

	r := &Registry{
		source:      source,
		cfg:         c,
		indexes:     make(map[string]*index),
		logger:      o.logger,
		indexGauge:  metrics.GaugeOf(o.meter, metrics.MetricIndexCount, "Number of distinct interest indexes"),
		subGauge:    metrics.GaugeOf(o.meter, metrics.MetricIndexSubscribers, "Number of live subscriptions"),
		overflowCnt: metrics.CounterOf(o.meter, metrics.MetricIndexOverflows, "Subscriptions detached after queue overflow"),
	}
	r.detach = source.AddListener(r)
	return r, nil
}

// ForInterest 返回当前匹配实例的快照（按 ID 排序）与从该时刻开始的实时订阅
func (r *Registry) ForInterest(in interest.Interest) ([]*instance.InstanceInfo, *Subscription, error) {
	if err := in.Validate(); err != nil {
		return nil, nil, err
	}
	in = in.Normalize()
	key := in.Key()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrClosed
	}
	if idx, ok := r.indexes[key]; ok {
		snap, sub := r.subscribeLocked(idx)
		r.mu.Unlock()
		return snap, sub, nil
	}
	r.mu.Unlock()

	var (
		snap []*instance.InstanceInfo
		sub  *Subscription
		err  error
	)
	// 新索引需要在注册表一致视图内构建，View 期间不会有变更通知进来
	r.source.View(func(all []*instance.InstanceInfo) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			err = ErrClosed
			return
		}
		idx, ok := r.indexes[key]
		if !ok {
			idx = newIndex(in, key, all)
			r.indexes[key] = idx
			r.indexGauge.Set(context.Background(), float64(len(r.indexes)))
			r.logger.Debug("index created", clog.String("interest", key), clog.Int("members", len(idx.members)))
		}
		snap, sub = r.subscribeLocked(idx)
	})
	return snap, sub, err
}

func (r *Registry) subscribeLocked(idx *index) ([]*instance.InstanceInfo, *Subscription) {
	snap := make([]*instance.InstanceInfo, 0, len(idx.members))
	for _, info := range idx.members {
		snap = append(snap, info)
	}
	slices.SortFunc(snap, byID)

	sub := newSubscription(r, idx, r.cfg.QueueSize)
	if r.batches > 0 {
		sub.push(interest.NewBufferStart())
	}
	idx.subs[sub] = struct{}{}
	r.subGauge.Inc(context.Background())
	return snap, sub
}

// OnChange 实现 registry.ChangeListener
func (r *Registry) OnChange(n interest.ChangeNotification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, idx := range r.indexes {
		if out, ok := idx.translate(n); ok {
			r.fanoutLocked(idx, out)
		}
	}
}

// OnBatchStart 第一个打开的批次向所有订阅发送 BufferStart
func (r *Registry) OnBatchStart(src instance.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches++
	if r.batches == 1 {
		r.broadcastLocked(interest.NewBufferStart())
	}
}

// OnBatchEnd 最后一个批次结束时发送 BufferEnd，订阅看到的标记从不嵌套
func (r *Registry) OnBatchEnd(src instance.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.batches == 0 {
		r.logger.Warn("batch end without start", clog.Stringer("source", src))
		return
	}
	r.batches--
	if r.batches == 0 {
		r.broadcastLocked(interest.NewBufferEnd())
	}
}

func (r *Registry) broadcastLocked(n interest.ChangeNotification) {
	for _, idx := range r.indexes {
		r.fanoutLocked(idx, n)
	}
}

func (r *Registry) fanoutLocked(idx *index, n interest.ChangeNotification) {
	for sub := range idx.subs {
		if sub.push(n) {
			continue
		}
		r.removeSubLocked(sub)
		r.overflowCnt.Inc(context.Background())
		r.logger.Warn("subscription overflowed",
			clog.String("interest", idx.key), clog.Int("queue_size", r.cfg.QueueSize))
	}
}

func (r *Registry) unsubscribe(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeSubLocked(sub)
}

func (r *Registry) removeSubLocked(sub *Subscription) {
	idx := sub.idx
	if _, ok := idx.subs[sub]; !ok {
		return
	}
	delete(idx.subs, sub)
	r.subGauge.Dec(context.Background())
	if len(idx.subs) == 0 && r.indexes[idx.key] == idx {
		delete(r.indexes, idx.key)
		r.indexGauge.Set(context.Background(), float64(len(r.indexes)))
		r.logger.Debug("index discarded", clog.String("interest", idx.key))
	}
}

// Indexes 当前活跃的不同 Interest 数
func (r *Registry) Indexes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.indexes)
}

// Subscribers 指定 Interest 的订阅数
func (r *Registry) Subscribers(in interest.Interest) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.indexes[in.Key()]
	if !ok {
		return 0
	}
	return len(idx.subs)
}

// InBatch 是否有批次处于打开状态
func (r *Registry) InBatch() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.batches > 0
}

// Close 脱离注册表并关闭所有订阅
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	var subs []*Subscription
	for _, idx := range r.indexes {
		for sub := range idx.subs {
			subs = append(subs, sub)
		}
	}
	r.mu.Unlock()

	r.detach()
	for _, sub := range subs {
		sub.Close()
	}
	r.logger.Info("index registry closed", clog.Int("subscriptions", len(subs)))
	return nil
}
