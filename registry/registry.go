package registry

import (
	"context"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type listenerSlot struct {
	id int64
	l  ChangeListener
}

// sourcedRegistry 按实例 ID 分片加锁，不同实例的写入互不阻塞。
// epoch 读锁由所有写操作持有，Snapshot/View 持有写锁以获得一致视图。
type sourcedRegistry struct {
	epoch  sync.RWMutex
	shards [shardCount]shard

	listeners []listenerSlot
	nextID    int64

	size   atomic.Int64
	closed atomic.Bool

	logger    clog.Logger
	sizeGauge metrics.Gauge
	mutations metrics.Counter
	evictions metrics.Counter
}

// New 创建注册表
func New(opts ...Option) Registry {
	o := applyOptions(opts...)
	r := &sourcedRegistry{
		logger:    o.logger,
		sizeGauge: metrics.GaugeOf(o.meter, metrics.MetricRegistrySize, "Number of visible instances"),
		mutations: metrics.CounterOf(o.meter, metrics.MetricRegistryMutations, "Registry mutations by operation and outcome"),
		evictions: metrics.CounterOf(o.meter, metrics.MetricRegistryEvictions, "Holdings removed by eviction"),
	}
	for i := range r.shards {
		r.shards[i].entries = make(map[string]*entry)
	}
	return r
}

func (r *sourcedRegistry) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.shards[h.Sum32()%shardCount]
}

func (r *sourcedRegistry) Register(src instance.Source, info *instance.InstanceInfo) (Result, error) {
	if r.closed.Load() {
		return 0, ErrRegistryClosed
	}
	if src.IsZero() {
		return 0, ErrInvalidSource
	}
	if err := info.Validate(); err != nil {
		return 0, err
	}
	info = info.Clone()

	r.epoch.RLock()
	defer r.epoch.RUnlock()
	s := r.shardFor(info.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[info.ID]
	if !ok {
		e = &entry{}
	}
	before := e.visible()

	idx := e.find(src)
	if idx >= 0 {
		if e.holders[idx].info.Version >= info.Version {
			r.mutations.Inc(context.Background(),
				metrics.L(metrics.LabelOperation, "register"),
				metrics.L(metrics.LabelOutcome, metrics.OutcomeSuperseded))
			return Superseded, nil
		}
		e.holders[idx].info = info
	} else {
		e.holders = append(e.holders, holder{source: src, info: info})
	}
	if !ok {
		s.entries[info.ID] = e
		r.adjustSize(1)
	}

	r.emitLocked(before, e.visible())
	r.mutations.Inc(context.Background(),
		metrics.L(metrics.LabelOperation, "register"),
		metrics.L(metrics.LabelOutcome, metrics.OutcomeApplied))
	return Applied, nil
}

func (r *sourcedRegistry) Unregister(src instance.Source, id string) (bool, error) {
	if r.closed.Load() {
		return false, ErrRegistryClosed
	}
	if src.IsZero() {
		return false, ErrInvalidSource
	}
	if id == "" {
		return false, xerrors.Wrap(instance.ErrInvalidInstance, "empty id")
	}

	r.epoch.RLock()
	defer r.epoch.RUnlock()
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || e.find(src) < 0 {
		return false, nil
	}
	r.removeLocked(s, id, e, instance.MatchExact(src))
	r.mutations.Inc(context.Background(),
		metrics.L(metrics.LabelOperation, "unregister"),
		metrics.L(metrics.LabelOutcome, metrics.OutcomeApplied))
	return true, nil
}

func (r *sourcedRegistry) EvictAll(src instance.Source) int {
	return r.evict(instance.MatchExact(src), src.Origin.String())
}

func (r *sourcedRegistry) EvictMatching(match instance.Matcher) int {
	return r.evict(match, "matcher")
}

func (r *sourcedRegistry) evict(match instance.Matcher, label string) int {
	if match == nil || r.closed.Load() {
		return 0
	}
	r.epoch.RLock()
	defer r.epoch.RUnlock()

	total := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.Lock()
		for id, e := range s.entries {
			total += r.removeLocked(s, id, e, match)
		}
		s.mu.Unlock()
	}
	if total > 0 {
		r.evictions.Add(context.Background(), float64(total), metrics.L(metrics.LabelOrigin, label))
		r.logger.Info("evicted holdings", clog.String("target", label), clog.Int("count", total))
	}
	return total
}

// removeLocked 调用方持有 s.mu
func (r *sourcedRegistry) removeLocked(s *shard, id string, e *entry, match instance.Matcher) int {
	before := e.visible()
	n := e.removeMatching(match)
	if n == 0 {
		return 0
	}
	if len(e.holders) == 0 {
		delete(s.entries, id)
		r.adjustSize(-1)
	}
	r.emitLocked(before, e.visible())
	return n
}

// emitLocked 仅在可见值变化时通知监听者
func (r *sourcedRegistry) emitLocked(before, after *instance.InstanceInfo) {
	var n interest.ChangeNotification
	switch {
	case before == nil && after == nil:
		return
	case before == nil:
		n = interest.NewAdd(after)
	case after == nil:
		n = interest.NewDelete(before)
	case before.Equal(after):
		return
	default:
		n = interest.NewModify(after)
	}
	for _, slot := range r.listeners {
		slot.l.OnChange(n)
	}
}

func (r *sourcedRegistry) adjustSize(delta int64) {
	v := r.size.Add(delta)
	r.sizeGauge.Set(context.Background(), float64(v))
}

func (r *sourcedRegistry) Get(id string) (*instance.InstanceInfo, bool) {
	r.epoch.RLock()
	defer r.epoch.RUnlock()
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.entries[id].visible()
	return v, v != nil
}

func (r *sourcedRegistry) Sources(id string) []instance.Source {
	r.epoch.RLock()
	defer r.epoch.RUnlock()
	s := r.shardFor(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	return e.sources()
}

func (r *sourcedRegistry) Snapshot() []*instance.InstanceInfo {
	r.epoch.Lock()
	defer r.epoch.Unlock()
	return r.snapshotLocked()
}

func (r *sourcedRegistry) View(fn func(snapshot []*instance.InstanceInfo)) {
	r.epoch.Lock()
	defer r.epoch.Unlock()
	fn(r.snapshotLocked())
}

// snapshotLocked 调用方持有 epoch 写锁，此时没有写操作在进行，无需分片锁
func (r *sourcedRegistry) snapshotLocked() []*instance.InstanceInfo {
	out := make([]*instance.InstanceInfo, 0, r.size.Load())
	for i := range r.shards {
		for _, e := range r.shards[i].entries {
			if v := e.visible(); v != nil {
				out = append(out, v)
			}
		}
	}
	slices.SortFunc(out, func(a, b *instance.InstanceInfo) int { return strings.Compare(a.ID, b.ID) })
	return out
}

func (r *sourcedRegistry) Size() int {
	return int(r.size.Load())
}

func (r *sourcedRegistry) AddListener(l ChangeListener) func() {
	r.epoch.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, listenerSlot{id: id, l: l})
	r.epoch.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.epoch.Lock()
			r.listeners = slices.DeleteFunc(r.listeners, func(s listenerSlot) bool { return s.id == id })
			r.epoch.Unlock()
		})
	}
}

func (r *sourcedRegistry) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	r.logger.Info("registry closed", clog.Int("instances", r.Size()))
	return nil
}
