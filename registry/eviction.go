package registry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
)

// DefaultEvictionGrace 连接断开后保留其注册数据的时长
const DefaultEvictionGrace = 30 * time.Second

// Evicter 驱逐队列依赖的最小接口
type Evicter interface {
	EvictAll(src instance.Source) int
}

// EvictionQueue 延迟驱逐。连接断开时调度，宽限期内同名来源恢复可取消。
type EvictionQueue struct {
	target Evicter
	grace  time.Duration
	clock  clock.Clock
	logger clog.Logger

	mu      sync.Mutex
	pending map[instance.Source]*clock.Timer
	closed  bool
}

// NewEvictionQueue 创建驱逐队列，grace <= 0 时使用 DefaultEvictionGrace
func NewEvictionQueue(target Evicter, grace time.Duration, opts ...Option) *EvictionQueue {
	o := applyOptions(opts...)
	if grace <= 0 {
		grace = DefaultEvictionGrace
	}
	return &EvictionQueue{
		target:  target,
		grace:   grace,
		clock:   o.clock,
		logger:  o.logger.WithNamespace("eviction"),
		pending: make(map[instance.Source]*clock.Timer),
	}
}

// Schedule 在宽限期后驱逐 src 的全部持有，重复调度会重置计时
func (q *EvictionQueue) Schedule(src instance.Source) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	if t, ok := q.pending[src]; ok {
		t.Stop()
	}
	var t *clock.Timer
	t = q.clock.AfterFunc(q.grace, func() {
		q.mu.Lock()
		if q.pending[src] != t {
			q.mu.Unlock()
			return
		}
		delete(q.pending, src)
		q.mu.Unlock()

		n := q.target.EvictAll(src)
		q.logger.Info("grace period expired", clog.Stringer("source", src), clog.Int("evicted", n))
	})
	q.pending[src] = t
	q.logger.Debug("eviction scheduled", clog.Stringer("source", src), clog.Duration("grace", q.grace))
}

// Cancel 取消 src 的待驱逐任务
func (q *EvictionQueue) Cancel(src instance.Source) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.pending[src]
	if !ok {
		return false
	}
	t.Stop()
	delete(q.pending, src)
	return true
}

// Scheduled src 是否在等待驱逐
func (q *EvictionQueue) Scheduled(src instance.Source) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[src]
	return ok
}

// Pending 待驱逐的来源数
func (q *EvictionQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Flush 立即执行全部待驱逐任务
func (q *EvictionQueue) Flush() int {
	q.mu.Lock()
	srcs := make([]instance.Source, 0, len(q.pending))
	for src, t := range q.pending {
		t.Stop()
		srcs = append(srcs, src)
	}
	clear(q.pending)
	q.mu.Unlock()

	n := 0
	for _, src := range srcs {
		n += q.target.EvictAll(src)
	}
	return n
}

// Close 停止所有计时器，未到期的驱逐不再执行
func (q *EvictionQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, t := range q.pending {
		t.Stop()
	}
	clear(q.pending)
}
