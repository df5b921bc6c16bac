package index

import (
	"sync"

	"github.com/ceyewan/registrar/interest"
)

// Subscription 某个 Interest 的一条实时通知流。
//
// 通知先进入有界队列，再由独立的 goroutine 投递到 C()，生产者从不阻塞。
// 队列溢出时积压的通知被丢弃并替换为一个 Gap，订阅随即与索引断开，
// C() 在投递 Gap 之后关闭，消费者需要重新订阅。
type Subscription struct {
	owner    *Registry
	idx      *index
	interest interest.Interest

	mu         sync.Mutex
	queue      []interest.ChangeNotification
	limit      int
	overflowed bool

	signal    chan struct{}
	out       chan interest.ChangeNotification
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscription(owner *Registry, idx *index, limit int) *Subscription {
	s := &Subscription{
		owner:    owner,
		idx:      idx,
		interest: idx.interest,
		limit:    limit,
		signal:   make(chan struct{}, 1),
		out:      make(chan interest.ChangeNotification),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// Interest 订阅条件（规范形式）
func (s *Subscription) Interest() interest.Interest { return s.interest }

// C 通知流，订阅关闭或溢出后关闭
func (s *Subscription) C() <-chan interest.ChangeNotification { return s.out }

// Overflowed 是否因队列溢出而断开
func (s *Subscription) Overflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.overflowed
}

// Close 立即停止投递，可重复调用
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.owner.unsubscribe(s)
		close(s.done)
	})
}

// push 入队，返回 false 表示已溢出需要从索引摘除
func (s *Subscription) push(n interest.ChangeNotification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overflowed {
		return false
	}
	if len(s.queue) >= s.limit {
		s.queue = []interest.ChangeNotification{interest.NewGap()}
		s.overflowed = true
		s.notify()
		return false
	}
	s.queue = append(s.queue, n)
	s.notify()
	return true
}

func (s *Subscription) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for {
			s.mu.Lock()
			batch := s.queue
			s.queue = nil
			finished := len(batch) == 0 && s.overflowed
			s.mu.Unlock()

			if finished {
				return
			}
			if len(batch) == 0 {
				break
			}
			for _, n := range batch {
				select {
				case s.out <- n:
				case <-s.done:
					return
				}
			}
		}
	}
}
