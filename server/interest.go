package server

import (
	"context"
	"sync"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/index"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

// InterestHandler 处理订阅通道。
//
// 每条通道同一时刻只有一个生效的 Interest。更换 Interest 时先确认请求，
// 再把新快照相对已送达集合的差异包在一对 Buffer 标记中发出，之后转发实时变化；
// 旧 Interest 的通知在新快照之后不会再出现。订阅溢出时自动重新订阅并补发差异。
type InterestHandler struct {
	index  *index.Registry
	logger clog.Logger

	handled metrics.Counter
	resyncs metrics.Counter
	active  metrics.Gauge

	mu       sync.Mutex
	sessions map[*interestSession]struct{}
}

// NewInterestHandler 创建订阅通道处理器
func NewInterestHandler(idx *index.Registry, opts ...Option) *InterestHandler {
	o := applyOptions(opts...)
	return &InterestHandler{
		index:    idx,
		logger:   o.logger.WithNamespace("interest"),
		handled:  metrics.CounterOf(o.meter, metrics.MetricServerHandledFrames, "Channel messages handled by the server"),
		resyncs:  metrics.CounterOf(o.meter, metrics.MetricServerResyncs, "Interest streams resynchronized after overflow"),
		active:   metrics.GaugeOf(o.meter, metrics.MetricServerSessions, "Open channel sessions"),
		sessions: make(map[*interestSession]struct{}),
	}
}

// Serve 接管一条订阅通道的传输
func (h *InterestHandler) Serve(t transport.Transport) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &interestSession{
		h:       h,
		t:       t,
		ctx:     ctx,
		cancel:  cancel,
		tracker: index.NewTracker(),
		logger:  h.logger.With(clog.String("remote", t.RemoteAddr())),
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.active.Inc(ctx, metrics.L(metrics.LabelChannel, string(transport.ChannelInterest)))

	s.logger.Debug("interest channel opened")
	t.Start(s)
}

// Sessions 当前打开的订阅通道数
func (h *InterestHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close 关闭所有订阅通道
func (h *InterestHandler) Close() {
	h.mu.Lock()
	sessions := make([]*interestSession, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.t.Close()
	}
}

type interestSession struct {
	h      *InterestHandler
	t      transport.Transport
	ctx    context.Context
	cancel context.CancelFunc
	logger clog.Logger

	// mu 串行化所有出站通知，gen 每次更换 Interest 递增，
	// 旧的转发协程发现 gen 变化后立即退出
	mu       sync.Mutex
	current  interest.Interest
	sub      *index.Subscription
	gen      uint64
	tracker  *index.Tracker
	finished bool
}

func (s *interestSession) OnMessage(m *transport.Message) {
	s.h.handled.Inc(s.ctx,
		metrics.L(metrics.LabelChannel, string(transport.ChannelInterest)),
		metrics.L(metrics.LabelKind, m.Kind.String()),
	)
	switch m.Kind {
	case transport.KindInterest:
		if m.Interest == nil {
			s.reply(m.Seq, xerrors.Wrap(interest.ErrMalformedInterest, "interest missing"))
			return
		}
		s.change(m.Seq, *m.Interest)
	case transport.KindHeartbeat:
		s.reply(m.Seq, nil)
	case transport.KindGoodbye:
		_ = s.t.Close()
	default:
		s.reply(m.Seq, xerrors.Wrapf(ErrUnexpectedMessage, "%s on interest channel", m.Kind))
	}
}

func (s *interestSession) change(seq uint64, in interest.Interest) {
	if err := in.Validate(); err != nil {
		s.reply(seq, err)
		return
	}
	in = in.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	snapshot, sub, err := s.h.index.ForInterest(in)
	if err != nil {
		s.replyLocked(seq, err)
		return
	}
	if s.sub != nil {
		s.sub.Close()
	}
	s.gen++
	s.current, s.sub = in, sub

	// 先确认再发快照差异，客户端在等待确认时不会被通知缓冲阻塞
	s.replyLocked(seq, nil)
	s.sendLocked(s.tracker.Resync(snapshot)...)
	s.logger.Debug("interest changed", clog.Stringer("interest", in), clog.Int("snapshot", len(snapshot)))
	go s.forward(sub, s.gen)
}

// forward 把订阅的实时变化经 Tracker 修正后发往对端
func (s *interestSession) forward(sub *index.Subscription, gen uint64) {
	for n := range sub.C() {
		s.mu.Lock()
		if s.gen != gen || s.finished {
			s.mu.Unlock()
			return
		}
		if n.Kind == interest.Gap {
			s.resubscribeLocked(gen)
			s.mu.Unlock()
			return
		}
		if out, ok := s.tracker.Observe(n); ok {
			s.sendLocked(out)
		}
		s.mu.Unlock()
	}
}

// resubscribeLocked 溢出后以同一 Interest 重新订阅，用差异补齐遗漏的变化
func (s *interestSession) resubscribeLocked(gen uint64) {
	s.h.resyncs.Inc(s.ctx, metrics.L(metrics.LabelChannel, string(transport.ChannelInterest)))
	snapshot, sub, err := s.h.index.ForInterest(s.current)
	if err != nil {
		s.logger.Error("resubscribe after overflow failed", clog.Error(err))
		_ = s.t.Close()
		return
	}
	s.sub = sub
	s.sendLocked(s.tracker.Resync(snapshot)...)
	s.logger.Warn("subscription overflowed, resynchronized", clog.Stringer("interest", s.current), clog.Int("snapshot", len(snapshot)))
	go s.forward(sub, gen)
}

func (s *interestSession) sendLocked(ns ...interest.ChangeNotification) {
	for _, n := range ns {
		if err := s.t.Send(s.ctx, transport.Notify(n)); err != nil {
			s.logger.Debug("notification not delivered", clog.Error(err))
			return
		}
	}
}

func (s *interestSession) reply(seq uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replyLocked(seq, err)
}

func (s *interestSession) replyLocked(seq uint64, err error) {
	resp := transport.Ack(seq)
	if err != nil {
		s.logger.Warn("interest request rejected", clog.Error(err))
		resp = transport.Nack(seq, classify(err))
	}
	if sendErr := s.t.Send(s.ctx, resp); sendErr != nil {
		s.logger.Debug("reply not delivered", clog.Error(sendErr))
	}
}

func (s *interestSession) OnClose(err error) {
	s.cancel()
	s.mu.Lock()
	s.finished = true
	if s.sub != nil {
		s.sub.Close()
	}
	s.mu.Unlock()

	s.h.mu.Lock()
	delete(s.h.sessions, s)
	s.h.mu.Unlock()
	s.h.active.Dec(context.Background(), metrics.L(metrics.LabelChannel, string(transport.ChannelInterest)))

	if err != nil {
		s.logger.Warn("interest channel lost", clog.Error(err))
		return
	}
	s.logger.Debug("interest channel closed")
}
