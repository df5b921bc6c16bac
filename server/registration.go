package server

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/registry"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

var (
	// ErrRateLimited 注册通道更新过于频繁
	ErrRateLimited = xerrors.New("registration rate limited")

	// ErrUnexpectedMessage 通道上出现了不属于该通道的消息
	ErrUnexpectedMessage = xerrors.New("unexpected message")
)

// RegistrationHandler 处理注册通道。
//
// 每条通道对应一个 Local 来源，通道上最多持有一个实例。
// 通道关闭或空闲超时后，其来源在宽限期后被驱逐；同一实例在宽限期内
// 经新通道重新注册时，先写入新来源的持有，再移除旧来源的持有并取消驱逐，
// 订阅者只会看到一次 Modify（版本相同且内容相同时没有通知）。
type RegistrationHandler struct {
	registry  registry.Registry
	evictions *registry.EvictionQueue
	name      string
	idle      time.Duration
	limit     rate.Limit
	burst     int
	clock     clock.Clock
	logger    clog.Logger

	handled     metrics.Counter
	rateLimited metrics.Counter
	active      metrics.Gauge

	mu       sync.Mutex
	sessions map[*registrationSession]struct{}
}

// NewRegistrationHandler 创建注册通道处理器，cfg 为 nil 时使用默认配置
func NewRegistrationHandler(reg registry.Registry, evictions *registry.EvictionQueue, cfg *Config, opts ...Option) (*RegistrationHandler, error) {
	c, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	o := applyOptions(opts...)
	return &RegistrationHandler{
		registry:    reg,
		evictions:   evictions,
		name:        c.Name,
		idle:        c.IdleTimeout,
		limit:       rate.Limit(c.RegistrationRate),
		burst:       c.RegistrationBurst,
		clock:       o.clock,
		logger:      o.logger.WithNamespace("registration"),
		handled:     metrics.CounterOf(o.meter, metrics.MetricServerHandledFrames, "Channel messages handled by the server"),
		rateLimited: metrics.CounterOf(o.meter, metrics.MetricServerRateLimited, "Registration updates rejected by the rate limiter"),
		active:      metrics.GaugeOf(o.meter, metrics.MetricServerSessions, "Open channel sessions"),
		sessions:    make(map[*registrationSession]struct{}),
	}, nil
}

// Serve 接管一条注册通道的传输
func (h *RegistrationHandler) Serve(t transport.Transport) {
	s := &registrationSession{
		h:       h,
		t:       t,
		src:     instance.NewSource(instance.OriginLocal, h.name),
		limiter: rate.NewLimiter(h.limit, h.burst),
	}
	s.logger = h.logger.With(clog.String("source", s.src.ID), clog.String("remote", t.RemoteAddr()))
	s.idle = h.clock.AfterFunc(h.idle, s.expire)

	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	h.active.Inc(context.Background(), metrics.L(metrics.LabelChannel, string(transport.ChannelRegistration)))

	s.logger.Debug("registration channel opened")
	t.Start(s)
}

// Sessions 当前打开的注册通道数
func (h *RegistrationHandler) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close 关闭所有注册通道
func (h *RegistrationHandler) Close() {
	h.mu.Lock()
	sessions := make([]*registrationSession, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()
	for _, s := range sessions {
		_ = s.t.Close()
	}
}

// takeOver 同一实例经新通道重新注册时，移除已断开通道留下的旧持有
func (h *RegistrationHandler) takeOver(current instance.Source, id string) {
	for _, old := range h.registry.Sources(id) {
		if old == current || old.Origin != instance.OriginLocal || !h.evictions.Scheduled(old) {
			continue
		}
		if _, err := h.registry.Unregister(old, id); err == nil {
			h.evictions.Cancel(old)
			h.logger.Info("registration taken over by new channel", clog.String("instance", id), clog.Stringer("previous", old))
		}
	}
}

type registrationSession struct {
	h       *RegistrationHandler
	t       transport.Transport
	src     instance.Source
	limiter *rate.Limiter
	idle    *clock.Timer
	logger  clog.Logger

	// 传输层保证回调串行，id 只在回调中读写
	id string
}

func (s *registrationSession) OnMessage(m *transport.Message) {
	ctx := context.Background()
	s.idle.Reset(s.h.idle)
	s.h.handled.Inc(ctx,
		metrics.L(metrics.LabelChannel, string(transport.ChannelRegistration)),
		metrics.L(metrics.LabelKind, m.Kind.String()),
	)

	var err error
	switch m.Kind {
	case transport.KindRegister, transport.KindUpdate:
		err = s.upsert(ctx, m.Instance)
	case transport.KindUnregister:
		err = s.unregister()
	case transport.KindHeartbeat:
	case transport.KindGoodbye:
		_ = s.t.Close()
		return
	default:
		err = xerrors.Wrapf(ErrUnexpectedMessage, "%s on registration channel", m.Kind)
	}
	s.reply(ctx, m.Seq, err)
}

func (s *registrationSession) upsert(ctx context.Context, info *instance.InstanceInfo) error {
	if !s.limiter.Allow() {
		s.h.rateLimited.Inc(ctx)
		return ErrRateLimited
	}
	if err := info.Validate(); err != nil {
		return err
	}
	if s.id != "" && s.id != info.ID {
		if _, err := s.h.registry.Unregister(s.src, s.id); err != nil {
			return err
		}
		s.logger.Info("registration replaced", clog.String("previous", s.id), clog.String("instance", info.ID))
	}
	result, err := s.h.registry.Register(s.src, info)
	if err != nil {
		return err
	}
	s.id = info.ID
	s.h.takeOver(s.src, info.ID)
	s.logger.Debug("instance registered", clog.String("instance", info.ID), clog.Int64("version", info.Version), clog.Stringer("result", result))
	return nil
}

func (s *registrationSession) unregister() error {
	if s.id == "" {
		return nil
	}
	if _, err := s.h.registry.Unregister(s.src, s.id); err != nil {
		return err
	}
	s.logger.Debug("instance unregistered", clog.String("instance", s.id))
	s.id = ""
	return nil
}

func (s *registrationSession) reply(ctx context.Context, seq uint64, err error) {
	resp := transport.Ack(seq)
	if err != nil {
		s.logger.Warn("registration request rejected", clog.Error(err))
		resp = transport.Nack(seq, classify(err))
	}
	if sendErr := s.t.Send(ctx, resp); sendErr != nil {
		s.logger.Debug("reply not delivered", clog.Error(sendErr))
	}
}

// classify 为回复附加错误码，客户端据此决定是否重试
func classify(err error) error {
	if xerrors.GetCode(err) != "" {
		return err
	}
	switch {
	case xerrors.Is(err, ErrRateLimited):
		return xerrors.WithCode(err, transport.CodeRateLimited)
	case xerrors.Is(err, registry.ErrRegistryClosed):
		return xerrors.WithCode(err, transport.CodeUnavailable)
	case xerrors.Is(err, instance.ErrInvalidInstance),
		xerrors.Is(err, interest.ErrMalformedInterest),
		xerrors.Is(err, ErrUnexpectedMessage):
		return xerrors.WithCode(err, transport.CodeInvalid)
	default:
		return err
	}
}

func (s *registrationSession) expire() {
	s.logger.Warn("registration channel idle, closing", clog.Duration("idle_timeout", s.h.idle))
	_ = s.t.Close()
}

func (s *registrationSession) OnClose(err error) {
	s.idle.Stop()
	s.h.mu.Lock()
	delete(s.h.sessions, s)
	s.h.mu.Unlock()
	s.h.active.Dec(context.Background(), metrics.L(metrics.LabelChannel, string(transport.ChannelRegistration)))

	s.h.evictions.Schedule(s.src)
	if err != nil {
		s.logger.Warn("registration channel lost", clog.Error(err), clog.String("instance", s.id))
		return
	}
	s.logger.Debug("registration channel closed", clog.String("instance", s.id))
}

func resolveConfig(cfg *Config) (Config, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}
