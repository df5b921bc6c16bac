package client

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v5"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

// retrier 记录连续失败次数并计算下一次等待，只由单个重连循环使用
type retrier struct {
	bo       *backoff.ExponentialBackOff
	max      int
	failures int
	clock    clock.Clock
	logger   clog.Logger
	counter  metrics.Counter
	kind     string
}

func newRetrier(cfg Config, kind string, o *options) *retrier {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.InitialBackoff
	bo.Multiplier = cfg.Multiplier
	bo.MaxInterval = cfg.MaxBackoff
	bo.Reset()
	return &retrier{
		bo:      bo,
		max:     cfg.MaxReconnects,
		clock:   o.clock,
		logger:  o.logger.With(clog.String("channel", kind)),
		counter: metrics.CounterOf(o.meter, metrics.MetricClientReconnects, "Client reconnect attempts"),
		kind:    kind,
	}
}

// succeeded 连接成功后清零
func (r *retrier) succeeded(ctx context.Context) {
	if r.failures > 0 {
		r.logger.Info("reconnected", clog.Int("failures", r.failures))
	}
	r.counter.Inc(ctx, metrics.L(metrics.LabelChannel, r.kind), metrics.L(metrics.LabelOutcome, metrics.OutcomeSuccess))
	r.failures = 0
	r.bo.Reset()
}

// failed 记录一次失败并等待退避。超过上限返回 ErrReconnectExhausted，
// 对端明确拒绝且不可重试时立即返回 ErrReconnectAborted
func (r *retrier) failed(ctx context.Context, cause error) error {
	r.failures++
	r.counter.Inc(ctx, metrics.L(metrics.LabelChannel, r.kind), metrics.L(metrics.LabelOutcome, metrics.OutcomeError))
	if permanent(cause) {
		r.logger.Error("rejected by server, not retrying",
			clog.String("code", xerrors.GetCode(cause)), clog.Error(cause))
		return xerrors.Join(ErrReconnectAborted, cause)
	}
	if r.max > 0 && r.failures > r.max {
		r.logger.Error("giving up reconnecting", clog.Int("failures", r.failures), clog.Error(cause))
		return xerrors.Wrapf(ErrReconnectExhausted, "%d consecutive failures, last: %v", r.failures, cause)
	}
	wait := r.bo.NextBackOff()
	r.logger.Warn("channel unavailable, retrying",
		clog.Int("failures", r.failures), clog.Duration("backoff", wait), clog.Error(cause))
	return r.sleep(ctx, wait)
}

func (r *retrier) sleep(ctx context.Context, d time.Duration) error {
	t := r.clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// permanent 带错误码的拒绝来自对端的判断，未标记可重试时重连也不会改变结果。
// 拨号失败与传输断开不带错误码，总是重试。
func permanent(err error) bool {
	return xerrors.GetCode(err) != "" && !xerrors.IsRetryable(err)
}
