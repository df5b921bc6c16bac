package client

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/registrar/batching"
	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/channel/channeltest"
	"github.com/ceyewan/registrar/index"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/registry"
	"github.com/ceyewan/registrar/testkit"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func fastConfig() *Config {
	return &Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, ConnectTimeout: time.Second}
}

func lastRegistration(f *channeltest.Factory) *channeltest.RegistrationChannel {
	regs := f.Registrations()
	if len(regs) == 0 {
		return nil
	}
	return regs[len(regs)-1]
}

func lastInterest(f *channeltest.Factory) *channeltest.InterestChannel {
	ins := f.Interests()
	if len(ins) == 0 {
		return nil
	}
	return ins[len(ins)-1]
}

func recv(t *testing.T, ch <-chan interest.ChangeNotification) interest.ChangeNotification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "notification stream closed")
		return n
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for notification")
		return interest.ChangeNotification{}
	}
}

func kinds(t *testing.T, ch <-chan interest.ChangeNotification, n int) ([]interest.NotificationKind, []string) {
	t.Helper()
	var ks []interest.NotificationKind
	var ids []string
	for i := 0; i < n; i++ {
		got := recv(t, ch)
		ks = append(ks, got.Kind)
		ids = append(ids, got.ID)
	}
	return ks, ids
}

func TestConfigDefaults(t *testing.T) {
	c, err := resolveConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, c.InitialBackoff)
	assert.Equal(t, 2.0, c.Multiplier)
	assert.Equal(t, 30*time.Second, c.MaxBackoff)
	assert.Zero(t, c.MaxReconnects)

	_, err = resolveConfig(&Config{MaxReconnects: -1})
	assert.Error(t, err)
	_, err = resolveConfig(&Config{InitialBackoff: time.Second, MaxBackoff: time.Millisecond})
	assert.Error(t, err)
}

func TestRegistrationClientReplaysAfterReconnect(t *testing.T) {
	f := channeltest.NewFactory()
	rc, err := NewRegistrationClient(f, fastConfig(), WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	defer rc.Close()

	require.Eventually(t, rc.Connected, waitFor, tick)
	ctx := context.Background()
	info := testkit.NewInstance("orders")
	require.NoError(t, rc.Register(ctx, info))
	require.NoError(t, rc.Register(ctx, info.Next(func(i *instance.InstanceInfo) { i.Status = instance.StatusDown })))

	first := f.Registrations()[0]
	assert.Equal(t, []transport.Kind{transport.KindRegister, transport.KindUpdate}, first.Kinds())

	first.Fail(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		c := lastRegistration(f)
		return len(f.Registrations()) == 2 && c.Registered() != nil
	}, waitFor, tick)

	replayed := lastRegistration(f).Registered()
	assert.Equal(t, info.ID, replayed.ID)
	assert.Equal(t, int64(2), replayed.Version, "latest version is replayed")
	assert.Equal(t, instance.StatusDown, replayed.Status)

	require.NoError(t, rc.Unregister(ctx))
	assert.Nil(t, rc.Registered())
	lastRegistration(f).Fail(errors.New("connection reset"))
	require.Eventually(t, func() bool {
		return len(f.Registrations()) == 3 && rc.Connected()
	}, waitFor, tick)
	assert.Empty(t, lastRegistration(f).Kinds(), "nothing replayed after unregister")
}

func TestRegistrationClientDefersWhileDisconnected(t *testing.T) {
	f := channeltest.NewFactory()
	f.Connect = func(n int) error {
		if n < 3 {
			return errors.New("refused")
		}
		return nil
	}
	rc, err := NewRegistrationClient(f, fastConfig())
	require.NoError(t, err)
	defer rc.Close()

	info := testkit.NewInstance("billing")
	require.NoError(t, rc.Register(context.Background(), info))
	require.Eventually(t, func() bool {
		c := lastRegistration(f)
		return c != nil && c.Registered() != nil
	}, waitFor, tick)
	assert.Equal(t, info.ID, lastRegistration(f).Registered().ID)
	assert.GreaterOrEqual(t, len(f.Registrations()), 4)
}

func TestRegistrationClientGivesUp(t *testing.T) {
	f := channeltest.NewFactory()
	f.Connect = func(n int) error {
		if n == 0 {
			return nil
		}
		return errors.New("refused")
	}
	cfg := fastConfig()
	cfg.MaxReconnects = 2
	rc, err := NewRegistrationClient(f, cfg)
	require.NoError(t, err)
	defer rc.Close()

	require.Eventually(t, rc.Connected, waitFor, tick)
	f.Registrations()[0].Fail(errors.New("reset"))

	select {
	case <-rc.Done():
	case <-time.After(waitFor):
		t.Fatal("client did not give up")
	}
	assert.ErrorIs(t, rc.Err(), ErrReconnectExhausted)
	assert.ErrorIs(t, rc.Register(context.Background(), testkit.NewInstance("x")), ErrReconnectExhausted)
	// 1 次成功 + 1 次断开 + 2 次重试
	assert.Len(t, f.Registrations(), 3)
}

func TestRegistrationClientReplayRejection(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		giveUp   bool
		channels int
	}{
		{"invalid instance aborts", transport.CodeInvalid, true, 2},
		{"default code aborts", transport.CodeRejected, true, 2},
		{"rate limited retries", transport.CodeRateLimited, false, 3},
		{"unavailable retries", transport.CodeUnavailable, false, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := channeltest.NewFactory()
			f.Reject = func(n int, _ *instance.InstanceInfo) error {
				if n == 1 {
					return channel.NewRejection(tt.code, "replay refused")
				}
				return nil
			}
			rc, err := NewRegistrationClient(f, fastConfig())
			require.NoError(t, err)
			defer rc.Close()

			info := testkit.NewInstance("orders")
			require.Eventually(t, rc.Connected, waitFor, tick)
			require.NoError(t, rc.Register(context.Background(), info))
			f.Registrations()[0].Fail(errors.New("reset"))

			if tt.giveUp {
				select {
				case <-rc.Done():
				case <-time.After(waitFor):
					t.Fatal("client kept retrying a permanent rejection")
				}
				assert.ErrorIs(t, rc.Err(), ErrReconnectAborted)
				assert.ErrorIs(t, rc.Err(), channel.ErrRejected)
				assert.Equal(t, tt.code, xerrors.GetCode(rc.Err()))
				assert.Len(t, f.Registrations(), tt.channels)
				return
			}
			require.Eventually(t, func() bool {
				c := lastRegistration(f)
				return len(f.Registrations()) >= tt.channels && c.Registered() != nil
			}, waitFor, tick)
			assert.Equal(t, info.ID, lastRegistration(f).Registered().ID)
			assert.NoError(t, rc.Err())
		})
	}
}

func TestRegistrationClientRejectsInvalid(t *testing.T) {
	rc, err := NewRegistrationClient(channeltest.NewFactory(), fastConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, rc.Register(context.Background(), &instance.InstanceInfo{ID: "no-app"}), instance.ErrInvalidInstance)
	require.NoError(t, rc.Close())
	assert.NoError(t, rc.Err())
	assert.ErrorIs(t, rc.Unregister(context.Background()), ErrClientClosed)

	_, err = NewRegistrationClient(nil, nil)
	assert.Error(t, err)
}

func TestInterestClientForwardsAndResyncs(t *testing.T) {
	f := channeltest.NewFactory()
	ic, err := NewInterestClient(f, fastConfig())
	require.NoError(t, err)
	defer ic.Close()

	ctx := context.Background()
	require.NoError(t, ic.ForInterest(ctx, interest.ForApplications("orders")))
	require.Eventually(t, func() bool {
		c := lastInterest(f)
		return c != nil && len(c.Interests()) == 1
	}, waitFor, tick)

	a := testkit.NewInstance("orders")
	b := testkit.NewInstance("orders")
	ch0 := lastInterest(f)
	ch0.Push(interest.NewBufferStart(), interest.NewAdd(a), interest.NewAdd(b), interest.NewBufferEnd())
	ks, _ := kinds(t, ic.Notifications(), 4)
	assert.Equal(t, []interest.NotificationKind{interest.BufferStart, interest.Add, interest.Add, interest.BufferEnd}, ks)

	// 重复的 Add 被吞掉
	a2 := a.Next(func(i *instance.InstanceInfo) { i.Status = instance.StatusDown })
	ch0.Push(interest.NewAdd(a), interest.NewModify(a2))
	got := recv(t, ic.Notifications())
	assert.Equal(t, interest.Modify, got.Kind)
	assert.Equal(t, a.ID, got.ID)

	// 重连后服务端发完整快照，客户端只输出差异
	ch0.Fail(errors.New("reset"))
	require.Eventually(t, func() bool {
		return len(f.Interests()) == 2 && len(lastInterest(f).Interests()) == 1
	}, waitFor, tick)
	assert.True(t, interest.ForApplications("orders").Equal(lastInterest(f).Interests()[0]))

	c := testkit.NewInstance("orders")
	lastInterest(f).Push(interest.NewBufferStart(), interest.NewAdd(a2), interest.NewAdd(c), interest.NewBufferEnd())
	ks, ids := kinds(t, ic.Notifications(), 4)
	assert.Equal(t, []interest.NotificationKind{interest.BufferStart, interest.Delete, interest.Add, interest.BufferEnd}, ks)
	assert.Equal(t, b.ID, ids[1])
	assert.Equal(t, c.ID, ids[2])
}

func TestInterestClientCloseEndsStream(t *testing.T) {
	f := channeltest.NewFactory()
	ic, err := NewInterestClient(f, fastConfig())
	require.NoError(t, err)

	assert.Error(t, ic.ForInterest(context.Background(), interest.Interest{Kind: interest.KindApplication}))
	_, declared := ic.Interest()
	assert.False(t, declared)

	require.NoError(t, ic.Close())
	for range ic.Notifications() {
	}
	assert.ErrorIs(t, ic.ForInterest(context.Background(), interest.Full()), ErrClientClosed)
}

type mirror struct {
	reg     registry.Registry
	idx     *index.Registry
	batches *batching.Registry
}

func newMirror(t *testing.T) mirror {
	t.Helper()
	reg := registry.New()
	idx, err := index.New(reg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = idx.Close()
		_ = reg.Close()
	})
	return mirror{reg: reg, idx: idx, batches: batching.New(idx)}
}

func TestFullFetchMirrorsAndSwapsSources(t *testing.T) {
	m := newMirror(t)
	f := channeltest.NewFactory()
	cfg := fastConfig()
	cfg.Name = "write-cluster"
	fc, err := NewFullFetchInterestClient(f, m.reg, m.batches, cfg)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		c := lastInterest(f)
		return c != nil && len(c.Interests()) == 1
	}, waitFor, tick)
	assert.True(t, interest.Full().Equal(lastInterest(f).Interests()[0]))

	a := testkit.NewInstance("orders")
	b := testkit.NewInstance("billing")
	lastInterest(f).Push(interest.NewBufferStart(), interest.NewAdd(a), interest.NewAdd(b), interest.NewBufferEnd())
	require.Eventually(t, func() bool { return fc.Synced() && m.reg.Size() == 2 }, waitFor, tick)

	srcs := m.reg.Sources(a.ID)
	require.Len(t, srcs, 1)
	assert.Equal(t, instance.OriginReplicated, srcs[0].Origin)
	assert.Equal(t, "write-cluster", srcs[0].Name)
	assert.Equal(t, fc.Source(), srcs[0])

	lastInterest(f).Push(interest.NewDelete(b))
	require.Eventually(t, func() bool { return m.reg.Size() == 1 }, waitFor, tick)

	_, sub, err := m.idx.ForInterest(interest.Full())
	require.NoError(t, err)
	defer sub.Close()

	// 断开后旧数据保留，直到新通道完成首次同步
	lastInterest(f).Fail(errors.New("reset"))
	require.Eventually(t, func() bool { return len(f.Interests()) == 2 && len(lastInterest(f).Interests()) == 1 }, waitFor, tick)
	_, ok := m.reg.Get(a.ID)
	assert.True(t, ok)

	c := testkit.NewInstance("search")
	lastInterest(f).Push(interest.NewBufferStart(), interest.NewAdd(c), interest.NewBufferEnd())
	require.Eventually(t, func() bool {
		_, hasA := m.reg.Get(a.ID)
		_, hasC := m.reg.Get(c.ID)
		return !hasA && hasC
	}, waitFor, tick)

	var got []interest.NotificationKind
	for len(got) < 4 {
		got = append(got, recv(t, sub.C()).Kind)
	}
	assert.Equal(t, []interest.NotificationKind{interest.BufferStart, interest.Add, interest.Delete, interest.BufferEnd}, got,
		"swap is delivered as a single batch")

	// 其它来源的数据不受 Close 影响
	other := testkit.NewInstance("local")
	_, err = m.reg.Register(instance.NewSource(instance.OriginReplicated, "other-cluster"), other)
	require.NoError(t, err)

	require.NoError(t, fc.Close())
	assert.Equal(t, 1, m.reg.Size(), "mirrored data evicted on close")
	_, ok = m.reg.Get(other.ID)
	assert.True(t, ok)
	assert.NoError(t, fc.Err())
}

func TestFullFetchDiscardsUnsyncedSource(t *testing.T) {
	m := newMirror(t)
	f := channeltest.NewFactory()
	fc, err := NewFullFetchInterestClient(f, m.reg, m.batches, fastConfig())
	require.NoError(t, err)
	defer fc.Close()

	require.Eventually(t, func() bool { c := lastInterest(f); return c != nil && len(c.Interests()) == 1 }, waitFor, tick)
	a := testkit.NewInstance("orders")
	lastInterest(f).Push(interest.NewBufferStart(), interest.NewAdd(a), interest.NewBufferEnd())
	require.Eventually(t, fc.Synced, waitFor, tick)

	// 第二条通道在同步前断开：已同步的旧数据保留
	lastInterest(f).Fail(errors.New("reset"))
	require.Eventually(t, func() bool { return len(f.Interests()) == 2 && len(lastInterest(f).Interests()) == 1 }, waitFor, tick)
	lastInterest(f).Push(interest.NewBufferStart(), interest.NewAdd(testkit.NewInstance("partial")))
	lastInterest(f).Fail(errors.New("reset"))
	require.Eventually(t, func() bool { return len(f.Interests()) == 3 && len(lastInterest(f).Interests()) == 1 }, waitFor, tick)

	assert.Equal(t, 1, m.reg.Size())
	_, ok := m.reg.Get(a.ID)
	assert.True(t, ok)

	lastInterest(f).Push(interest.NewBufferStart(), interest.NewBufferEnd())
	require.Eventually(t, func() bool { return m.reg.Size() == 0 }, waitFor, tick)
}
