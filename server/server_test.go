package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/client"
	"github.com/ceyewan/registrar/index"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/resolver"
	"github.com/ceyewan/registrar/testkit"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type harness struct {
	srv     *Server
	network *transport.MemoryNetwork
	clock   *clock.Mock
	target  resolver.Resolver
}

func newWriteHarness(t *testing.T, cfg *Config) *harness {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Name == "" {
		cfg.Name = "write-1"
	}
	mock := clock.NewMock()
	srv, err := NewWriteServer(cfg, WithClock(mock), WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	network := transport.NewMemoryNetwork()
	require.NoError(t, srv.ListenMemory(network, "w1:1"))
	t.Cleanup(func() { _ = srv.Close() })
	return &harness{
		srv:     srv,
		network: network,
		clock:   mock,
		target:  resolver.FromEndpoints(resolver.Endpoint{Host: "w1", Port: 1}),
	}
}

func (h *harness) registration(t *testing.T) *channel.RegistrationChannel {
	t.Helper()
	ch, err := channel.NewRegistrationChannel(h.target, h.network, &channel.Config{HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func (h *harness) subscribe(t *testing.T) *channel.InterestChannel {
	t.Helper()
	ch, err := channel.NewInterestChannel(h.target, h.network, nil)
	require.NoError(t, err)
	require.NoError(t, ch.Connect(context.Background()))
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func (h *harness) localSource() instance.Source {
	return instance.NewSource(instance.OriginLocal, "direct")
}

func next(t *testing.T, ch <-chan interest.ChangeNotification) interest.ChangeNotification {
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

func quiet(t *testing.T, ch <-chan interest.ChangeNotification) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("unexpected notification %s", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConfigDefaults(t *testing.T) {
	c, err := resolveConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "registrar", c.Name)
	assert.Equal(t, 30*time.Second, c.EvictionGracePeriod)
	assert.Equal(t, 3*c.HeartbeatInterval, c.IdleTimeout)

	_, err = resolveConfig(&Config{HeartbeatInterval: time.Minute, IdleTimeout: time.Second})
	assert.Error(t, err)
}

func TestRegistrationEvictedAfterGrace(t *testing.T) {
	h := newWriteHarness(t, &Config{EvictionGracePeriod: 10 * time.Second})
	ch := h.registration(t)
	info := testkit.NewInstance("orders")
	require.NoError(t, ch.Register(context.Background(), info))

	got, ok := h.srv.Registry().Get(info.ID)
	require.True(t, ok)
	assert.True(t, info.Equal(got))
	srcs := h.srv.Registry().Sources(info.ID)
	require.Len(t, srcs, 1)
	assert.Equal(t, instance.OriginLocal, srcs[0].Origin)
	assert.Equal(t, "write-1", srcs[0].Name)
	assert.Equal(t, 1, h.srv.Report().Sessions)

	require.NoError(t, ch.Close())
	require.Eventually(t, func() bool {
		r := h.srv.Report()
		return r.Sessions == 0 && r.PendingEvictions == 1
	}, waitFor, tick)

	h.clock.Add(9 * time.Second)
	assert.Equal(t, 1, h.srv.Registry().Size(), "kept during grace period")
	h.clock.Add(time.Second)
	require.Eventually(t, func() bool { return h.srv.Registry().Size() == 0 }, waitFor, tick)
}

func TestRegistrationOperations(t *testing.T) {
	h := newWriteHarness(t, nil)
	ch := h.registration(t)
	ctx := context.Background()

	a := testkit.NewInstance("orders")
	require.NoError(t, ch.Register(ctx, a))
	require.NoError(t, ch.Update(ctx, a.Next(func(i *instance.InstanceInfo) { i.Status = instance.StatusDown })))
	got, _ := h.srv.Registry().Get(a.ID)
	assert.Equal(t, instance.StatusDown, got.Status)

	// 同一通道注册另一个实例时替换原实例
	b := testkit.NewInstance("orders")
	require.NoError(t, ch.Register(ctx, b))
	_, ok := h.srv.Registry().Get(a.ID)
	assert.False(t, ok)
	_, ok = h.srv.Registry().Get(b.ID)
	assert.True(t, ok)

	require.NoError(t, ch.Heartbeat(ctx))
	require.NoError(t, ch.Unregister(ctx))
	assert.Zero(t, h.srv.Registry().Size())
	require.NoError(t, ch.Unregister(ctx), "unregister without registration is a no-op")
}

func TestIdleRegistrationChannelClosed(t *testing.T) {
	h := newWriteHarness(t, &Config{HeartbeatInterval: 10 * time.Second})
	ch := h.registration(t)
	require.NoError(t, ch.Register(context.Background(), testkit.NewInstance("orders")))

	h.clock.Add(29 * time.Second)
	require.NoError(t, ch.Heartbeat(context.Background()))
	h.clock.Add(29 * time.Second)
	assert.Equal(t, channel.StateConnected, ch.State(), "heartbeat resets the idle timer")

	h.clock.Add(2 * time.Second)
	select {
	case <-ch.Done():
	case <-time.After(waitFor):
		t.Fatal("idle channel not closed")
	}
	require.Eventually(t, func() bool { return h.srv.Report().PendingEvictions == 1 }, waitFor, tick)
}

func TestRegistrationRateLimited(t *testing.T) {
	h := newWriteHarness(t, &Config{RegistrationRate: 0.001, RegistrationBurst: 2})
	ch := h.registration(t)
	ctx := context.Background()

	info := testkit.NewInstance("orders")
	require.NoError(t, ch.Register(ctx, info))
	info = info.Next(nil)
	require.NoError(t, ch.Update(ctx, info))
	err := ch.Update(ctx, info.Next(nil))
	require.ErrorIs(t, err, channel.ErrRejected)
	assert.Contains(t, err.Error(), ErrRateLimited.Error())
	assert.Equal(t, transport.CodeRateLimited, xerrors.GetCode(err))
	assert.True(t, xerrors.IsRetryable(err), "rate limiting is transient")

	got, _ := h.srv.Registry().Get(info.ID)
	assert.Equal(t, info.Version, got.Version)
	require.NoError(t, ch.Heartbeat(ctx), "heartbeats are not rate limited")
}

func TestRegistrationRejectsMalformedFrames(t *testing.T) {
	h := newWriteHarness(t, nil)
	conn, err := h.network.Dial(context.Background(), "w1:1", false, transport.ChannelRegistration)
	require.NoError(t, err)
	replies := make(chan *transport.Message, 4)
	conn.Start(transport.Handlers{Message: func(m *transport.Message) { replies <- m }})
	defer conn.Close()

	ctx := context.Background()
	require.NoError(t, conn.Send(ctx, &transport.Message{Kind: transport.KindRegister, Seq: 1, Instance: &instance.InstanceInfo{ID: "x"}}))
	require.NoError(t, conn.Send(ctx, &transport.Message{Kind: transport.KindInterest, Seq: 2}))

	for _, want := range []uint64{1, 2} {
		select {
		case m := <-replies:
			assert.Equal(t, transport.KindError, m.Kind)
			assert.Equal(t, want, m.Seq)
			assert.Equal(t, transport.CodeInvalid, m.Code)
		case <-time.After(waitFor):
			t.Fatal("no reply")
		}
	}
	assert.Zero(t, h.srv.Registry().Size())
}

// subscribeFull 订阅全部实例，并消费含 want 个 Add 的初始快照
func (h *harness) subscribeFull(t *testing.T, want int) *channel.InterestChannel {
	t.Helper()
	ch := h.subscribe(t)
	require.NoError(t, ch.Change(context.Background(), interest.Full()))
	require.Equal(t, interest.BufferStart, next(t, ch.Notifications()).Kind)
	for i := 0; i < want; i++ {
		require.Equal(t, interest.Add, next(t, ch.Notifications()).Kind)
	}
	require.Equal(t, interest.BufferEnd, next(t, ch.Notifications()).Kind)
	return ch
}

func TestReregistrationTakesOverClosedChannel(t *testing.T) {
	h := newWriteHarness(t, nil)
	ctx := context.Background()
	info := testkit.NewInstance("orders")

	first := h.registration(t)
	require.NoError(t, first.Register(ctx, info))
	sub := h.subscribeFull(t, 1)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return h.srv.Report().PendingEvictions == 1 }, waitFor, tick)

	second := h.registration(t)
	require.NoError(t, second.Register(ctx, info.Next(nil)))

	// 订阅者只看到一次 Modify，中间不会出现 Delete/Add
	n := next(t, sub.Notifications())
	assert.Equal(t, interest.Modify, n.Kind)
	assert.Equal(t, info.ID, n.ID)
	require.NotNil(t, n.Instance)
	assert.Equal(t, info.Version+1, n.Instance.Version)
	quiet(t, sub.Notifications())

	assert.Len(t, h.srv.Registry().Sources(info.ID), 1)
	assert.Zero(t, h.srv.Report().PendingEvictions, "eviction cancelled")
	got, _ := h.srv.Registry().Get(info.ID)
	assert.Equal(t, info.Version+1, got.Version)

	// 旧来源的驱逐不会影响新通道的注册
	h.clock.Add(time.Hour)
	_, ok := h.srv.Registry().Get(info.ID)
	assert.True(t, ok)
	quiet(t, sub.Notifications())
}

func TestReregistrationWithSameVersionIsSilent(t *testing.T) {
	h := newWriteHarness(t, nil)
	ctx := context.Background()
	info := testkit.NewInstance("orders")

	first := h.registration(t)
	require.NoError(t, first.Register(ctx, info))
	sub := h.subscribeFull(t, 1)
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return h.srv.Report().PendingEvictions == 1 }, waitFor, tick)

	second := h.registration(t)
	require.NoError(t, second.Register(ctx, info))
	quiet(t, sub.Notifications())

	assert.Len(t, h.srv.Registry().Sources(info.ID), 1)
	assert.Zero(t, h.srv.Report().PendingEvictions)
	got, ok := h.srv.Registry().Get(info.ID)
	require.True(t, ok)
	assert.True(t, got.Equal(info))

	h.clock.Add(time.Hour)
	quiet(t, sub.Notifications())
}

func TestInterestSnapshotThenLive(t *testing.T) {
	h := newWriteHarness(t, nil)
	src := h.localSource()
	a := testkit.NewInstance("orders")
	_, err := h.srv.Registry().Register(src, a)
	require.NoError(t, err)
	_, err = h.srv.Registry().Register(src, testkit.NewInstance("billing"))
	require.NoError(t, err)

	ch := h.subscribe(t)
	require.NoError(t, ch.Change(context.Background(), interest.ForApplications("orders")))
	assert.Equal(t, interest.BufferStart, next(t, ch.Notifications()).Kind)
	n := next(t, ch.Notifications())
	assert.Equal(t, interest.Add, n.Kind)
	assert.Equal(t, a.ID, n.ID)
	assert.Equal(t, interest.BufferEnd, next(t, ch.Notifications()).Kind)

	b := testkit.NewInstance("orders")
	_, _ = h.srv.Registry().Register(src, b)
	n = next(t, ch.Notifications())
	assert.Equal(t, interest.Add, n.Kind)
	assert.Equal(t, b.ID, n.ID)

	_, _ = h.srv.Registry().Unregister(src, a.ID)
	n = next(t, ch.Notifications())
	assert.Equal(t, interest.Delete, n.Kind)
	assert.Equal(t, a.ID, n.ID)
	assert.Equal(t, 1, h.srv.Index().Indexes())

	require.Error(t, ch.Change(context.Background(), interest.Interest{Kind: interest.KindVip}))
	assert.Equal(t, 1, h.srv.Report().Sessions)
}

func TestInterestChangeDeliversOnlyDifference(t *testing.T) {
	h := newWriteHarness(t, nil)
	src := h.localSource()
	shared := testkit.NewInstance("orders")
	shared.VipAddress = "edge.vip"
	onlyOrders := testkit.NewInstance("orders")
	onlyEdge := testkit.NewInstance("edge")
	onlyEdge.VipAddress = "edge.vip"
	for _, info := range []*instance.InstanceInfo{shared, onlyOrders, onlyEdge} {
		_, err := h.srv.Registry().Register(src, info)
		require.NoError(t, err)
	}

	ch := h.subscribe(t)
	ctx := context.Background()
	require.NoError(t, ch.Change(ctx, interest.ForApplications("orders")))
	for i := 0; i < 4; i++ {
		next(t, ch.Notifications())
	}

	require.NoError(t, ch.Change(ctx, interest.ForVips("edge.vip")))
	var got []interest.ChangeNotification
	for i := 0; i < 4; i++ {
		got = append(got, next(t, ch.Notifications()))
	}
	assert.Equal(t, interest.BufferStart, got[0].Kind)
	assert.Equal(t, interest.Delete, got[1].Kind)
	assert.Equal(t, onlyOrders.ID, got[1].ID)
	assert.Equal(t, interest.Add, got[2].Kind)
	assert.Equal(t, onlyEdge.ID, got[2].ID)
	assert.Equal(t, interest.BufferEnd, got[3].Kind)

	// 旧订阅的变化不再出现
	_, _ = h.srv.Registry().Register(src, onlyOrders.Next(func(i *instance.InstanceInfo) { i.Status = instance.StatusDown }))
	quiet(t, ch.Notifications())
	assert.Equal(t, 1, h.srv.Index().Indexes(), "previous interest index released")
}

// 连续快速切换订阅：第二个快照送达之后，不再出现第一个订阅的数据
func TestRapidInterestChangesNeverLeakPreviousInterest(t *testing.T) {
	h := newWriteHarness(t, nil)
	src := h.localSource()
	ch := h.subscribe(t)

	var mu sync.Mutex
	var log []interest.ChangeNotification
	go func() {
		for n := range ch.Notifications() {
			mu.Lock()
			log = append(log, n)
			mu.Unlock()
		}
	}()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		apps := []string{"orders", "billing"}
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = h.srv.Registry().Register(src, testkit.NewInstance(apps[i%2]))
		}
	}()

	ctx := context.Background()
	require.NoError(t, ch.Change(ctx, interest.ForApplications("orders")))
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, ch.Change(ctx, interest.ForApplications("billing")))
	time.Sleep(10 * time.Millisecond)
	close(stop)
	wg.Wait()

	expected := map[string]bool{}
	for _, info := range h.srv.Registry().Snapshot() {
		if info.App == "billing" {
			expected[info.ID] = true
		}
	}

	replay := func() (map[string]*instance.InstanceInfo, []string) {
		mu.Lock()
		defer mu.Unlock()
		view := map[string]*instance.InstanceInfo{}
		var leaked []string
		switched := false
		for _, n := range log {
			switch n.Kind {
			case interest.Add, interest.Modify:
				if switched && n.Instance.App != "billing" {
					leaked = append(leaked, n.ID)
				}
				view[n.ID] = n.Instance
			case interest.Delete:
				if switched {
					if _, ok := view[n.ID]; !ok {
						leaked = append(leaked, n.ID)
					}
				}
				delete(view, n.ID)
			case interest.BufferEnd:
				if !switched && len(view) > 0 {
					switched = true
					for _, info := range view {
						if info.App != "billing" {
							switched = false
							break
						}
					}
				}
			}
		}
		return view, leaked
	}

	require.Eventually(t, func() bool {
		view, _ := replay()
		if len(view) != len(expected) {
			return false
		}
		for id := range view {
			if !expected[id] {
				return false
			}
		}
		return true
	}, waitFor, 10*time.Millisecond)
	_, leaked := replay()
	assert.Empty(t, leaked)
}

func TestInterestResyncsAfterOverflow(t *testing.T) {
	h := newWriteHarness(t, &Config{Index: index.Config{QueueSize: 2}})
	ch := h.subscribe(t)
	require.NoError(t, ch.Change(context.Background(), interest.Full()))
	assert.Equal(t, interest.BufferStart, next(t, ch.Notifications()).Kind)
	assert.Equal(t, interest.BufferEnd, next(t, ch.Notifications()).Kind)

	var mu sync.Mutex
	view := map[string]bool{}
	var gaps int
	go func() {
		for n := range ch.Notifications() {
			mu.Lock()
			switch n.Kind {
			case interest.Add, interest.Modify:
				view[n.ID] = true
			case interest.Delete:
				delete(view, n.ID)
			case interest.Gap:
				gaps++
			}
			mu.Unlock()
		}
	}()

	src := h.localSource()
	for _, info := range testkit.NewInstances("orders", 200) {
		_, err := h.srv.Registry().Register(src, info)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(view) == 200
	}, waitFor, tick)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, gaps, "gaps are handled by the server")
}

func TestClientsSurviveConnectionReset(t *testing.T) {
	h := newWriteHarness(t, &Config{EvictionGracePeriod: 10 * time.Second, HeartbeatInterval: time.Hour})
	factory, err := channel.NewFactory(h.target, h.network, &channel.Config{HeartbeatInterval: time.Hour})
	require.NoError(t, err)
	cfg := &client.Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	ic, err := client.NewInterestClient(factory, cfg)
	require.NoError(t, err)
	defer ic.Close()
	require.NoError(t, ic.ForInterest(context.Background(), interest.ForApplications("orders")))

	rc, err := client.NewRegistrationClient(factory, cfg)
	require.NoError(t, err)
	defer rc.Close()
	info := testkit.NewInstance("orders")
	require.NoError(t, rc.Register(context.Background(), info))

	var adds []string
	for len(adds) == 0 {
		if n := next(t, ic.Notifications()); n.Kind == interest.Add {
			adds = append(adds, n.ID)
		}
	}
	assert.Equal(t, []string{info.ID}, adds)

	orig := h.srv.Registry().Sources(info.ID)
	require.Len(t, orig, 1)
	require.Positive(t, h.network.Kill("w1:1"))

	// 旧来源宽限期到期后，实例由新通道的来源单独持有
	require.Eventually(t, func() bool {
		h.clock.Add(10 * time.Second)
		srcs := h.srv.Registry().Sources(info.ID)
		return len(srcs) == 1 && srcs[0] != orig[0]
	}, waitFor, 20*time.Millisecond)
	_, ok := h.srv.Registry().Get(info.ID)
	assert.True(t, ok)

	// 重连后的快照与已送达集合相同，消费者看不到 Delete
	for len(ic.Notifications()) > 0 {
		assert.NotEqual(t, interest.Delete, next(t, ic.Notifications()).Kind)
	}
}

func TestReadServerMirrorsWriteCluster(t *testing.T) {
	w := newWriteHarness(t, nil)
	upstream, err := channel.NewFactory(w.target, w.network, nil)
	require.NoError(t, err)

	reader, err := NewReadServer(upstream, &Config{Name: "read-1"},
		&client.Config{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	require.NoError(t, err)
	defer reader.Close()
	require.NoError(t, reader.ListenMemory(w.network, "r1:1"))
	require.Eventually(t, func() bool { return reader.Report().Synced }, waitFor, tick)

	reg := w.registration(t)
	info := testkit.NewInstance("orders")
	require.NoError(t, reg.Register(context.Background(), info))
	require.Eventually(t, func() bool {
		_, ok := reader.Registry().Get(info.ID)
		return ok
	}, waitFor, tick)
	srcs := reader.Registry().Sources(info.ID)
	require.Len(t, srcs, 1)
	assert.Equal(t, instance.OriginReplicated, srcs[0].Origin)
	assert.Equal(t, "read-1", srcs[0].Name)

	readTarget := resolver.FromEndpoints(resolver.Endpoint{Host: "r1", Port: 1})
	ich, err := channel.NewInterestChannel(readTarget, w.network, nil)
	require.NoError(t, err)
	require.NoError(t, ich.Connect(context.Background()))
	defer ich.Close()
	require.NoError(t, ich.Change(context.Background(), interest.ForApplications("orders")))
	assert.Equal(t, interest.BufferStart, next(t, ich.Notifications()).Kind)
	assert.Equal(t, info.ID, next(t, ich.Notifications()).ID)
	assert.Equal(t, interest.BufferEnd, next(t, ich.Notifications()).Kind)

	// 读服务端不接受注册
	rch, err := channel.NewRegistrationChannel(readTarget, w.network, nil)
	require.NoError(t, err)
	_ = rch.Connect(context.Background())
	assert.Error(t, rch.Register(context.Background(), testkit.NewInstance("orders")))

	r := reader.Report()
	assert.Equal(t, RoleRead, r.Role)
	assert.Equal(t, []string{"mem://r1:1"}, r.Addresses)
	assert.Zero(t, r.PendingEvictions)
}

func TestServerClose(t *testing.T) {
	h := newWriteHarness(t, nil)
	ch := h.registration(t)
	ich := h.subscribe(t)
	require.NoError(t, ch.Register(context.Background(), testkit.NewInstance("orders")))

	r := h.srv.Report()
	assert.Equal(t, RoleWrite, r.Role)
	assert.Equal(t, []string{"mem://w1:1"}, r.Addresses)
	assert.Equal(t, 2, r.Sessions)
	assert.True(t, r.Synced)

	require.NoError(t, h.srv.Close())
	require.NoError(t, h.srv.Close())
	for _, done := range []<-chan struct{}{ch.Done(), ich.Done()} {
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Fatal("channel not closed by server shutdown")
		}
	}
	assert.ErrorIs(t, h.srv.ListenMemory(h.network, "w1:2"), ErrServerClosed)
	_, err := h.network.Dial(context.Background(), "w1:1", false, transport.ChannelInterest)
	assert.ErrorIs(t, err, transport.ErrConnectionRefused)
}
