package bootstrap

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/registrar/batching"
	"github.com/ceyewan/registrar/connector"
	"github.com/ceyewan/registrar/index"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/registry"
	"github.com/ceyewan/registrar/testkit"
)

func seed(t *testing.T, info *instance.InstanceInfo) string {
	t.Helper()
	b, err := json.Marshal(info)
	require.NoError(t, err)
	return string(b)
}

func TestDecodeSeed(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		ok     bool
		status instance.Status
	}{
		{"complete", `{"id":"i-1","app":"orders","status":"DOWN","version":3}`, true, instance.StatusDown},
		{"status defaults to up", `{"id":"i-1","app":"orders"}`, true, instance.StatusUp},
		{"missing app", `{"id":"i-1"}`, false, ""},
		{"not json", `i-1`, false, ""},
		{"bad port", `{"id":"i-1","app":"orders","ports":[{"name":"http","port":70000}]}`, false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := DecodeSeed([]byte(tt.input))
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidSeed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, info.Status)
		})
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	_, err := New(nil, registry.New(), batching.New(nil), nil)
	assert.Error(t, err)

	conn, err := connector.NewEtcd(&connector.EtcdConfig{Endpoints: []string{"127.0.0.1:1"}})
	require.NoError(t, err)
	l, err := New(conn, registry.New(), batching.New(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, instance.OriginBootstrap, l.Source().Origin)
	assert.Equal(t, "etcd", l.Source().Name)

	_, err = l.Load(context.Background())
	assert.ErrorIs(t, err, connector.ErrNotConnected)
}

func TestLoadAndWatchIntegration(t *testing.T) {
	conn := testkit.NewEtcdConnector(t)
	cli := conn.GetClient()
	ctx := testkit.NewContext(t, 30*time.Second)
	prefix := "/registrar-test/" + testkit.NewID() + "/"

	a := testkit.NewInstance("orders")
	b := testkit.NewInstance("billing")
	_, err := cli.Put(ctx, prefix+"a", seed(t, a))
	require.NoError(t, err)
	_, err = cli.Put(ctx, prefix+"b", seed(t, b))
	require.NoError(t, err)
	_, err = cli.Put(ctx, prefix+"broken", "{")
	require.NoError(t, err)

	reg := registry.New()
	idx, err := index.New(reg, nil)
	require.NoError(t, err)
	defer idx.Close()
	_, sub, err := idx.ForInterest(interest.Full())
	require.NoError(t, err)
	defer sub.Close()

	l, err := New(conn, reg, batching.New(idx), &Config{Prefix: prefix}, WithLogger(testkit.NewLogger()))
	require.NoError(t, err)
	n, err := l.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	srcs := reg.Sources(a.ID)
	require.Len(t, srcs, 1)
	assert.Equal(t, instance.OriginBootstrap, srcs[0].Origin)

	var kinds []interest.NotificationKind
	for i := 0; i < 4; i++ {
		kinds = append(kinds, (<-sub.C()).Kind)
	}
	assert.Equal(t, []interest.NotificationKind{interest.BufferStart, interest.Add, interest.Add, interest.BufferEnd}, kinds)

	watchCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- l.Watch(watchCtx) }()

	c := testkit.NewInstance("search")
	require.Eventually(t, func() bool {
		// watch 可能尚未建立，重复写入同一版本是幂等的
		_, err := cli.Put(ctx, prefix+"c", seed(t, c))
		require.NoError(t, err)
		_, ok := reg.Get(c.ID)
		return ok
	}, 10*time.Second, 100*time.Millisecond)

	_, err = cli.Delete(ctx, prefix+"a")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := reg.Get(a.ID)
		return !ok
	}, 10*time.Second, 20*time.Millisecond)
	assert.Len(t, l.Instances(), 2)

	stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watch did not stop")
	}

	local := testkit.NewInstance("local")
	_, err = reg.Register(instance.NewSource(instance.OriginLocal, "direct"), local)
	require.NoError(t, err)

	require.NoError(t, l.Close())
	assert.Equal(t, 1, reg.Size(), "only bootstrap entries are evicted")
	_, ok := reg.Get(local.ID)
	assert.True(t, ok)
}
