package batching

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/registrar/index"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/interest"
	"github.com/ceyewan/registrar/registry"
)

type event struct {
	start bool
	src   instance.Source
}

type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) OnBatchStart(src instance.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{true, src})
}

func (r *recorder) OnBatchEnd(src instance.Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event{false, src})
}

func TestBeginEnd(t *testing.T) {
	rec := &recorder{}
	b := New(rec)
	src := instance.NewSource(instance.OriginReplicated, "peer")

	require.NoError(t, b.BeginBatch(src))
	assert.True(t, b.IsOpen(src))
	assert.Equal(t, []instance.Source{src}, b.Open())
	require.NoError(t, b.EndBatch(src))
	assert.False(t, b.IsOpen(src))

	assert.Equal(t, []event{{true, src}, {false, src}}, rec.events)
}

func TestStateErrors(t *testing.T) {
	tests := []struct {
		name   string
		run    func(b *Registry, src instance.Source) error
		events int
	}{
		{
			name:   "end without begin",
			run:    func(b *Registry, src instance.Source) error { return b.EndBatch(src) },
			events: 0,
		},
		{
			name: "reentrant begin force closes",
			run: func(b *Registry, src instance.Source) error {
				_ = b.BeginBatch(src)
				return b.BeginBatch(src)
			},
			events: 2,
		},
		{
			name: "double end",
			run: func(b *Registry, src instance.Source) error {
				_ = b.BeginBatch(src)
				_ = b.EndBatch(src)
				return b.EndBatch(src)
			},
			events: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			b := New(rec)
			src := instance.NewSource(instance.OriginReplicated, "peer")
			err := tt.run(b, src)
			assert.ErrorIs(t, err, ErrBatchState)
			assert.False(t, b.IsOpen(src))
			assert.Len(t, rec.events, tt.events)
		})
	}
}

func TestIndependentSources(t *testing.T) {
	b := New(nil)
	a := instance.NewSource(instance.OriginReplicated, "a")
	c := instance.NewSource(instance.OriginBootstrap, "c")
	require.NoError(t, b.BeginBatch(a))
	require.NoError(t, b.BeginBatch(c))
	require.NoError(t, b.EndBatch(a))
	assert.True(t, b.IsOpen(c))

	assert.True(t, b.Abort(c))
	assert.False(t, b.Abort(c))
	assert.Empty(t, b.Open())
}

func TestBatchHelperAlwaysEnds(t *testing.T) {
	rec := &recorder{}
	b := New(rec)
	src := instance.NewSource(instance.OriginReplicated, "peer")
	boom := errors.New("boom")

	err := b.Batch(src, func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, b.IsOpen(src))
	assert.Len(t, rec.events, 2)
}

func collect(t *testing.T, sub *index.Subscription, n int) []interest.NotificationKind {
	t.Helper()
	var out []interest.NotificationKind
	for len(out) < n {
		select {
		case note := <-sub.C():
			out = append(out, note.Kind)
		case <-time.After(time.Second):
			t.Fatalf("got %v, want %d notifications", out, n)
		}
	}
	return out
}

func TestBatchesReachSubscribers(t *testing.T) {
	reg := registry.New()
	idx, err := index.New(reg, nil)
	require.NoError(t, err)
	defer idx.Close()
	b := New(idx)

	_, sub, err := idx.ForInterest(interest.Full())
	require.NoError(t, err)
	defer sub.Close()

	src := instance.NewSource(instance.OriginReplicated, "peer")

	// 空批次也会产生一对标记
	require.NoError(t, b.Batch(src, func() error { return nil }))
	assert.Equal(t, []interest.NotificationKind{interest.BufferStart, interest.BufferEnd}, collect(t, sub, 2))

	err = b.Batch(src, func() error {
		for _, id := range []string{"i-1", "i-2"} {
			if _, err := reg.Register(src, &instance.InstanceInfo{ID: id, App: "orders", Version: 1}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []interest.NotificationKind{
		interest.BufferStart, interest.Add, interest.Add, interest.BufferEnd,
	}, collect(t, sub, 4))

	// 重入批次被强制关闭，订阅方仍然看到配对的标记
	require.NoError(t, b.BeginBatch(src))
	assert.ErrorIs(t, b.BeginBatch(src), ErrBatchState)
	assert.Equal(t, []interest.NotificationKind{interest.BufferStart, interest.BufferEnd}, collect(t, sub, 2))
}
