package xerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))

	base := errors.New("base error")
	wrapped := Wrap(base, "context")
	require.Error(t, wrapped)
	assert.Equal(t, "context: base error", wrapped.Error())
	assert.True(t, errors.Is(wrapped, base))
}

func TestWrapf(t *testing.T) {
	assert.Nil(t, Wrapf(nil, "instance %s", "i-1"))

	wrapped := Wrapf(ErrNotFound, "instance %s", "i-1")
	assert.Equal(t, "instance i-1: not found", wrapped.Error())
	assert.True(t, Is(wrapped, ErrNotFound))
}

func TestWithCode(t *testing.T) {
	assert.Nil(t, WithCode(nil, "CODE"))

	coded := WithCode(errors.New("no endpoints"), "RESOLUTION")
	assert.Equal(t, "[RESOLUTION] no endpoints", coded.Error())
	assert.Equal(t, "RESOLUTION", GetCode(coded))
	assert.Equal(t, "RESOLUTION", GetCode(Wrap(coded, "connect")))
	assert.Equal(t, "", GetCode(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	assert.Nil(t, Retryable(nil))

	base := errors.New("transport closed")
	err := Wrap(Retryable(base), "interest channel")
	assert.True(t, IsRetryable(err))
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, "interest channel: transport closed", err.Error())
	assert.False(t, IsRetryable(base))
}

func TestMust(t *testing.T) {
	assert.Equal(t, 1, Must(1, nil))
	assert.Panics(t, func() { Must(0, errors.New("boom")) })
}

func TestCollector(t *testing.T) {
	var c Collector
	c.Collect(nil)
	first := errors.New("first")
	c.Collect(first)
	c.Collect(errors.New("second"))
	assert.Equal(t, first, c.Err())
}

func TestCombine(t *testing.T) {
	tests := []struct {
		name string
		errs []error
		want string
	}{
		{"全部为 nil", []error{nil, nil}, ""},
		{"单个错误", []error{nil, errors.New("a")}, "a"},
		{"多个错误", []error{errors.New("a"), errors.New("b"), errors.New("c")}, "a (and 2 more errors)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Combine(tt.errs...)
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.want, err.Error())
		})
	}

	b := errors.New("b")
	assert.True(t, errors.Is(Combine(errors.New("a"), b), b))
}
