package transport

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/registrar/resolver"
)

func startGRPC(t *testing.T) (string, chan Transport, chan ChannelKind) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan Transport, 4)
	kinds := make(chan ChannelKind, 4)
	srv := NewGRPCServer(func(kind ChannelKind, tr Transport) {
		kinds <- kind
		accepted <- tr
	})
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return lis.Addr().String(), accepted, kinds
}

func TestGRPCStreamExchange(t *testing.T) {
	addr, accepted, kinds := startGRPC(t)
	d := NewGRPCDialer()
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := d.Dial(ctx, addr, false, ChannelRegistration)
	require.NoError(t, err)
	rc := newRecorder()
	client.Start(rc)

	info := sampleInstance()
	require.NoError(t, client.Send(ctx, &Message{Kind: KindRegister, Seq: 1, Instance: info}))

	var server Transport
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("stream not accepted")
	}
	assert.Equal(t, ChannelRegistration, <-kinds)
	rs := newRecorder()
	server.Start(rs)

	got := rs.next(t)
	assert.Equal(t, KindRegister, got.Kind)
	assert.True(t, info.Equal(got.Instance))

	require.NoError(t, server.Send(ctx, Ack(1)))
	ack := rc.next(t)
	assert.Equal(t, KindAck, ack.Kind)
	assert.Equal(t, uint64(1), ack.Seq)

	require.NoError(t, client.Close())
	assert.NoError(t, rc.closeErr(t))
	assert.ErrorIs(t, rs.closeErr(t), ErrTransportClosed)
	assert.ErrorIs(t, client.Send(ctx, Ack(2)), ErrTransportClosed)
}

func TestGRPCServerClose(t *testing.T) {
	addr, accepted, _ := startGRPC(t)
	d := NewGRPCDialer()
	defer d.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := d.Dial(ctx, addr, false, ChannelInterest)
	require.NoError(t, err)
	rc := newRecorder()
	client.Start(rc)
	require.NoError(t, client.Send(ctx, &Message{Kind: KindHeartbeat}))

	server := <-accepted
	rs := newRecorder()
	server.Start(rs)
	rs.next(t)

	require.NoError(t, server.Close())
	assert.NoError(t, rs.closeErr(t))
	assert.Error(t, rc.closeErr(t))
}

func TestGRPCDialThroughResolver(t *testing.T) {
	addr, accepted, kinds := startGRPC(t)
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	d := NewGRPCDialer(WithResolver(resolver.FromEndpoints(resolver.Endpoint{Host: host, Port: port}), time.Hour))
	defer d.Close()
	assert.Equal(t, "registrar:///write-cluster", d.Target("write-cluster"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := d.Dial(ctx, "write-cluster", false, ChannelInterest)
	require.NoError(t, err)
	rc := newRecorder()
	client.Start(rc)
	require.NoError(t, client.Send(ctx, &Message{Kind: KindHeartbeat, Seq: 1}))

	select {
	case server := <-accepted:
		assert.Equal(t, ChannelInterest, <-kinds)
		rs := newRecorder()
		server.Start(rs)
		assert.Equal(t, KindHeartbeat, rs.next(t).Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("stream not accepted")
	}
	require.NoError(t, client.Close())
}

func TestGRPCDialErrors(t *testing.T) {
	d := NewGRPCDialer()
	defer d.Close()

	assert.Equal(t, "127.0.0.1:1", d.Target("127.0.0.1:1"))
	_, err := d.Dial(context.Background(), "127.0.0.1:1", false, ChannelKind("bogus"))
	assert.ErrorIs(t, err, ErrUnknownChannel)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = d.Dial(ctx, "127.0.0.1:1", false, ChannelRegistration)
	assert.Error(t, err)
}

func TestCodec(t *testing.T) {
	c := Codec{}
	assert.Equal(t, "msgpack", c.Name())
	b, err := c.Marshal(&Message{Kind: KindAck, Seq: 7})
	require.NoError(t, err)
	var m Message
	require.NoError(t, c.Unmarshal(b, &m))
	assert.Equal(t, KindAck, m.Kind)
	assert.Equal(t, uint64(7), m.Seq)
}
