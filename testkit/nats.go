package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	natscontainer "github.com/testcontainers/testcontainers-go/modules/nats"

	"github.com/ceyewan/registrar/connector"
)

// NewNATSContainerConfig 使用 testcontainers 创建 NATS 容器并返回配置，
// 生命周期由 t.Cleanup 管理。-short 或没有容器环境时跳过测试
func NewNATSContainerConfig(t *testing.T) *connector.NATSConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping NATS container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := natscontainer.Run(ctx, "nats:2.10-alpine")
	require.NoError(t, err, "failed to start NATS container")
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	return &connector.NATSConfig{
		Name:          "testcontainer-nats",
		URL:           "nats://" + host + ":" + mappedPort.Port(),
		MaxReconnects: 10,
		ReconnectWait: 100 * time.Millisecond,
	}
}

// NewNATSConnector 创建并连接 NATS 连接器
func NewNATSConnector(t *testing.T) connector.NATSConnector {
	t.Helper()
	conn, err := connector.NewNATS(NewNATSContainerConfig(t), connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create nats connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to nats")
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// NewNATSConn 返回原生 NATS 连接
func NewNATSConn(t *testing.T) *nats.Conn {
	return NewNATSConnector(t).GetClient()
}
