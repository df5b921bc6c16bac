package testkit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcetcd "github.com/testcontainers/testcontainers-go/modules/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/registrar/connector"
)

// NewEtcdContainerConfig 使用 testcontainers 创建 etcd 容器并返回配置，
// 生命周期由 t.Cleanup 管理。-short 或没有容器环境时跳过测试
func NewEtcdContainerConfig(t *testing.T) *connector.EtcdConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping etcd container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	ctx := context.Background()

	container, err := tcetcd.Run(ctx, "quay.io/coreos/etcd:v3.5.9")
	require.NoError(t, err, "failed to start etcd container")
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mappedPort, err := container.MappedPort(ctx, "2379")
	require.NoError(t, err)

	return &connector.EtcdConfig{
		Name:      "testcontainer-etcd",
		Endpoints: []string{host + ":" + mappedPort.Port()},
	}
}

// NewEtcdConnector 创建并连接 etcd 连接器
func NewEtcdConnector(t *testing.T) connector.EtcdConnector {
	t.Helper()
	conn, err := connector.NewEtcd(NewEtcdContainerConfig(t), connector.WithLogger(NewLogger()))
	require.NoError(t, err, "failed to create etcd connector")
	require.NoError(t, conn.Connect(context.Background()), "failed to connect to etcd")
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

// NewEtcdClient 返回原生 etcd 客户端
func NewEtcdClient(t *testing.T) *clientv3.Client {
	return NewEtcdConnector(t).GetClient()
}
