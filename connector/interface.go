// Package connector 管理 registrar 借用的外部连接：etcd 与 NATS。
//
// 连接器拥有底层客户端的生命周期，组件（bootstrap、NATS 传输）只借用客户端，
// 不调用 Close。NewXXX 只校验配置，Connect 时才建立连接，Connect 可重复调用。
//
//	conn, err := connector.NewEtcd(&connector.EtcdConfig{Endpoints: []string{"127.0.0.1:2379"}},
//		connector.WithLogger(logger), connector.WithMeter(meter))
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//	if err := conn.Connect(ctx); err != nil {
//		return err
//	}
//	cli := conn.GetClient()
package connector

import (
	"context"

	"github.com/nats-io/nats.go"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Connector 所有连接器的通用行为，方法均并发安全
type Connector interface {
	// Connect 建立连接，已连接时直接返回 nil
	Connect(ctx context.Context) error

	// Close 关闭连接，可重复调用；之后 GetClient 返回 nil
	Close() error

	// HealthCheck 主动探测连接并更新 IsHealthy 的缓存结果
	HealthCheck(ctx context.Context) error

	IsHealthy() bool

	// Name 连接器名称，用于日志与指标
	Name() string
}

// TypedConnector 提供类型安全的客户端访问
type TypedConnector[T any] interface {
	Connector

	// GetClient Connect 之前或 Close 之后返回零值
	GetClient() T
}

// EtcdConnector etcd 连接器
type EtcdConnector interface {
	TypedConnector[*clientv3.Client]
}

// NATSConnector NATS 连接器，断线后由 nats.go 自动重连
type NATSConnector interface {
	TypedConnector[*nats.Conn]
}
