package connector

import (
	"context"
	"sync"
	"sync/atomic"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

// healthKey 探测用的键，不存在也视为成功
const healthKey = "registrar/health-check"

type etcdConnector struct {
	cfg     EtcdConfig
	logger  clog.Logger
	metrics connMetrics
	healthy atomic.Bool

	mu     sync.RWMutex
	client *clientv3.Client
	closed bool
}

// NewEtcd 创建 etcd 连接器
func NewEtcd(cfg *EtcdConfig, opts ...Option) (EtcdConnector, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrConfig, "etcd config is nil")
	}
	c := *cfg
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts...)
	return &etcdConnector{
		cfg:     c,
		logger:  o.logger.With(clog.String("connector", "etcd"), clog.String("name", c.Name)),
		metrics: newConnMetrics(o.meter, "etcd", c.Name),
	}, nil
}

func (c *etcdConnector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrAlreadyClosed
	}
	if c.client != nil {
		return nil
	}

	c.logger.Info("connecting to etcd", clog.Strings("endpoints", c.cfg.Endpoints))
	client, err := clientv3.New(clientv3.Config{
		Endpoints:            c.cfg.Endpoints,
		Username:             c.cfg.Username,
		Password:             c.cfg.Password,
		DialTimeout:          c.cfg.DialTimeout,
		DialKeepAliveTime:    c.cfg.KeepAliveTime,
		DialKeepAliveTimeout: c.cfg.KeepAliveTimeout,
	})
	if err != nil {
		c.metrics.attempt(ctx, metrics.OutcomeError)
		return xerrors.Wrapf(ErrConnection, "etcd connector[%s]: %v", c.cfg.Name, err)
	}
	if err := probeEtcd(ctx, client, c.cfg); err != nil {
		_ = client.Close()
		c.metrics.attempt(ctx, metrics.OutcomeError)
		c.logger.Error("failed to connect to etcd", clog.Error(err))
		return xerrors.Wrapf(ErrConnection, "etcd connector[%s]: %v", c.cfg.Name, err)
	}

	c.client = client
	c.healthy.Store(true)
	c.metrics.attempt(ctx, metrics.OutcomeSuccess)
	c.metrics.setActive(ctx, true)
	c.logger.Info("connected to etcd")
	return nil
}

func probeEtcd(ctx context.Context, client *clientv3.Client, cfg EtcdConfig) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	_, err := client.Get(ctx, healthKey, clientv3.WithCountOnly())
	return err
}

func (c *etcdConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.healthy.Store(false)
	if c.client == nil {
		return nil
	}
	c.metrics.setActive(context.Background(), false)
	err := c.client.Close()
	c.client = nil
	if err != nil {
		c.logger.Error("failed to close etcd connection", clog.Error(err))
		return xerrors.Wrap(err, "close etcd client")
	}
	c.logger.Info("etcd connection closed")
	return nil
}

func (c *etcdConnector) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		c.healthy.Store(false)
		return ErrNotConnected
	}
	if err := probeEtcd(ctx, client, c.cfg); err != nil {
		c.healthy.Store(false)
		c.logger.Warn("etcd health check failed", clog.Error(err))
		return xerrors.Wrapf(ErrHealthCheck, "etcd connector[%s]: %v", c.cfg.Name, err)
	}
	c.healthy.Store(true)
	return nil
}

func (c *etcdConnector) IsHealthy() bool { return c.healthy.Load() }

func (c *etcdConnector) Name() string { return c.cfg.Name }

func (c *etcdConnector) GetClient() *clientv3.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}
