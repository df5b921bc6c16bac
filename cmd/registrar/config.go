package main

import (
	"context"

	"github.com/ceyewan/registrar/bootstrap"
	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/client"
	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/config"
	"github.com/ceyewan/registrar/connector"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/resolver"
	"github.com/ceyewan/registrar/server"
	"github.com/ceyewan/registrar/trace"
	"github.com/ceyewan/registrar/xerrors"
)

// AppConfig 进程配置，对应 configs/config.yaml
type AppConfig struct {
	// Role write 或 read
	Role   string `mapstructure:"role"`
	Listen string `mapstructure:"listen"`

	Log     clog.Config    `mapstructure:"log"`
	Metrics metrics.Config `mapstructure:"metrics"`
	Trace   trace.Config   `mapstructure:"trace"`
	Server  server.Config  `mapstructure:"server"`

	NATS NATSConfig `mapstructure:"nats"`

	Etcd      connector.EtcdConfig `mapstructure:"etcd"`
	Bootstrap bootstrap.Config     `mapstructure:"bootstrap"`

	// Upstream 读服务端连接写集群的方式
	Upstream UpstreamConfig `mapstructure:"upstream"`
}

// NATSConfig Enabled 为 true 时服务端额外在 NATS 上提供传输，读服务端也可经由它连接上游
type NATSConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	connector.NATSConfig `mapstructure:",squash"`
}

// UpstreamConfig 读服务端连接写集群的方式。
// 发现方式按 urls、dns、zones 的顺序取第一个已配置的。
type UpstreamConfig struct {
	// Transport grpc 或 nats
	Transport string `mapstructure:"transport"`
	// GRPCResolver 为 true 时 grpc 传输经由 gRPC 名字解析在写集群地址间选择连接，
	// 通道只拨号一个逻辑目标
	GRPCResolver bool                  `mapstructure:"grpc_resolver"`
	URLs         []string              `mapstructure:"urls"`
	DNS          resolver.DNSConfig    `mapstructure:"dns"`
	Zones        resolver.StaticConfig `mapstructure:"zones"`
	// DataCenter 本进程所在位置，zones 发现时用于就近排序
	DataCenter instance.DataCenter `mapstructure:"data_center"`
	Channel    channel.Config      `mapstructure:"channel"`
	Client     client.Config       `mapstructure:"client"`
}

func (c *AppConfig) setDefaults() {
	if c.Role == "" {
		c.Role = string(server.RoleWrite)
	}
	if c.Listen == "" {
		c.Listen = ":7001"
	}
	if c.Metrics.ServiceName == "" {
		c.Metrics.ServiceName = "registrar-" + c.Role
	}
	if c.Trace.ServiceName == "" {
		c.Trace.ServiceName = "registrar-" + c.Role
	}
	if c.Upstream.Transport == "" {
		c.Upstream.Transport = "grpc"
	}
}

func (c *AppConfig) validate() error {
	c.setDefaults()
	switch server.Role(c.Role) {
	case server.RoleWrite:
	case server.RoleRead:
		if len(c.Upstream.URLs) == 0 && c.Upstream.DNS.Name == "" && c.Upstream.Zones.LocalRegion == "" {
			return xerrors.Wrap(config.ErrValidationFailed, "read server requires upstream urls, dns or zones")
		}
		if c.Upstream.Transport == "nats" && !c.NATS.Enabled {
			return xerrors.Wrap(config.ErrValidationFailed, "nats upstream requires nats.enabled")
		}
		if c.Upstream.Transport == "nats" && c.Upstream.GRPCResolver {
			return xerrors.Wrap(config.ErrValidationFailed, "grpc_resolver requires grpc upstream")
		}
	default:
		return xerrors.Wrapf(config.ErrValidationFailed, "unknown role %q", c.Role)
	}
	if c.Bootstrap.Enabled && len(c.Etcd.Endpoints) == 0 {
		return xerrors.Wrap(config.ErrValidationFailed, "bootstrap requires etcd.endpoints")
	}
	return nil
}

// loadConfig 加载 configs/config.yaml、.env 与 REGISTRAR_ 前缀的环境变量
func loadConfig(ctx context.Context, path string) (config.Loader, *AppConfig, error) {
	cfg := &config.Config{Name: "config", EnvPrefix: "REGISTRAR"}
	if path != "" {
		cfg.Paths = []string{path}
	}
	loader, err := config.New(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := loader.Load(ctx); err != nil {
		return nil, nil, xerrors.Wrap(err, "load config")
	}
	var app AppConfig
	if err := loader.Unmarshal(&app); err != nil {
		_ = loader.Close()
		return nil, nil, xerrors.Wrap(err, "unmarshal config")
	}
	if err := app.validate(); err != nil {
		_ = loader.Close()
		return nil, nil, err
	}
	return loader, &app, nil
}

// upstreamResolver 按配置构造写集群的 Resolver
func upstreamResolver(cfg *UpstreamConfig, logger clog.Logger, meter metrics.Meter) (resolver.Resolver, error) {
	opts := []resolver.Option{resolver.WithLogger(logger), resolver.WithMeter(meter)}
	switch {
	case len(cfg.URLs) > 0:
		eps := make([]resolver.Endpoint, 0, len(cfg.URLs))
		for _, raw := range cfg.URLs {
			ep, err := resolver.ParseURL(raw)
			if err != nil {
				return nil, err
			}
			eps = append(eps, ep)
		}
		return resolver.FromEndpoints(eps...), nil
	case cfg.DNS.Name != "":
		return resolver.NewDNSResolver(&cfg.DNS, opts...)
	default:
		return resolver.NewConfigResolver(&cfg.Zones, cfg.DataCenter, opts...), nil
	}
}
