// Command registrar 运行一个写或读注册服务端。
//
//	registrar -config ./configs
//	REGISTRAR_ROLE=read REGISTRAR_UPSTREAM_URLS=http://write-1:7001 registrar
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ceyewan/registrar/bootstrap"
	"github.com/ceyewan/registrar/channel"
	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/config"
	"github.com/ceyewan/registrar/connector"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/resolver"
	"github.com/ceyewan/registrar/server"
	"github.com/ceyewan/registrar/trace"
	"github.com/ceyewan/registrar/transport"
	"github.com/ceyewan/registrar/xerrors"
)

func main() {
	path := flag.String("config", "", "配置文件目录，默认搜索 . 与 ./configs")
	flag.Parse()

	if err := run(*path); err != nil {
		fmt.Fprintf(os.Stderr, "registrar: %v\n", err)
		os.Exit(1)
	}
}

func run(path string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, cfg, err := loadConfig(ctx, path)
	if err != nil {
		return err
	}
	defer loader.Close()

	logger, err := clog.New(&cfg.Log)
	if err != nil {
		return xerrors.Wrap(err, "init logger")
	}
	defer logger.Flush()

	meter, err := metrics.New(&cfg.Metrics, metrics.WithLogger(logger))
	if err != nil {
		return xerrors.Wrap(err, "init metrics")
	}
	shutdownTrace, err := trace.Init(&cfg.Trace)
	if err != nil {
		return xerrors.Wrap(err, "init trace")
	}

	a := &app{cfg: cfg, logger: logger, meter: meter}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.close()
		if err := shutdownTrace(shutdownCtx); err != nil {
			logger.Warn("trace shutdown failed", clog.Error(err))
		}
		if err := meter.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", clog.Error(err))
		}
	}()
	if err := a.assemble(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	if err := a.serve(errCh); err != nil {
		return err
	}
	go a.watchLogLevel(ctx, loader)

	report := a.srv.Report()
	logger.Info("registrar started",
		clog.String("role", string(report.Role)),
		clog.Strings("addresses", report.Addresses),
		clog.Int("instances", report.Instances))

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return nil
	case err := <-errCh:
		return err
	}
}

// app 持有进程内组装出的全部组件，按创建的相反顺序关闭
type app struct {
	cfg    *AppConfig
	logger clog.Logger
	meter  metrics.Meter

	nats      connector.NATSConnector
	etcd      connector.EtcdConnector
	dialer    interface{ Close() error }
	srv       *server.Server
	bootstrap *bootstrap.Loader
}

func (a *app) assemble(ctx context.Context) error {
	if a.cfg.NATS.Enabled {
		conn, err := connector.NewNATS(&a.cfg.NATS.NATSConfig, connector.WithLogger(a.logger), connector.WithMeter(a.meter))
		if err != nil {
			return err
		}
		a.nats = conn
		if err := conn.Connect(ctx); err != nil {
			return xerrors.Wrap(err, "connect nats")
		}
	}

	opts := []server.Option{server.WithLogger(a.logger), server.WithMeter(a.meter)}
	var err error
	switch server.Role(a.cfg.Role) {
	case server.RoleRead:
		var upstream channel.Factory
		upstream, err = a.upstream()
		if err != nil {
			return err
		}
		a.srv, err = server.NewReadServer(upstream, &a.cfg.Server, &a.cfg.Upstream.Client, opts...)
	default:
		a.srv, err = server.NewWriteServer(&a.cfg.Server, opts...)
	}
	if err != nil {
		return xerrors.Wrap(err, "assemble server")
	}

	if a.cfg.Bootstrap.Enabled && a.srv.Role() == server.RoleWrite {
		return a.startBootstrap(ctx)
	}
	return nil
}

// upstreamTarget grpc_resolver 开启时通道拨号的逻辑目标
var upstreamTarget = resolver.Endpoint{Host: "write-cluster"}

// upstream 读服务端连接写集群的通道工厂
func (a *app) upstream() (channel.Factory, error) {
	up := &a.cfg.Upstream
	r, err := upstreamResolver(up, a.logger, a.meter)
	if err != nil {
		return nil, xerrors.Wrap(err, "build upstream resolver")
	}
	topts := []transport.Option{transport.WithLogger(a.logger), transport.WithMeter(a.meter)}
	var d transport.Dialer
	switch up.Transport {
	case "nats":
		d = transport.NewNATSDialer(a.nats.GetClient(), topts...)
	default:
		if up.GRPCResolver {
			topts = append(topts, transport.WithResolver(r, 0))
			r = resolver.FromEndpoints(upstreamTarget)
		}
		gd := transport.NewGRPCDialer(topts...)
		a.dialer = gd
		d = gd
	}
	return channel.NewFactory(r, d, &up.Channel, channel.WithLogger(a.logger), channel.WithMeter(a.meter))
}

func (a *app) startBootstrap(ctx context.Context) error {
	conn, err := connector.NewEtcd(&a.cfg.Etcd, connector.WithLogger(a.logger), connector.WithMeter(a.meter))
	if err != nil {
		return err
	}
	a.etcd = conn
	if err := conn.Connect(ctx); err != nil {
		return xerrors.Wrap(err, "connect etcd")
	}
	a.bootstrap, err = bootstrap.New(conn, a.srv.Registry(), a.srv.Batching(), &a.cfg.Bootstrap,
		bootstrap.WithLogger(a.logger), bootstrap.WithMeter(a.meter))
	if err != nil {
		return err
	}
	go func() {
		if err := a.bootstrap.Watch(ctx); err != nil {
			a.logger.Error("bootstrap watch stopped", clog.Error(err))
		}
	}()
	return nil
}

func (a *app) serve(errCh chan<- error) error {
	lis, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return xerrors.Wrapf(err, "listen %s", a.cfg.Listen)
	}
	go func() {
		if err := a.srv.ServeGRPC(lis); err != nil && !xerrors.Is(err, server.ErrServerClosed) {
			errCh <- xerrors.Wrap(err, "serve grpc")
		}
	}()
	if a.nats != nil {
		if err := a.srv.ServeNATS(a.nats.GetClient()); err != nil {
			return xerrors.Wrap(err, "serve nats")
		}
	}
	return nil
}

// watchLogLevel 配置文件中 log.level 变化时调整日志级别
func (a *app) watchLogLevel(ctx context.Context, loader config.Loader) {
	events, err := loader.Watch(ctx, "log.level")
	if err != nil {
		a.logger.Warn("watch log level failed", clog.Error(err))
		return
	}
	for ev := range events {
		level, err := clog.ParseLevel(fmt.Sprint(ev.Value))
		if err != nil {
			a.logger.Warn("ignore log level change", clog.Error(err))
			continue
		}
		if err := a.logger.SetLevel(level); err != nil {
			a.logger.Warn("set log level failed", clog.Error(err))
			continue
		}
		a.logger.Info("log level changed", clog.String("level", level.String()))
	}
}

func (a *app) close() {
	if a.bootstrap != nil {
		_ = a.bootstrap.Close()
	}
	if a.srv != nil {
		if err := a.srv.Close(); err != nil {
			a.logger.Warn("server close failed", clog.Error(err))
		}
	}
	if a.dialer != nil {
		_ = a.dialer.Close()
	}
	if a.etcd != nil {
		_ = a.etcd.Close()
	}
	if a.nats != nil {
		_ = a.nats.Close()
	}
}
