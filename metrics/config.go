package metrics

import (
	"strings"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/xerrors"
)

// Config 指标配置
//
//	metrics:
//	  enabled: true
//	  service_name: registrar-write
//	  version: v0.3.0
//	  port: 9090
//	  path: /metrics
//	  runtime: true
type Config struct {
	// Enabled 为 false 时 New 返回 noop Meter
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Version     string `mapstructure:"version"`
	// Port 大于 0 时启动 Prometheus HTTP 服务
	Port int    `mapstructure:"port"`
	Path string `mapstructure:"path"`
	// Runtime 是否采集 Go runtime 指标
	Runtime bool `mapstructure:"runtime"`
}

// NewDevDefaultConfig 开发环境默认配置，不监听端口
func NewDevDefaultConfig(serviceName string) *Config {
	return &Config{
		Enabled:     true,
		ServiceName: serviceName,
		Version:     "dev",
		Path:        "/metrics",
	}
}

func (c *Config) validate() error {
	if c.ServiceName == "" {
		c.ServiceName = "registrar"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if !strings.HasPrefix(c.Path, "/") {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "metrics path %q must start with /", c.Path)
	}
	if c.Port < 0 || c.Port > 65535 {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "metrics port %d", c.Port)
	}
	return nil
}

// Option Meter 选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 注入 Logger，追加 "metrics" 命名空间
func WithLogger(logger clog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger.WithNamespace("metrics")
		}
	}
}
