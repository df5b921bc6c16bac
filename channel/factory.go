package channel

import (
	"github.com/ceyewan/registrar/resolver"
	"github.com/ceyewan/registrar/transport"
)

// Factory 为客户端创建新通道，每次重连使用一条新通道
type Factory interface {
	NewRegistration() (Registration, error)
	NewInterest() (Interest, error)
}

// TransportFactory 基于 Resolver 与 Dialer 创建真实通道
type TransportFactory struct {
	resolver resolver.Resolver
	dialer   transport.Dialer
	cfg      Config
	opts     []Option
}

// NewFactory 创建通道工厂，cfg 为 nil 时使用默认配置
func NewFactory(r resolver.Resolver, d transport.Dialer, cfg *Config, opts ...Option) (*TransportFactory, error) {
	c, err := resolveConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &TransportFactory{resolver: r, dialer: d, cfg: c, opts: opts}, nil
}

func (f *TransportFactory) NewRegistration() (Registration, error) {
	return NewRegistrationChannel(f.resolver, f.dialer, &f.cfg, f.opts...)
}

func (f *TransportFactory) NewInterest() (Interest, error) {
	return NewInterestChannel(f.resolver, f.dialer, &f.cfg, f.opts...)
}
