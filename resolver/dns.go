package resolver

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/miekg/dns"
	"github.com/sony/gobreaker/v2"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

// LookupFunc 把 DNS 名解析为主机地址
type LookupFunc func(ctx context.Context, name string) ([]string, error)

// DNSConfig DNS 解析配置
type DNSConfig struct {
	// Name 要解析的域名
	Name string `mapstructure:"name"`
	// Port 解析结果使用的端口，默认 DefaultPort
	Port   int  `mapstructure:"port"`
	Secure bool `mapstructure:"secure"`
	// Nameserver host:port，为空时读取 /etc/resolv.conf
	Nameserver string `mapstructure:"nameserver"`
	// TTL 结果缓存时长，到期后下一次 Resolve 重新查询
	TTL     time.Duration `mapstructure:"ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
	// FailureThreshold 连续失败多少次后熔断，熔断期间直接返回上一次成功结果
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

func (c *DNSConfig) validate() error {
	if c.Name == "" {
		return xerrors.Wrap(xerrors.ErrInvalidInput, "dns name is required")
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.TTL <= 0 {
		c.TTL = 30 * time.Second
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	return nil
}

// DNSResolver 基于 DNS A/AAAA 记录的 Resolver。
// 查询失败时返回上一次成功的结果，从未成功过才返回 ErrResolution。
type DNSResolver struct {
	cfg     DNSConfig
	lookup  LookupFunc
	cache   *otter.Cache[string, []Endpoint]
	breaker *gobreaker.CircuitBreaker[[]string]

	mu       sync.Mutex
	lastGood []Endpoint

	logger   clog.Logger
	failures metrics.Counter
	duration metrics.Histogram
}

// NewDNSResolver 创建 DNS Resolver
func NewDNSResolver(cfg *DNSConfig, opts ...Option) (*DNSResolver, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "dns config is nil")
	}
	c := *cfg
	if err := c.validate(); err != nil {
		return nil, err
	}
	o := applyOptions(opts...)

	cache, err := otter.New(&otter.Options[string, []Endpoint]{
		MaximumSize:      16,
		ExpiryCalculator: otter.ExpiryWriting[string, []Endpoint](c.TTL),
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "failed to build dns cache")
	}

	lookup := o.lookup
	if lookup == nil {
		lookup = newDNSLookup(c.Nameserver, c.Timeout)
	}

	r := &DNSResolver{
		cfg:      c,
		lookup:   lookup,
		cache:    cache,
		logger:   o.logger.With(clog.String("dns_name", c.Name)),
		failures: metrics.CounterOf(o.meter, metrics.MetricResolverFailures, "Failed endpoint resolutions"),
		duration: metrics.HistogramOf(o.meter, metrics.MetricResolverDuration, "DNS lookup latency",
			metrics.WithUnit("s"), metrics.WithBuckets([]float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2})),
	}
	r.breaker = gobreaker.NewCircuitBreaker[[]string](gobreaker.Settings{
		Name:    "dns:" + c.Name,
		Timeout: c.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.FailureThreshold
		},
		// 调用方取消不代表 DNS 不可用
		IsSuccessful: func(err error) bool {
			return err == nil || xerrors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("dns breaker state changed", clog.String("from", from.String()), clog.String("to", to.String()))
		},
	})
	return r, nil
}

func (r *DNSResolver) Resolve(ctx context.Context) ([]Endpoint, error) {
	if eps, ok := r.cache.GetIfPresent(r.cfg.Name); ok {
		return slices.Clone(eps), nil
	}

	start := time.Now()
	hosts, err := r.breaker.Execute(func() ([]string, error) {
		hosts, err := r.lookup(ctx, r.cfg.Name)
		if err == nil && len(hosts) == 0 {
			err = xerrors.New("no address records")
		}
		return hosts, err
	})
	r.duration.Record(ctx, time.Since(start).Seconds())

	if err != nil {
		r.failures.Inc(ctx, metrics.L(metrics.LabelResolver, "dns"))
		r.mu.Lock()
		last := slices.Clone(r.lastGood)
		r.mu.Unlock()
		if len(last) > 0 {
			r.logger.Warn("dns lookup failed, using last known endpoints", clog.Error(err), clog.Int("endpoints", len(last)))
			return last, nil
		}
		r.logger.Error("dns lookup failed", clog.Error(err))
		return nil, xerrors.Wrapf(ErrResolution, "dns %s: %v", r.cfg.Name, err)
	}

	slices.Sort(hosts)
	hosts = slices.Compact(hosts)
	eps := make([]Endpoint, 0, len(hosts))
	for _, h := range hosts {
		eps = append(eps, Endpoint{Host: h, Port: r.cfg.Port, Secure: r.cfg.Secure})
	}
	r.cache.Set(r.cfg.Name, eps)
	r.mu.Lock()
	r.lastGood = eps
	r.mu.Unlock()
	r.logger.Debug("dns resolved", clog.Int("endpoints", len(eps)))
	return slices.Clone(eps), nil
}

// Invalidate 丢弃缓存，下一次 Resolve 重新查询
func (r *DNSResolver) Invalidate() {
	r.cache.Invalidate(r.cfg.Name)
}

// newDNSLookup 使用 miekg/dns 直接向 nameserver 查询 A 与 AAAA 记录
func newDNSLookup(nameserver string, timeout time.Duration) LookupFunc {
	return func(ctx context.Context, name string) ([]string, error) {
		server := nameserver
		if server == "" {
			conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
			if err != nil || len(conf.Servers) == 0 {
				return nil, xerrors.Wrap(ErrResolution, "no nameserver configured")
			}
			server = net.JoinHostPort(conf.Servers[0], conf.Port)
		}

		client := &dns.Client{Timeout: timeout}
		var hosts []string
		for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
			m := new(dns.Msg)
			m.SetQuestion(dns.Fqdn(name), qtype)
			m.RecursionDesired = true
			resp, _, err := client.ExchangeContext(ctx, m, server)
			if err != nil {
				return nil, xerrors.Wrapf(err, "query %s", dns.TypeToString[qtype])
			}
			if resp.Rcode != dns.RcodeSuccess {
				return nil, xerrors.Wrapf(ErrResolution, "%s rcode %s", dns.TypeToString[qtype], dns.RcodeToString[resp.Rcode])
			}
			for _, ans := range resp.Answer {
				switch rr := ans.(type) {
				case *dns.A:
					hosts = append(hosts, rr.A.String())
				case *dns.AAAA:
					hosts = append(hosts, rr.AAAA.String())
				}
			}
		}
		return hosts, nil
	}
}
