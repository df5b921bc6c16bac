package resolver

import (
	"context"
	"net/url"
	"strconv"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/xerrors"
)

// ConfigSource 提供 region → 可用区 → 服务地址的映射
type ConfigSource interface {
	Region() string
	AvailabilityZones(region string) []string
	ServiceURLs(zone string) []string
}

// StaticConfig 以普通键值数据实现 ConfigSource，可直接由 config.Loader 反序列化：
//
//	resolver:
//	  region: us-east-1
//	  availability_zones:
//	    us-east-1: [us-east-1c, us-east-1d]
//	  service_urls:
//	    us-east-1c: ["http://10.0.0.1:12102", "https://10.0.0.2:12102"]
type StaticConfig struct {
	LocalRegion string              `mapstructure:"region"`
	Zones       map[string][]string `mapstructure:"availability_zones"`
	URLs        map[string][]string `mapstructure:"service_urls"`
}

func (c *StaticConfig) Region() string { return c.LocalRegion }

func (c *StaticConfig) AvailabilityZones(region string) []string { return c.Zones[region] }

func (c *StaticConfig) ServiceURLs(zone string) []string { return c.URLs[zone] }

// ConfigResolver 按配置中的可用区顺序拼接各区的服务地址
type ConfigResolver struct {
	source   ConfigSource
	local    instance.DataCenter
	logger   clog.Logger
	failures metrics.Counter
}

// NewConfigResolver 创建基于配置的 Resolver，local 用于同区优先
func NewConfigResolver(source ConfigSource, local instance.DataCenter, opts ...Option) *ConfigResolver {
	o := applyOptions(opts...)
	return &ConfigResolver{
		source:   source,
		local:    local,
		logger:   o.logger,
		failures: metrics.CounterOf(o.meter, metrics.MetricResolverFailures, "Failed endpoint resolutions"),
	}
}

func (r *ConfigResolver) Resolve(ctx context.Context) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	region := r.source.Region()
	var eps []Endpoint
	for _, zone := range r.source.AvailabilityZones(region) {
		for _, raw := range r.source.ServiceURLs(zone) {
			ep, err := ParseURL(raw)
			if err != nil {
				r.logger.Warn("skip invalid service url", clog.String("zone", zone), clog.String("url", raw), clog.Error(err))
				continue
			}
			ep.Region, ep.Zone = region, zone
			eps = append(eps, ep)
		}
	}
	if len(eps) == 0 {
		r.failures.Inc(ctx, metrics.L(metrics.LabelResolver, "config"))
		return nil, xerrors.Wrapf(ErrResolution, "no service urls configured for region %q", region)
	}
	sortByAffinity(eps, r.local)
	return eps, nil
}

// ParseURL 解析 http(s)://host[:port][/path]，https 视为安全连接，
// 未写端口时 http 取 80，https 取 443
func ParseURL(raw string) (Endpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, xerrors.Wrap(err, "parse url")
	}
	var ep Endpoint
	switch u.Scheme {
	case "http":
		ep.Port = 80
	case "https":
		ep.Secure, ep.Port = true, 443
	default:
		return Endpoint{}, xerrors.Wrapf(xerrors.ErrInvalidInput, "unsupported scheme %q", u.Scheme)
	}
	ep.Host = u.Hostname()
	if ep.Host == "" {
		return Endpoint{}, xerrors.Wrapf(xerrors.ErrInvalidInput, "url %q has no host", raw)
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Endpoint{}, xerrors.Wrapf(xerrors.ErrInvalidInput, "invalid port %q", p)
		}
		ep.Port = port
	}
	return ep, nil
}
