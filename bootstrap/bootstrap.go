// Package bootstrap 从 etcd 前缀加载引导实例。
//
// 前缀下每个 key 保存一个 JSON 编码的 InstanceInfo。引导数据以 Bootstrap 来源
// 成批写入注册表，本地或复制来源出现同一实例时按来源优先级覆盖它。
// Watch 持续跟踪前缀的变化，每个 etcd 响应内的事件作为一个批次应用。
//
//	loader, err := bootstrap.New(etcdConn, srv.Registry(), srv.Batching(), &bootstrap.Config{Prefix: "/registrar/seeds/"})
//	if err != nil {
//		return err
//	}
//	defer loader.Close()
//	go loader.Watch(ctx)
package bootstrap

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ceyewan/registrar/batching"
	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/connector"
	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/metrics"
	"github.com/ceyewan/registrar/registry"
	"github.com/ceyewan/registrar/xerrors"
)

// ErrInvalidSeed 引导数据无法解析或不完整
var ErrInvalidSeed = xerrors.New("invalid bootstrap seed")

// Config 引导配置
//
//	bootstrap:
//	  enabled: true
//	  prefix: /registrar/bootstrap/
//	  name: etcd
type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
	// Name 引导来源名
	Name    string        `mapstructure:"name"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (c *Config) setDefaults() {
	if c.Prefix == "" {
		c.Prefix = "/registrar/bootstrap/"
	}
	if c.Name == "" {
		c.Name = "etcd"
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
}

type options struct {
	logger clog.Logger
	meter  metrics.Meter
}

// Option 可选项
type Option func(*options)

// WithLogger 注入 Logger，自动追加 "bootstrap" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("bootstrap")
		}
	}
}

// WithMeter 注入 Meter
func WithMeter(m metrics.Meter) Option {
	return func(o *options) {
		if m != nil {
			o.meter = m
		}
	}
}

// Loader 把 etcd 中的引导实例同步到注册表
type Loader struct {
	cfg      Config
	conn     connector.EtcdConnector
	registry registry.Registry
	batches  *batching.Registry
	src      instance.Source
	logger   clog.Logger
	loaded   metrics.Counter

	// mu 串行化 Load 与 Watch 的应用过程，keys 记录 etcd key 对应的实例 ID
	mu   sync.Mutex
	keys map[string]string
}

// New 创建 Loader，conn 需已连接或在 Load 前连接
func New(conn connector.EtcdConnector, reg registry.Registry, batches *batching.Registry, cfg *Config, opts ...Option) (*Loader, error) {
	if conn == nil || reg == nil || batches == nil {
		return nil, xerrors.Wrap(xerrors.ErrInvalidInput, "bootstrap requires etcd connector, registry and batching")
	}
	var c Config
	if cfg != nil {
		c = *cfg
	}
	c.setDefaults()
	o := &options{logger: clog.Discard(), meter: metrics.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return &Loader{
		cfg:      c,
		conn:     conn,
		registry: reg,
		batches:  batches,
		src:      instance.NewSource(instance.OriginBootstrap, c.Name),
		logger:   o.logger.With(clog.String("prefix", c.Prefix)),
		loaded:   metrics.CounterOf(o.meter, metrics.MetricBootstrapInstances, "Bootstrap seeds applied to the registry"),
		keys:     make(map[string]string),
	}, nil
}

// Source 引导数据使用的来源
func (l *Loader) Source() instance.Source { return l.src }

// Load 读取前缀下的全部种子并在一个批次内同步到注册表，
// 已不在 etcd 中的引导实例被移除。返回当前引导实例数
func (l *Loader) Load(ctx context.Context) (int, error) {
	_, n, err := l.load(ctx)
	return n, err
}

func (l *Loader) client() (*clientv3.Client, error) {
	cli := l.conn.GetClient()
	if cli == nil {
		return nil, xerrors.Wrapf(connector.ErrNotConnected, "etcd connector %s", l.conn.Name())
	}
	return cli, nil
}

func (l *Loader) load(ctx context.Context) (int64, int, error) {
	cli, err := l.client()
	if err != nil {
		return 0, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()
	resp, err := cli.Get(ctx, l.cfg.Prefix, clientv3.WithPrefix())
	if err != nil {
		return 0, 0, xerrors.Wrap(err, "read bootstrap seeds")
	}

	seeds := make(map[string]*instance.InstanceInfo, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		info, err := DecodeSeed(kv.Value)
		if err != nil {
			l.rejected(ctx, string(kv.Key), err)
			continue
		}
		seeds[string(kv.Key)] = info
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	err = l.batches.Batch(l.src, func() error {
		for key, id := range l.keys {
			if _, ok := seeds[key]; !ok {
				l.removeLocked(key, id)
			}
		}
		for key, info := range seeds {
			l.putLocked(ctx, key, info)
		}
		return nil
	})
	n := len(l.keys)
	l.logger.Info("bootstrap seeds loaded", clog.Int("instances", n), clog.Int64("revision", resp.Header.Revision))
	return resp.Header.Revision, n, err
}

// Watch 加载种子后持续跟踪变化，阻塞直到 ctx 结束或 watch 出现不可恢复的错误。
// 历史被压缩时重新全量加载。
func (l *Loader) Watch(ctx context.Context) error {
	rev, _, err := l.load(ctx)
	if err != nil {
		return err
	}
	for {
		cli, err := l.client()
		if err != nil {
			return err
		}
		wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
		rev, err = l.watch(wctx, cli, rev)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// watch 消费一个 watch 流直到其结束，返回下一次应从哪个 revision 继续
func (l *Loader) watch(ctx context.Context, cli *clientv3.Client, rev int64) (int64, error) {
	wch := cli.Watch(ctx, l.cfg.Prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for wresp := range wch {
		if wresp.CompactRevision != 0 {
			l.logger.Warn("bootstrap watch compacted, reloading", clog.Int64("compact_revision", wresp.CompactRevision))
			next, _, err := l.load(ctx)
			return next, err
		}
		if err := wresp.Err(); err != nil {
			l.logger.Error("bootstrap watch failed", clog.Error(err))
			return rev, xerrors.Wrap(err, "watch bootstrap seeds")
		}
		if len(wresp.Events) > 0 {
			l.apply(ctx, wresp.Events)
		}
		rev = wresp.Header.Revision
	}
	return rev, nil
}

func (l *Loader) apply(ctx context.Context, events []*clientv3.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	err := l.batches.Batch(l.src, func() error {
		for _, ev := range events {
			key := string(ev.Kv.Key)
			switch ev.Type {
			case clientv3.EventTypePut:
				info, err := DecodeSeed(ev.Kv.Value)
				if err != nil {
					l.rejected(ctx, key, err)
					continue
				}
				l.putLocked(ctx, key, info)
			case clientv3.EventTypeDelete:
				if id, ok := l.keys[key]; ok {
					l.removeLocked(key, id)
				}
			}
		}
		return nil
	})
	if err != nil {
		l.logger.Error("bootstrap batch failed", clog.Error(err))
	}
}

func (l *Loader) putLocked(ctx context.Context, key string, info *instance.InstanceInfo) {
	if prev, ok := l.keys[key]; ok && prev != info.ID {
		l.removeLocked(key, prev)
	}
	if _, err := l.registry.Register(l.src, info); err != nil {
		l.rejected(ctx, key, err)
		return
	}
	l.keys[key] = info.ID
	l.loaded.Inc(ctx, metrics.L(metrics.LabelOutcome, metrics.OutcomeSuccess))
}

func (l *Loader) removeLocked(key, id string) {
	delete(l.keys, key)
	for _, other := range l.keys {
		if other == id {
			return
		}
	}
	if _, err := l.registry.Unregister(l.src, id); err != nil {
		l.logger.Warn("bootstrap instance removal failed", clog.String("instance", id), clog.Error(err))
	}
}

func (l *Loader) rejected(ctx context.Context, key string, err error) {
	l.loaded.Inc(ctx, metrics.L(metrics.LabelOutcome, metrics.OutcomeError))
	l.logger.Warn("bootstrap seed skipped", clog.String("key", key), clog.Error(err))
}

// Instances 当前由引导来源持有的实例 ID，按 etcd key 索引
func (l *Loader) Instances() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.keys)
}

// Close 移除全部引导实例，etcd 连接由调用方关闭
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.keys)
	n := l.registry.EvictMatching(instance.MatchOrigin(instance.OriginBootstrap))
	l.logger.Info("bootstrap instances evicted", clog.Int("instances", n))
	return nil
}

// DecodeSeed 解析并校验一个 JSON 种子
func DecodeSeed(b []byte) (*instance.InstanceInfo, error) {
	var info instance.InstanceInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, xerrors.Wrapf(ErrInvalidSeed, "decode: %v", err)
	}
	if err := info.Validate(); err != nil {
		return nil, xerrors.Wrap(ErrInvalidSeed, err.Error())
	}
	if info.Status == "" {
		info.Status = instance.StatusUp
	}
	return &info, nil
}
