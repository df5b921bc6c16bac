package config

import (
	"strings"

	"github.com/ceyewan/registrar/clog"
	"github.com/ceyewan/registrar/xerrors"
)

// ErrValidationFailed 配置校验失败
var ErrValidationFailed = xerrors.New("configuration validation failed")

// Config 加载器配置
type Config struct {
	Name      string   // 配置文件名称（不含扩展名），默认 config
	Paths     []string // 搜索路径，默认 [".", "./configs"]
	FileType  string   // 默认 yaml
	EnvPrefix string   // 默认 REGISTRAR
}

func (c *Config) validate() error {
	if c.Name == "" {
		c.Name = "config"
	}
	if c.Paths == nil {
		c.Paths = []string{".", "./configs"}
	}
	if c.FileType == "" {
		c.FileType = "yaml"
	}
	if c.EnvPrefix == "" {
		c.EnvPrefix = "REGISTRAR"
	}
	c.EnvPrefix = strings.ToUpper(c.EnvPrefix)
	if strings.ContainsAny(c.EnvPrefix, ". ") {
		return xerrors.Wrapf(xerrors.ErrInvalidInput, "env prefix %q", c.EnvPrefix)
	}
	return nil
}

// Option 加载器选项
type Option func(*options)

type options struct {
	logger clog.Logger
}

// WithLogger 注入 Logger，追加 "config" 命名空间
func WithLogger(l clog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l.WithNamespace("config")
		}
	}
}

// New 创建配置加载器，cfg 为 nil 时使用默认配置。
func New(cfg *Config, opts ...Option) (Loader, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	o := &options{logger: clog.Discard()}
	for _, opt := range opts {
		opt(o)
	}
	return newLoader(cfg, o), nil
}

// IsValidationError 判断是否为配置校验失败
func IsValidationError(err error) bool {
	return xerrors.Is(err, ErrValidationFailed)
}
