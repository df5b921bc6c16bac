package instance

import (
	"fmt"

	"github.com/google/uuid"
)

// Origin 数据来源类别，数值越大优先级越高
type Origin uint8

const (
	OriginBootstrap Origin = iota + 1
	OriginReplicated
	OriginLocal
)

func (o Origin) String() string {
	switch o {
	case OriginBootstrap:
		return "bootstrap"
	case OriginReplicated:
		return "replicated"
	case OriginLocal:
		return "local"
	default:
		return fmt.Sprintf("origin(%d)", uint8(o))
	}
}

// ParseOrigin 解析 local/replicated/bootstrap
func ParseOrigin(s string) (Origin, error) {
	switch s {
	case "local":
		return OriginLocal, nil
	case "replicated":
		return OriginReplicated, nil
	case "bootstrap":
		return OriginBootstrap, nil
	}
	return 0, fmt.Errorf("unknown origin %q", s)
}

// Source 一条注册数据的出处：本地连接、复制对端或引导数据。
// 同一连接的生命周期内 ID 不变，重连后使用新的 ID。
type Source struct {
	Origin Origin `json:"origin" msgpack:"origin"`
	Name   string `json:"name" msgpack:"name"`
	ID     string `json:"id" msgpack:"id"`
}

// NewSource 创建一个带随机 ID 的 Source
func NewSource(origin Origin, name string) Source {
	return Source{Origin: origin, Name: name, ID: uuid.NewString()}
}

// Key 用于比较与排序的稳定字符串
func (s Source) Key() string {
	return s.Origin.String() + ":" + s.Name + ":" + s.ID
}

func (s Source) String() string {
	return s.Key()
}

// IsZero 是否未设置
func (s Source) IsZero() bool {
	return s == Source{}
}

// Matcher 批量驱逐时用于挑选 Source
type Matcher func(Source) bool

// MatchExact 精确匹配
func MatchExact(src Source) Matcher {
	return func(s Source) bool { return s == src }
}

// MatchName 匹配同一 origin 与 name 下的所有 Source（忽略 ID）
func MatchName(origin Origin, name string) Matcher {
	return func(s Source) bool { return s.Origin == origin && s.Name == name }
}

// MatchOrigin 匹配某一类 origin
func MatchOrigin(origin Origin) Matcher {
	return func(s Source) bool { return s.Origin == origin }
}
