// Package interest 定义订阅条件与变更通知。
//
// Interest 是值类型，所有构造函数都会规范化（排序、去重、展开并集、
// Full 吸收其他条件、丢弃 None），因此 Key 可作为相等判断与索引去重的依据。
package interest

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/ceyewan/registrar/instance"
	"github.com/ceyewan/registrar/xerrors"
)

// ErrMalformedInterest 订阅条件不合法
var ErrMalformedInterest = xerrors.New("malformed interest")

// Kind 订阅条件类型
type Kind uint8

const (
	KindNone Kind = iota
	KindFull
	KindApplication
	KindVip
	KindSecureVip
	KindInstance
	KindUnion
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindFull:
		return "full"
	case KindApplication:
		return "app"
	case KindVip:
		return "vip"
	case KindSecureVip:
		return "svip"
	case KindInstance:
		return "instance"
	case KindUnion:
		return "union"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k Kind) simple() bool {
	return k >= KindApplication && k <= KindInstance
}

// Interest 订阅条件。零值等价于 None()。
type Interest struct {
	Kind   Kind       `json:"kind" msgpack:"k"`
	Values []string   `json:"values,omitempty" msgpack:"v,omitempty"`
	Parts  []Interest `json:"parts,omitempty" msgpack:"p,omitempty"`
}

// Full 匹配所有实例
func Full() Interest { return Interest{Kind: KindFull} }

// None 不匹配任何实例
func None() Interest { return Interest{Kind: KindNone} }

// ForApplications 按应用名匹配
func ForApplications(apps ...string) Interest { return simple(KindApplication, apps) }

// ForVips 按 VIP 地址匹配
func ForVips(vips ...string) Interest { return simple(KindVip, vips) }

// ForSecureVips 按安全 VIP 地址匹配
func ForSecureVips(vips ...string) Interest { return simple(KindSecureVip, vips) }

// ForInstance 匹配单个实例
func ForInstance(id string) Interest { return simple(KindInstance, []string{id}) }

func simple(kind Kind, values []string) Interest {
	vs := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			vs = append(vs, v)
		}
	}
	if len(vs) == 0 {
		return None()
	}
	slices.Sort(vs)
	return Interest{Kind: kind, Values: slices.Compact(vs)}
}

// Union 多个条件的并集
func Union(parts ...Interest) Interest {
	byKind := map[Kind][]string{}
	var walk func(Interest) bool
	walk = func(in Interest) bool {
		switch {
		case in.Kind == KindFull:
			return true
		case in.Kind == KindUnion:
			for _, p := range in.Parts {
				if walk(p) {
					return true
				}
			}
		case in.Kind.simple():
			byKind[in.Kind] = append(byKind[in.Kind], in.Values...)
		}
		return false
	}
	for _, p := range parts {
		if walk(p) {
			return Full()
		}
	}

	var out []Interest
	for k := KindApplication; k <= KindInstance; k++ {
		if vs, ok := byKind[k]; ok {
			if s := simple(k, vs); s.Kind != KindNone {
				out = append(out, s)
			}
		}
	}
	switch len(out) {
	case 0:
		return None()
	case 1:
		return out[0]
	default:
		return Interest{Kind: KindUnion, Parts: out}
	}
}

// Normalize 将外部输入（例如线上解码得到的条件）转换为规范形式
func (i Interest) Normalize() Interest {
	switch {
	case i.Kind == KindFull:
		return Full()
	case i.Kind.simple():
		return simple(i.Kind, i.Values)
	case i.Kind == KindUnion:
		return Union(i.Parts...)
	default:
		return None()
	}
}

// Validate 检查线上收到的条件是否结构完整
func (i Interest) Validate() error {
	switch {
	case i.Kind == KindNone || i.Kind == KindFull:
		if len(i.Values) > 0 || len(i.Parts) > 0 {
			return xerrors.Wrapf(ErrMalformedInterest, "%s interest carries operands", i.Kind)
		}
	case i.Kind.simple():
		if len(i.Parts) > 0 {
			return xerrors.Wrapf(ErrMalformedInterest, "%s interest carries parts", i.Kind)
		}
		if len(i.Values) == 0 {
			return xerrors.Wrapf(ErrMalformedInterest, "%s interest has no values", i.Kind)
		}
		if slices.Contains(i.Values, "") {
			return xerrors.Wrapf(ErrMalformedInterest, "%s interest has an empty value", i.Kind)
		}
	case i.Kind == KindUnion:
		if len(i.Values) > 0 || len(i.Parts) == 0 {
			return xerrors.Wrap(ErrMalformedInterest, "union needs parts and no values")
		}
		for _, p := range i.Parts {
			if err := p.Validate(); err != nil {
				return err
			}
		}
	default:
		return xerrors.Wrapf(ErrMalformedInterest, "unknown kind %d", uint8(i.Kind))
	}
	return nil
}

// Matches 判断实例是否满足条件
func (i Interest) Matches(info *instance.InstanceInfo) bool {
	if info == nil {
		return false
	}
	switch i.Kind {
	case KindFull:
		return true
	case KindApplication:
		return contains(i.Values, info.App)
	case KindVip:
		return contains(i.Values, info.VipAddress)
	case KindSecureVip:
		return contains(i.Values, info.SecureVipAddress)
	case KindInstance:
		return contains(i.Values, info.ID)
	case KindUnion:
		for _, p := range i.Parts {
			if p.Matches(info) {
				return true
			}
		}
	}
	return false
}

func contains(values []string, v string) bool {
	return v != "" && slices.Contains(values, v)
}

// Key 规范化后的字符串表示，相同语义的条件 Key 相同
func (i Interest) Key() string {
	n := i.Normalize()
	var b strings.Builder
	n.writeKey(&b)
	return b.String()
}

func (i Interest) writeKey(b *strings.Builder) {
	b.WriteString(i.Kind.String())
	switch {
	case i.Kind.simple():
		b.WriteByte(':')
		for idx, v := range i.Values {
			if idx > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Quote(v))
		}
	case i.Kind == KindUnion:
		b.WriteByte('(')
		for idx, p := range i.Parts {
			if idx > 0 {
				b.WriteByte('|')
			}
			p.writeKey(b)
		}
		b.WriteByte(')')
	}
}

func (i Interest) String() string {
	return i.Key()
}

// Equal 语义相等
func (i Interest) Equal(o Interest) bool {
	return i.Key() == o.Key()
}

// Contains 判断 o 匹配的实例是否一定被 i 匹配。无法判定时返回 false。
func (i Interest) Contains(o Interest) bool {
	i, o = i.Normalize(), o.Normalize()
	switch {
	case o.Kind == KindNone || i.Kind == KindFull:
		return true
	case i.Kind == KindNone || o.Kind == KindFull:
		return false
	case o.Kind == KindUnion:
		for _, p := range o.Parts {
			if !i.Contains(p) {
				return false
			}
		}
		return true
	case i.Kind == KindUnion:
		for _, p := range i.Parts {
			if p.Kind == o.Kind {
				return p.Contains(o)
			}
		}
		return false
	case i.Kind == o.Kind:
		for _, v := range o.Values {
			if !contains(i.Values, v) {
				return false
			}
		}
		return true
	}
	return false
}
