package registry

import (
	"slices"

	"github.com/ceyewan/registrar/instance"
)

// holder 某个来源对实例的一份持有
type holder struct {
	source instance.Source
	info   *instance.InstanceInfo
}

// outranks 报告 a 是否优先于 b
func outranks(a, b holder) bool {
	if a.source.Origin != b.source.Origin {
		return a.source.Origin > b.source.Origin
	}
	if a.info.Version != b.info.Version {
		return a.info.Version > b.info.Version
	}
	return a.source.Key() < b.source.Key()
}

// entry 同一实例 ID 的全部持有
type entry struct {
	holders []holder
}

func (e *entry) visible() *instance.InstanceInfo {
	if e == nil || len(e.holders) == 0 {
		return nil
	}
	best := e.holders[0]
	for _, h := range e.holders[1:] {
		if outranks(h, best) {
			best = h
		}
	}
	return best.info
}

func (e *entry) find(src instance.Source) int {
	return slices.IndexFunc(e.holders, func(h holder) bool { return h.source == src })
}

// removeMatching 删除匹配的持有，返回删除数量
func (e *entry) removeMatching(match instance.Matcher) int {
	before := len(e.holders)
	e.holders = slices.DeleteFunc(e.holders, func(h holder) bool { return match(h.source) })
	return before - len(e.holders)
}

func (e *entry) sources() []instance.Source {
	hs := slices.Clone(e.holders)
	slices.SortFunc(hs, func(a, b holder) int {
		if a.source == b.source {
			return 0
		}
		if outranks(a, b) {
			return -1
		}
		return 1
	})
	out := make([]instance.Source, len(hs))
	for i, h := range hs {
		out[i] = h.source
	}
	return out
}
