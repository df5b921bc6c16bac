// Package instance 定义注册中心的数据模型：实例信息与数据来源。
//
// InstanceInfo 发布后不可修改，需要变更时通过 Next 派生一个新版本。
package instance

import (
	"maps"
	"net"
	"slices"
	"strconv"

	"github.com/ceyewan/registrar/xerrors"
)

// ErrInvalidInstance 实例信息不完整
var ErrInvalidInstance = xerrors.New("invalid instance")

// Status 实例健康状态
type Status string

const (
	StatusUp           Status = "UP"
	StatusDown         Status = "DOWN"
	StatusStarting     Status = "STARTING"
	StatusOutOfService Status = "OUT_OF_SERVICE"
	StatusUnknown      Status = "UNKNOWN"
)

// Valid 是否为已知状态
func (s Status) Valid() bool {
	switch s {
	case StatusUp, StatusDown, StatusStarting, StatusOutOfService, StatusUnknown:
		return true
	}
	return false
}

// DataCenterName 数据中心类型
type DataCenterName string

const (
	DataCenterMyOwn  DataCenterName = "MyOwn"
	DataCenterAmazon DataCenterName = "Amazon"
)

// DataCenter 实例所在的数据中心。MyOwn 数据中心没有 zone 亲和性。
type DataCenter struct {
	Name   DataCenterName `json:"name" msgpack:"name"`
	Region string         `json:"region,omitempty" msgpack:"region,omitempty"`
	Zone   string         `json:"zone,omitempty" msgpack:"zone,omitempty"`
}

// HasZoneAffinity 是否携带可用于就近排序的 zone
func (d DataCenter) HasZoneAffinity() bool {
	return d.Name != DataCenterMyOwn && d.Name != "" && d.Zone != ""
}

// ServicePort 实例暴露的端口
type ServicePort struct {
	Name   string `json:"name,omitempty" msgpack:"name,omitempty"`
	Port   int    `json:"port" msgpack:"port"`
	Secure bool   `json:"secure,omitempty" msgpack:"secure,omitempty"`
}

// InstanceInfo 某个版本的实例快照
type InstanceInfo struct {
	ID               string            `json:"id" msgpack:"id"`
	App              string            `json:"app" msgpack:"app"`
	AppGroup         string            `json:"app_group,omitempty" msgpack:"app_group,omitempty"`
	VipAddress       string            `json:"vip_address,omitempty" msgpack:"vip,omitempty"`
	SecureVipAddress string            `json:"secure_vip_address,omitempty" msgpack:"svip,omitempty"`
	HostName         string            `json:"hostname,omitempty" msgpack:"host,omitempty"`
	IPAddress        string            `json:"ip,omitempty" msgpack:"ip,omitempty"`
	Ports            []ServicePort     `json:"ports,omitempty" msgpack:"ports,omitempty"`
	Status           Status            `json:"status" msgpack:"status"`
	DataCenter       DataCenter        `json:"datacenter" msgpack:"dc"`
	Metadata         map[string]string `json:"metadata,omitempty" msgpack:"meta,omitempty"`
	Version          int64             `json:"version" msgpack:"version"`
}

// Validate 检查必填字段
func (i *InstanceInfo) Validate() error {
	if i == nil {
		return xerrors.Wrap(ErrInvalidInstance, "nil instance")
	}
	if i.ID == "" {
		return xerrors.Wrap(ErrInvalidInstance, "empty id")
	}
	if i.App == "" {
		return xerrors.Wrapf(ErrInvalidInstance, "instance %s has no app", i.ID)
	}
	if i.Status != "" && !i.Status.Valid() {
		return xerrors.Wrapf(ErrInvalidInstance, "instance %s has unknown status %q", i.ID, i.Status)
	}
	for _, p := range i.Ports {
		if p.Port <= 0 || p.Port > 65535 {
			return xerrors.Wrapf(ErrInvalidInstance, "instance %s has invalid port %d", i.ID, p.Port)
		}
	}
	return nil
}

// Clone 深拷贝
func (i *InstanceInfo) Clone() *InstanceInfo {
	if i == nil {
		return nil
	}
	c := *i
	c.Ports = slices.Clone(i.Ports)
	c.Metadata = maps.Clone(i.Metadata)
	return &c
}

// Next 派生下一个版本：拷贝、应用 mutate 并将 Version 加一
func (i *InstanceInfo) Next(mutate func(*InstanceInfo)) *InstanceInfo {
	c := i.Clone()
	if mutate != nil {
		mutate(c)
	}
	c.Version = i.Version + 1
	return c
}

// Equal 比较所有字段，Metadata 为 nil 与空 map 视为相等
func (i *InstanceInfo) Equal(o *InstanceInfo) bool {
	if i == nil || o == nil {
		return i == o
	}
	return i.ID == o.ID &&
		i.App == o.App &&
		i.AppGroup == o.AppGroup &&
		i.VipAddress == o.VipAddress &&
		i.SecureVipAddress == o.SecureVipAddress &&
		i.HostName == o.HostName &&
		i.IPAddress == o.IPAddress &&
		slices.Equal(i.Ports, o.Ports) &&
		i.Status == o.Status &&
		i.DataCenter == o.DataCenter &&
		maps.Equal(i.Metadata, o.Metadata) &&
		i.Version == o.Version
}

// NewerThan 版本号是否严格大于 o
func (i *InstanceInfo) NewerThan(o *InstanceInfo) bool {
	if o == nil {
		return true
	}
	return i.Version > o.Version
}

// Host 优先返回 IP，其次主机名
func (i *InstanceInfo) Host() string {
	if i.IPAddress != "" {
		return i.IPAddress
	}
	return i.HostName
}

// Address 返回指定名称端口的 host:port，name 为空取第一个端口
func (i *InstanceInfo) Address(name string) (string, bool) {
	for _, p := range i.Ports {
		if name == "" || p.Name == name {
			return net.JoinHostPort(i.Host(), strconv.Itoa(p.Port)), true
		}
	}
	return "", false
}
