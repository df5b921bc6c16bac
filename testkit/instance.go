package testkit

import (
	"fmt"
	"sync/atomic"

	"github.com/ceyewan/registrar/instance"
)

var instanceSeq atomic.Int64

// NewInstance 生成一个合法的 UP 实例，ID 在进程内唯一
func NewInstance(app string) *instance.InstanceInfo {
	n := instanceSeq.Add(1)
	return &instance.InstanceInfo{
		ID:         fmt.Sprintf("%s-%d", app, n),
		App:        app,
		VipAddress: app + ".vip",
		HostName:   fmt.Sprintf("%s-%d.local", app, n),
		IPAddress:  fmt.Sprintf("10.0.%d.%d", (n/250)%250, n%250+1),
		Ports:      []instance.ServicePort{{Name: "http", Port: 8080}},
		Status:     instance.StatusUp,
		DataCenter: instance.DataCenter{Name: instance.DataCenterMyOwn},
		Version:    1,
	}
}

// NewInstances 为 app 生成 n 个实例
func NewInstances(app string, n int) []*instance.InstanceInfo {
	out := make([]*instance.InstanceInfo, n)
	for i := range out {
		out[i] = NewInstance(app)
	}
	return out
}
