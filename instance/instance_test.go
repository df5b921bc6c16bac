package instance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func sample() *InstanceInfo {
	return &InstanceInfo{
		ID:         "i-1",
		App:        "orders",
		VipAddress: "orders.vip",
		IPAddress:  "10.0.0.1",
		Ports:      []ServicePort{{Name: "http", Port: 8080}, {Name: "grpc", Port: 9090, Secure: true}},
		Status:     StatusUp,
		DataCenter: DataCenter{Name: DataCenterAmazon, Region: "us-east-1", Zone: "us-east-1c"},
		Metadata:   map[string]string{"weight": "10"},
		Version:    1,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*InstanceInfo)
		ok     bool
	}{
		{"valid", func(*InstanceInfo) {}, true},
		{"empty status allowed", func(i *InstanceInfo) { i.Status = "" }, true},
		{"missing id", func(i *InstanceInfo) { i.ID = "" }, false},
		{"missing app", func(i *InstanceInfo) { i.App = "" }, false},
		{"bad status", func(i *InstanceInfo) { i.Status = "SLEEPING" }, false},
		{"bad port", func(i *InstanceInfo) { i.Ports = []ServicePort{{Port: 70000}} }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := sample()
			tt.mutate(info)
			err := info.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidInstance)
			}
		})
	}

	var nilInfo *InstanceInfo
	assert.ErrorIs(t, nilInfo.Validate(), ErrInvalidInstance)
}

func TestCloneIsDeep(t *testing.T) {
	a := sample()
	b := a.Clone()
	require.True(t, a.Equal(b))

	b.Metadata["weight"] = "20"
	b.Ports[0].Port = 1
	assert.Equal(t, "10", a.Metadata["weight"])
	assert.Equal(t, 8080, a.Ports[0].Port)
	assert.False(t, a.Equal(b))
}

func TestNext(t *testing.T) {
	a := sample()
	b := a.Next(func(i *InstanceInfo) { i.Status = StatusDown })
	assert.Equal(t, int64(2), b.Version)
	assert.Equal(t, StatusDown, b.Status)
	assert.Equal(t, StatusUp, a.Status)
	assert.True(t, b.NewerThan(a))
	assert.False(t, a.NewerThan(b))
	assert.True(t, a.NewerThan(nil))
}

func TestEqualNilAndEmptyMetadata(t *testing.T) {
	a := sample()
	a.Metadata = nil
	b := a.Clone()
	b.Metadata = map[string]string{}
	assert.True(t, a.Equal(b))

	var n *InstanceInfo
	assert.True(t, n.Equal(nil))
	assert.False(t, a.Equal(nil))
}

func TestAddress(t *testing.T) {
	a := sample()
	addr, ok := a.Address("grpc")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:9090", addr)

	addr, ok = a.Address("")
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1:8080", addr)

	_, ok = a.Address("admin")
	assert.False(t, ok)

	a.IPAddress = ""
	a.HostName = "orders-1.local"
	assert.Equal(t, "orders-1.local", a.Host())
}

func TestDataCenterAffinity(t *testing.T) {
	assert.True(t, DataCenter{Name: DataCenterAmazon, Zone: "us-east-1c"}.HasZoneAffinity())
	assert.False(t, DataCenter{Name: DataCenterMyOwn, Zone: "us-east-1c"}.HasZoneAffinity())
	assert.False(t, DataCenter{Name: DataCenterAmazon}.HasZoneAffinity())
}

func TestEncoding(t *testing.T) {
	a := sample()

	raw, err := json.Marshal(a)
	require.NoError(t, err)
	var fromJSON InstanceInfo
	require.NoError(t, json.Unmarshal(raw, &fromJSON))
	assert.True(t, a.Equal(&fromJSON))

	packed, err := msgpack.Marshal(a)
	require.NoError(t, err)
	var fromPack InstanceInfo
	require.NoError(t, msgpack.Unmarshal(packed, &fromPack))
	assert.True(t, a.Equal(&fromPack))
}

func TestSource(t *testing.T) {
	a := NewSource(OriginLocal, "write-1")
	b := NewSource(OriginLocal, "write-1")
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "local:write-1:"+a.ID, a.Key())
	assert.False(t, a.IsZero())
	assert.True(t, Source{}.IsZero())

	assert.True(t, MatchExact(a)(a))
	assert.False(t, MatchExact(a)(b))
	assert.True(t, MatchName(OriginLocal, "write-1")(b))
	assert.False(t, MatchName(OriginReplicated, "write-1")(b))
	assert.True(t, MatchOrigin(OriginLocal)(a))

	assert.Greater(t, OriginLocal, OriginReplicated)
	assert.Greater(t, OriginReplicated, OriginBootstrap)

	o, err := ParseOrigin("replicated")
	require.NoError(t, err)
	assert.Equal(t, OriginReplicated, o)
	_, err = ParseOrigin("peer")
	assert.Error(t, err)
}
