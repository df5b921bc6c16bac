package interest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/ceyewan/registrar/instance"
)

func info(id, app, vip string) *instance.InstanceInfo {
	return &instance.InstanceInfo{ID: id, App: app, VipAddress: vip, SecureVipAddress: vip + ".secure", Status: instance.StatusUp}
}

func TestMatches(t *testing.T) {
	orders := info("i-1", "orders", "orders.vip")
	tests := []struct {
		name     string
		interest Interest
		want     bool
	}{
		{"full", Full(), true},
		{"none", None(), false},
		{"zero value is none", Interest{}, false},
		{"app hit", ForApplications("billing", "orders"), true},
		{"app miss", ForApplications("billing"), false},
		{"vip", ForVips("orders.vip"), true},
		{"secure vip", ForSecureVips("orders.vip.secure"), true},
		{"instance", ForInstance("i-1"), true},
		{"instance miss", ForInstance("i-2"), false},
		{"union", Union(ForApplications("billing"), ForInstance("i-1")), true},
		{"union miss", Union(ForApplications("billing"), ForVips("x")), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.interest.Matches(orders))
		})
	}
	assert.False(t, Full().Matches(nil))
	assert.False(t, ForVips("x").Matches(info("i-9", "a", "")))
}

func TestConstructorsNormalize(t *testing.T) {
	assert.Equal(t, ForApplications("a", "b"), ForApplications("b", "a", "b", ""))
	assert.Equal(t, None(), ForApplications())
	assert.Equal(t, None(), ForInstance(""))

	assert.Equal(t, Full(), Union(ForApplications("a"), Full()))
	assert.Equal(t, ForApplications("a"), Union(None(), ForApplications("a")))
	assert.Equal(t, None(), Union())
	assert.Equal(t, ForApplications("a", "b"), Union(ForApplications("b"), ForApplications("a")))

	nested := Union(ForVips("v"), Union(ForApplications("a"), ForApplications("c")))
	require.Equal(t, KindUnion, nested.Kind)
	require.Len(t, nested.Parts, 2)
	assert.Equal(t, ForApplications("a", "c"), nested.Parts[0])
	assert.Equal(t, ForVips("v"), nested.Parts[1])
}

func TestKeyEquality(t *testing.T) {
	a := Union(ForApplications("x", "y"), ForVips("v"))
	b := Union(ForVips("v"), ForApplications("y"), ForApplications("x"))
	assert.Equal(t, a.Key(), b.Key())
	assert.True(t, a.Equal(b))
	assert.Equal(t, `union(app:"x","y"|vip:"v")`, a.Key())

	assert.NotEqual(t, ForApplications("x").Key(), ForVips("x").Key())
	// 逗号出现在值中不会与多值混淆
	assert.NotEqual(t, ForApplications("a,b").Key(), ForApplications("a", "b").Key())
	assert.Equal(t, "full", Full().Key())
	assert.Equal(t, "none", Interest{}.Key())
}

func TestValidate(t *testing.T) {
	valid := []Interest{Full(), None(), ForApplications("a"), Union(ForApplications("a"), ForVips("b"))}
	for _, in := range valid {
		assert.NoError(t, in.Validate(), in.Key())
	}

	malformed := []Interest{
		{Kind: KindFull, Values: []string{"x"}},
		{Kind: KindApplication},
		{Kind: KindVip, Values: []string{""}},
		{Kind: KindInstance, Values: []string{"a"}, Parts: []Interest{Full()}},
		{Kind: KindUnion},
		{Kind: KindUnion, Parts: []Interest{{Kind: KindApplication}}},
		{Kind: Kind(42)},
	}
	for _, in := range malformed {
		assert.ErrorIs(t, in.Validate(), ErrMalformedInterest)
	}
}

func TestNormalizeDecoded(t *testing.T) {
	raw := Interest{Kind: KindUnion, Parts: []Interest{
		{Kind: KindApplication, Values: []string{"b", "a"}},
		{Kind: KindApplication, Values: []string{"a"}},
	}}
	assert.Equal(t, ForApplications("a", "b"), raw.Normalize())
	assert.Equal(t, None(), Interest{Kind: Kind(99)}.Normalize())
}

func TestContains(t *testing.T) {
	tests := []struct {
		name string
		a, b Interest
		want bool
	}{
		{"full contains app", Full(), ForApplications("a"), true},
		{"app does not contain full", ForApplications("a"), Full(), false},
		{"anything contains none", ForVips("v"), None(), true},
		{"superset", ForApplications("a", "b"), ForApplications("a"), true},
		{"subset", ForApplications("a"), ForApplications("a", "b"), false},
		{"cross kind", ForApplications("a"), ForVips("a"), false},
		{"union contains part", Union(ForApplications("a"), ForVips("v")), ForVips("v"), true},
		{"contains union", ForApplications("a", "b"), Union(ForApplications("a"), ForApplications("b")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Contains(tt.b))
		})
	}
}

func TestWireEncoding(t *testing.T) {
	in := Union(ForApplications("orders"), ForInstance("i-1"))
	raw, err := msgpack.Marshal(in)
	require.NoError(t, err)

	var out Interest
	require.NoError(t, msgpack.Unmarshal(raw, &out))
	require.NoError(t, out.Validate())
	assert.True(t, in.Equal(out))
}

func TestNotifications(t *testing.T) {
	i := info("i-1", "orders", "v")
	i.Version = 3
	assert.Equal(t, "add(i-1@3)", NewAdd(i).String())
	assert.Equal(t, Modify, NewModify(i).Kind)
	assert.Equal(t, "i-1", NewDelete(i).ID)
	assert.True(t, NewDelete(i).IsData())
	assert.False(t, NewBufferStart().IsData())
	assert.Equal(t, "buffer_end", NewBufferEnd().String())
	assert.Equal(t, Gap, NewGap().Kind)
}
