package sampler

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
)

func TestSample_CanonicalOrder(t *testing.T) {
	fk := kernel.NewFakeKernel()
	fk.SetDefaultRoutes([]kernel.DefaultRoute{
		{Iface: "wlan0", Gw: net.ParseIP("192.168.1.1")},
		{Iface: "eth0", Gw: net.ParseIP("10.0.0.1")},
	})
	fk.SetAddr("eth0", net.ParseIP("10.0.0.2"))
	fk.SetAddr("wlan0", net.ParseIP("192.168.1.50"))

	s := New(fk)
	state, err := s.Sample()
	require.NoError(t, err)
	require.Len(t, state, 2)
	assert.Equal(t, "eth0", state[0].Iface)
	assert.Equal(t, "wlan0", state[1].Iface)
}

func TestSample_DropsIncompleteTuples(t *testing.T) {
	fk := kernel.NewFakeKernel()
	fk.SetDefaultRoutes([]kernel.DefaultRoute{
		{Iface: "eth0", Gw: net.ParseIP("10.0.0.1")},
		{Iface: "usb0", Gw: net.ParseIP("10.1.0.1")}, // no address bound
	})
	fk.SetAddr("eth0", net.ParseIP("10.0.0.2"))

	s := New(fk)
	state, err := s.Sample()
	require.NoError(t, err)
	require.Len(t, state, 1)
	assert.Equal(t, "eth0", state[0].Iface)
}

func TestState_Equal(t *testing.T) {
	a := State{{Iface: "eth0", Gw: net.ParseIP("10.0.0.1"), SrcIP: net.ParseIP("10.0.0.2")}}
	b := State{{Iface: "eth0", Gw: net.ParseIP("10.0.0.1"), SrcIP: net.ParseIP("10.0.0.2")}}
	assert.True(t, a.Equal(b))

	c := State{{Iface: "wlan0", Gw: net.ParseIP("10.0.0.1"), SrcIP: net.ParseIP("10.0.0.2")}}
	assert.False(t, a.Equal(c))
}

func TestSample_PermutationInvariant(t *testing.T) {
	fk1 := kernel.NewFakeKernel()
	fk1.SetDefaultRoutes([]kernel.DefaultRoute{
		{Iface: "eth0", Gw: net.ParseIP("10.0.0.1")},
		{Iface: "wlan0", Gw: net.ParseIP("192.168.1.1")},
	})
	fk1.SetAddr("eth0", net.ParseIP("10.0.0.2"))
	fk1.SetAddr("wlan0", net.ParseIP("192.168.1.50"))

	fk2 := kernel.NewFakeKernel()
	fk2.SetDefaultRoutes([]kernel.DefaultRoute{
		{Iface: "wlan0", Gw: net.ParseIP("192.168.1.1")},
		{Iface: "eth0", Gw: net.ParseIP("10.0.0.1")},
	})
	fk2.SetAddr("eth0", net.ParseIP("10.0.0.2"))
	fk2.SetAddr("wlan0", net.ParseIP("192.168.1.50"))

	s1, err := New(fk1).Sample()
	require.NoError(t, err)
	s2, err := New(fk2).Sample()
	require.NoError(t, err)
	assert.True(t, s1.Equal(s2))
}
