package health

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
	"github.com/1999AZZAR/load-balancer-tool/internal/sampler"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Interval = 0 // let the test drive every Tick
	cfg.NeighborGating = false
	return cfg
}

func oneTuple(iface, gw, src string) sampler.State {
	return sampler.State{{Iface: iface, Gw: net.ParseIP(gw), SrcIP: net.ParseIP(src)}}
}

func TestTick_NewInterfaceStartsUp(t *testing.T) {
	fk := kernel.NewFakeKernel()
	clk := clockwork.NewFakeClock()
	m := New(testConfig(), fk, clk, nil)

	state := oneTuple("eth0", "10.0.0.1", "10.0.0.2")
	m.Tick(context.Background(), state)

	rec := m.Snapshot()["eth0"]
	assert.Equal(t, StatusUp, rec.Status)
}

func TestTick_FailureThresholdTransitionsDown(t *testing.T) {
	fk := kernel.NewFakeKernel()
	fk.Probe = func(src net.IP, dst string, port int) kernel.ProbeResult {
		return kernel.ProbeResult{OK: false}
	}
	clk := clockwork.NewFakeClock()
	m := New(testConfig(), fk, clk, nil)
	state := oneTuple("eth0", "10.0.0.1", "10.0.0.2")

	edges1 := m.Tick(context.Background(), state)
	assert.Empty(t, edges1)
	assert.Equal(t, StatusUp, m.Snapshot()["eth0"].Status)

	edges2 := m.Tick(context.Background(), state)
	require.Len(t, edges2, 1)
	assert.Equal(t, "eth0", edges2[0])
	assert.Equal(t, StatusDown, m.Snapshot()["eth0"].Status)
	assert.Equal(t, 1, m.Snapshot()["eth0"].BackoffCount)
}

func TestTick_RecoveryWithHysteresisEntersHoldDown(t *testing.T) {
	fk := kernel.NewFakeKernel()
	ok := false
	fk.Probe = func(src net.IP, dst string, port int) kernel.ProbeResult {
		return kernel.ProbeResult{OK: ok}
	}
	clk := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.Hysteresis = true
	m := New(cfg, fk, clk, nil)
	state := oneTuple("wlan0", "192.168.1.1", "192.168.1.50")

	m.Tick(context.Background(), state)
	m.Tick(context.Background(), state)
	require.Equal(t, StatusDown, m.Snapshot()["wlan0"].Status)

	ok = true
	clk.Advance(200 * time.Second) // clear the backoff suppression window
	m.Tick(context.Background(), state)

	rec := m.Snapshot()["wlan0"]
	assert.Equal(t, StatusHoldDown, rec.Status)
	assert.Equal(t, 0, rec.BackoffCount)
}

func TestTick_HoldDownPromotesToUpAfterDwell(t *testing.T) {
	fk := kernel.NewFakeKernel()
	ok := false
	fk.Probe = func(src net.IP, dst string, port int) kernel.ProbeResult {
		return kernel.ProbeResult{OK: ok}
	}
	clk := clockwork.NewFakeClock()
	cfg := testConfig()
	m := New(cfg, fk, clk, nil)
	state := oneTuple("eth0", "10.0.0.1", "10.0.0.2")

	m.Tick(context.Background(), state)
	m.Tick(context.Background(), state)
	require.Equal(t, StatusDown, m.Snapshot()["eth0"].Status)

	ok = true
	clk.Advance(200 * time.Second)
	m.Tick(context.Background(), state)
	require.Equal(t, StatusHoldDown, m.Snapshot()["eth0"].Status)

	clk.Advance(cfg.HoldDown + time.Second)
	edges := m.Tick(context.Background(), state)
	require.Len(t, edges, 1)
	assert.Equal(t, StatusUp, m.Snapshot()["eth0"].Status)
}

func TestTick_NeighborFailedShortcutsToFailure(t *testing.T) {
	fk := kernel.NewFakeKernel()
	fk.Probe = func(src net.IP, dst string, port int) kernel.ProbeResult {
		return kernel.ProbeResult{OK: true} // would otherwise succeed
	}
	fk.SetNeighbor("eth0", net.ParseIP("10.0.0.1"), kernel.NeighborFailed)

	clk := clockwork.NewFakeClock()
	cfg := testConfig()
	cfg.NeighborGating = true
	m := New(cfg, fk, clk, nil)
	state := oneTuple("eth0", "10.0.0.1", "10.0.0.2")

	m.Tick(context.Background(), state)
	m.Tick(context.Background(), state)
	assert.Equal(t, StatusDown, m.Snapshot()["eth0"].Status)
}

func TestTick_GlobalRateLimitIsRoundRobin(t *testing.T) {
	fk := kernel.NewFakeKernel()
	fk.Probe = func(src net.IP, dst string, port int) kernel.ProbeResult {
		return kernel.ProbeResult{OK: false}
	}
	clk := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.Interval = 30 * time.Second
	cfg.NeighborGating = false
	m := New(cfg, fk, clk, nil)

	state := sampler.State{
		{Iface: "eth0", Gw: net.ParseIP("10.0.0.1"), SrcIP: net.ParseIP("10.0.0.2")},
		{Iface: "wlan0", Gw: net.ParseIP("192.168.1.1"), SrcIP: net.ParseIP("192.168.1.50")},
	}

	m.Tick(context.Background(), state) // creates records, probes eth0
	assert.Equal(t, 1, m.Snapshot()["eth0"].ConsecutiveFailures)
	assert.Equal(t, 0, m.Snapshot()["wlan0"].ConsecutiveFailures)

	m.Tick(context.Background(), state) // global interval not elapsed: no-op
	assert.Equal(t, 1, m.Snapshot()["eth0"].ConsecutiveFailures)
	assert.Equal(t, 0, m.Snapshot()["wlan0"].ConsecutiveFailures)

	clk.Advance(31 * time.Second)
	m.Tick(context.Background(), state) // now wlan0's turn
	assert.Equal(t, 1, m.Snapshot()["eth0"].ConsecutiveFailures)
	assert.Equal(t, 1, m.Snapshot()["wlan0"].ConsecutiveFailures)
}
