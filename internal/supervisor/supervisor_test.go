// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package supervisor

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1999AZZAR/load-balancer-tool/internal/health"
	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
	"github.com/1999AZZAR/load-balancer-tool/internal/logging"
	"github.com/1999AZZAR/load-balancer-tool/internal/observer"
	"github.com/1999AZZAR/load-balancer-tool/internal/reconciler"
)

func newHarness(t *testing.T) (*Supervisor, *kernel.FakeKernel, *observer.ManualObserver) {
	t.Helper()
	fk := kernel.NewFakeKernel()
	fk.SetDefaultRoutes([]kernel.DefaultRoute{{Iface: "eth0", Gw: net.ParseIP("10.0.0.1")}})
	fk.SetAddr("eth0", net.ParseIP("10.0.0.2"))

	obs := observer.NewManualObserver()
	hcfg := health.DefaultConfig()
	hcfg.NeighborGating = false
	mon := health.New(hcfg, fk, clockwork.NewRealClock(), nil)
	rec := reconciler.New(reconciler.DefaultConfig(), fk, nil)

	cfg := DefaultConfig()
	cfg.DebounceTime = 0

	sup := New(cfg, fk, obs, mon, rec, time.Hour, nil)
	return sup, fk, obs
}

func TestRun_SyntheticFirstTickReconciles(t *testing.T) {
	sup, fk, _ := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := fk.Tables[reconciler.DefaultLBTable]
		return ok
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRun_CleanupOnCancel(t *testing.T) {
	sup, fk, _ := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := fk.Tables[reconciler.DefaultLBTable]
		return ok
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Empty(t, fk.Tables[reconciler.DefaultLBTable])
	for table := ReturnTableLow; table <= ReturnTableHigh; table++ {
		assert.Empty(t, fk.Tables[table])
	}
	for table := DrainAndAffinityLow; table <= DrainAndAffinityHigh; table++ {
		assert.Empty(t, fk.Tables[table])
	}
	assert.Nil(t, fk.NFTable)

	// No policy rule may survive cleanup anywhere in the reserved pref
	// ranges (active, return, draining/affinity) - flushing a table does
	// not remove the rules that look it up.
	for _, r := range fk.Rules {
		assert.Falsef(t, r.Priority == reconciler.DefaultLBPref ||
			(r.Priority >= ReturnTableLow && r.Priority <= ReturnTableHigh) ||
			(r.Priority > reconciler.DefaultLBPref && r.Priority <= reconciler.DefaultLBPref+10),
			"leftover rule after cleanup: %+v", r)
	}
}

func TestRun_RouteEventTriggersReconcile(t *testing.T) {
	sup, fk, obs := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, ok := fk.Tables[reconciler.DefaultLBTable]
		return ok
	}, time.Second, time.Millisecond)

	fk.SetDefaultRoutes([]kernel.DefaultRoute{
		{Iface: "eth0", Gw: net.ParseIP("10.0.0.1")},
		{Iface: "wlan0", Gw: net.ParseIP("192.168.1.1")},
	})
	fk.SetAddr("wlan0", net.ParseIP("192.168.1.50"))
	obs.Tick()

	require.Eventually(t, func() bool {
		at, ok := fk.Tables[reconciler.DefaultLBTable]
		return ok && len(at) == 1 && len(at[0].Nexthops) == 2
	}, time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestRecordFailure_LogsAtThresholdWithoutStoppingRetries(t *testing.T) {
	sup, _, _ := newHarness(t)
	sup.cfg.FailureWindowThreshold = 2
	var buf bytes.Buffer
	sup.logger = logging.New(logging.Config{Output: &buf})

	sup.recordFailure(assertError("boom"))
	assert.Len(t, sup.failures, 1)
	assert.NotContains(t, buf.String(), "repeated reconcile failures")
	sup.recordFailure(assertError("boom again"))
	assert.Len(t, sup.failures, 2)
	assert.Contains(t, buf.String(), "repeated reconcile failures")
}

type assertError string

func (e assertError) Error() string { return string(e) }
