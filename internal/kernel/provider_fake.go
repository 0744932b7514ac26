// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"
)

// FakeKernel is a stateful in-memory Kernel used by the reconciler, health
// monitor, and supervisor test suites, and by cmd/egressd's -dry-run mode.
// It carries no build tag so it compiles everywhere, grounded on the
// teacher's stateful in-memory provider pattern for running the control
// logic without root or a real kernel underneath it.
type FakeKernel struct {
	mu sync.Mutex

	Tables  map[int][]RouteSpec
	Rules   []Rule
	NFTable *NFTableSpec

	DefaultRoutes []DefaultRoute
	Addrs         map[string]net.IP
	Neighbors     map[string]NeighborState
	Carrier       map[string]bool

	// Probe, when set, is consulted by DialTCP instead of the default
	// always-succeeds behavior. Tests use this to script probe outcomes.
	Probe func(srcIP net.IP, dst string, dstPort int) ProbeResult

	FlushRouteCacheCalls int
	NFResetCalls         int
}

// NewFakeKernel returns an empty FakeKernel.
func NewFakeKernel() *FakeKernel {
	return &FakeKernel{
		Tables:    make(map[int][]RouteSpec),
		Addrs:     make(map[string]net.IP),
		Neighbors: make(map[string]NeighborState),
		Carrier:   make(map[string]bool),
	}
}

func (k *FakeKernel) AddTable(tableID int, routes []RouteSpec) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	table := append([]RouteSpec{}, k.Tables[tableID]...)
	for _, r := range routes {
		replaced := false
		for i, e := range table {
			if e.Dst.String() == r.Dst.String() {
				table[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			table = append(table, r)
		}
	}
	k.Tables[tableID] = table
	return nil
}

func (k *FakeKernel) FlushTable(tableID int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.Tables, tableID)
	return nil
}

func (k *FakeKernel) AddRule(r Rule) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, e := range k.Rules {
		if rulesEqual(e, r) {
			return nil
		}
	}
	k.Rules = append(k.Rules, r)
	return nil
}

func rulesEqual(a, b Rule) bool {
	return a.Table == b.Table && a.Priority == b.Priority &&
		a.Selector.SrcIP.Equal(b.Selector.SrcIP) &&
		a.Selector.FwMark == b.Selector.FwMark &&
		a.Selector.FwMask == b.Selector.FwMask
}

func (k *FakeKernel) DelRulesMatching(pref, table int) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	kept := k.Rules[:0]
	for _, r := range k.Rules {
		if (pref < 0 || r.Priority == pref) && (table < 0 || r.Table == table) {
			continue
		}
		kept = append(kept, r)
	}
	k.Rules = kept
	return nil
}

func (k *FakeKernel) FlushRouteCache() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.FlushRouteCacheCalls++
	return nil
}

func (k *FakeKernel) NFResetTable(spec NFTableSpec) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.NFResetCalls++
	s := spec
	k.NFTable = &s
	return nil
}

func (k *FakeKernel) NFDeleteTable(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.NFTable != nil && k.NFTable.Name == name {
		k.NFTable = nil
	}
	return nil
}

func (k *FakeKernel) NeighborState(iface string, gw net.IP) (NeighborState, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s, ok := k.Neighbors[neighKey(iface, gw)]; ok {
		return s, nil
	}
	return NeighborUnknown, nil
}

func (k *FakeKernel) NeighborFlush(iface string, gw net.IP) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.Neighbors, neighKey(iface, gw))
	return nil
}

// SetNeighbor lets tests script a neighbor cache state.
func (k *FakeKernel) SetNeighbor(iface string, gw net.IP, state NeighborState) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Neighbors[neighKey(iface, gw)] = state
}

func neighKey(iface string, gw net.IP) string {
	return fmt.Sprintf("%s|%s", iface, gw.String())
}

func (k *FakeKernel) DialTCP(ctx context.Context, srcIP net.IP, dst string, dstPort int, timeout time.Duration) ProbeResult {
	k.mu.Lock()
	probe := k.Probe
	k.mu.Unlock()
	if probe != nil {
		return probe(srcIP, dst, dstPort)
	}
	return ProbeResult{OK: true}
}

func (k *FakeKernel) ListDefaultRoutes() ([]DefaultRoute, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := append([]DefaultRoute{}, k.DefaultRoutes...)
	sort.Slice(out, func(i, j int) bool { return out[i].Iface < out[j].Iface })
	return out, nil
}

// SetDefaultRoutes lets tests script the observed topology.
func (k *FakeKernel) SetDefaultRoutes(routes []DefaultRoute) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.DefaultRoutes = routes
}

func (k *FakeKernel) PrimaryIPv4Of(iface string) (net.IP, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if ip, ok := k.Addrs[iface]; ok {
		return ip, nil
	}
	return nil, fmt.Errorf("kernel: no IPv4 address on %s", iface)
}

// SetAddr lets tests script the primary address of an interface.
func (k *FakeKernel) SetAddr(iface string, ip net.IP) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Addrs[iface] = ip
}

func (k *FakeKernel) LinkCarrier(iface string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if c, ok := k.Carrier[iface]; ok {
		return c, nil
	}
	return true, nil
}

// SetCarrier lets tests script physical link state.
func (k *FakeKernel) SetCarrier(iface string, up bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.Carrier[iface] = up
}

var _ Kernel = (*FakeKernel)(nil)
