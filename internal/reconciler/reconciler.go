// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package reconciler implements the Reconciler (spec.md §4.E): a pure
// function from (observed tuples, health) to desired kernel state, plus a
// differ/applier that drives the Kernel Adapter to converge on it.
package reconciler

import (
	"fmt"
	"net"
	"regexp"

	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
	"github.com/1999AZZAR/load-balancer-tool/internal/logging"
	"github.com/1999AZZAR/load-balancer-tool/internal/sampler"
)

// Defaults named in spec.md §4.A/§6.
const (
	DefaultLBTable = 200
	DefaultLBPref  = 90

	ActiveMark   uint32 = 0x20000000
	DrainingMark uint32 = 0x10000000
	AffinityMask uint32 = 0x0000FFFF

	ReturnTableBase = 100
	NFTableName     = "loadbalancing"
)

// Config carries the subset of the daemon configuration the Reconciler
// needs, independent of internal/config so the package stays testable
// without an HCL file.
type Config struct {
	LBTable        int
	LBPref         int
	AffinityEnabled bool
	DrainingEnabled bool
	ConsistentNAT   bool
}

// DefaultConfig returns the Reconciler defaults of spec.md §6.
func DefaultConfig() Config {
	return Config{
		LBTable:         DefaultLBTable,
		LBPref:          DefaultLBPref,
		DrainingEnabled: true,
		ConsistentNAT:   true,
	}
}

// Reconciler drives the Kernel Adapter to converge kernel state onto the
// desired state computed from a State and an Up-set.
type Reconciler struct {
	cfg    Config
	kernel kernel.Kernel
	logger *logging.Logger
}

// New returns a Reconciler backed by k.
func New(cfg Config, k kernel.Kernel, logger *logging.Logger) *Reconciler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Reconciler{cfg: cfg, kernel: k, logger: logger}
}

// Reconcile computes the desired kernel state for state/upSet and applies
// it, in the order spec.md §4.E mandates: return tables, active
// table/rule, draining table/rule, nftables reset, route cache flush. A
// failed step is logged and reconciliation continues best-effort - the
// next tick re-issues the full desired state from scratch, per spec.md §7.
func (r *Reconciler) Reconcile(state sampler.State, upSet map[string]bool) error {
	var active, draining sampler.State
	for _, t := range state {
		if upSet[t.Iface] {
			active = append(active, t)
		} else {
			draining = append(draining, t)
		}
	}

	r.reconcileReturnTables(state)

	if len(active) == 0 {
		r.logger.Info("reconciler: no active interfaces, skipping multipath rebuild")
	} else {
		r.reconcileActive(active)
	}

	if r.cfg.DrainingEnabled {
		// With no draining tuples, reconcileDraining clears LB_TABLE+1 and
		// the rules at LB_PREF+1. Affinity shard 0 occupies that same
		// table and priority, so the clear is skipped while shards are in
		// use.
		if len(draining) > 0 || !(r.cfg.AffinityEnabled && len(active) > 1) {
			r.reconcileDraining(draining)
		}
	}

	r.reconcileNFTables(active, draining)

	if err := r.kernel.FlushRouteCache(); err != nil {
		return fmt.Errorf("reconciler: flush route cache: %w", err)
	}
	return nil
}

// reconcileReturnTables installs, for every tuple at position i, table
// 100+i with the tuple's gateway route and default route, plus a
// from-source rule at priority 100+i.
func (r *Reconciler) reconcileReturnTables(state sampler.State) {
	for i, t := range state {
		tableID := ReturnTableBase + i

		if err := r.kernel.FlushTable(tableID); err != nil {
			r.logger.Error("reconciler: flush return table", "table", tableID, "error", err)
		}
		if err := r.kernel.DelRulesMatching(-1, tableID); err != nil {
			r.logger.Error("reconciler: delete return table rules", "table", tableID, "error", err)
		}

		routes := []kernel.RouteSpec{
			// On-link route to the gateway itself (no Gw: it is the
			// destination, not the nexthop), pinning the preferred
			// source so return traffic picks src_ip.
			{Dst: hostRoute(t.Gw), Iface: t.Iface, Src: t.SrcIP},
			{Gw: t.Gw, Iface: t.Iface},
		}
		if err := r.kernel.AddTable(tableID, routes); err != nil {
			r.logger.Error("reconciler: install return table", "table", tableID, "iface", t.Iface, "error", err)
			continue
		}

		rule := kernel.Rule{
			Selector: kernel.RuleSelector{SrcIP: t.SrcIP},
			Table:    tableID,
			Priority: tableID,
		}
		if err := r.kernel.AddRule(rule); err != nil {
			r.logger.Error("reconciler: install return rule", "priority", tableID, "error", err)
		}
	}
}

// reconcileActive installs the active multipath table AT, or - when
// affinity is enabled and there is more than one active interface -
// per-interface affinity shards, per spec.md §4.E.
func (r *Reconciler) reconcileActive(active sampler.State) {
	if r.cfg.AffinityEnabled && len(active) > 1 {
		r.reconcileAffinity(active)
		return
	}

	if err := r.kernel.FlushTable(r.cfg.LBTable); err != nil {
		r.logger.Error("reconciler: flush active table", "table", r.cfg.LBTable, "error", err)
	}

	var nexthops []kernel.Nexthop
	for _, t := range active {
		nexthops = append(nexthops, kernel.Nexthop{Gw: t.Gw, Iface: t.Iface, Weight: Weight(t.Iface)})
	}
	if err := r.kernel.AddTable(r.cfg.LBTable, []kernel.RouteSpec{{Nexthops: nexthops}}); err != nil {
		r.logger.Error("reconciler: install active table", "table", r.cfg.LBTable, "error", err)
	}

	// The duplicate-rule ambiguity of spec.md §9 is resolved as reading
	// (a): issue the active fwmark rule exactly once.
	rule := kernel.Rule{
		Selector: kernel.RuleSelector{FwMark: ActiveMark},
		Table:    r.cfg.LBTable,
		Priority: r.cfg.LBPref,
	}
	if err := r.kernel.AddRule(rule); err != nil {
		r.logger.Error("reconciler: install active rule", "priority", r.cfg.LBPref, "error", err)
	}
}

// reconcileAffinity installs one single-nexthop table per active
// interface and a fwmark/AffinityMask rule selecting it by shard index.
// reconcileActive calls it only when there are at least two active
// interfaces and otherwise takes the simple path (spec.md §8's affinity
// boundary case).
func (r *Reconciler) reconcileAffinity(active sampler.State) {
	for i, t := range active {
		tableID := r.cfg.LBTable + 1 + i
		if err := r.kernel.FlushTable(tableID); err != nil {
			r.logger.Error("reconciler: flush affinity shard table", "table", tableID, "error", err)
		}
		route := kernel.RouteSpec{Nexthops: []kernel.Nexthop{{Gw: t.Gw, Iface: t.Iface, Weight: 1}}}
		if err := r.kernel.AddTable(tableID, []kernel.RouteSpec{route}); err != nil {
			r.logger.Error("reconciler: install affinity shard table", "table", tableID, "error", err)
			continue
		}

		rule := kernel.Rule{
			Selector: kernel.RuleSelector{FwMark: ActiveMark | uint32(i), FwMask: AffinityMask},
			Table:    tableID,
			Priority: r.cfg.LBPref + 1 + i,
		}
		if err := r.kernel.AddRule(rule); err != nil {
			r.logger.Error("reconciler: install affinity rule", "priority", rule.Priority, "error", err)
		}
	}
}

// reconcileDraining installs the draining multipath table DT when there
// are unhealthy tuples, or removes it and its rule when there are none.
func (r *Reconciler) reconcileDraining(draining sampler.State) {
	tableID := r.cfg.LBTable + 1
	pref := r.cfg.LBPref + 1

	if len(draining) == 0 {
		if err := r.kernel.FlushTable(tableID); err != nil {
			r.logger.Error("reconciler: flush draining table", "table", tableID, "error", err)
		}
		if err := r.kernel.DelRulesMatching(pref, -1); err != nil {
			r.logger.Error("reconciler: delete draining rule", "priority", pref, "error", err)
		}
		return
	}

	var nexthops []kernel.Nexthop
	for _, t := range draining {
		nexthops = append(nexthops, kernel.Nexthop{Gw: t.Gw, Iface: t.Iface, Weight: 1})
	}
	if err := r.kernel.AddTable(tableID, []kernel.RouteSpec{{Nexthops: nexthops}}); err != nil {
		r.logger.Error("reconciler: install draining table", "table", tableID, "error", err)
	}

	rule := kernel.Rule{
		Selector: kernel.RuleSelector{FwMark: DrainingMark},
		Table:    tableID,
		Priority: pref,
	}
	if err := r.kernel.AddRule(rule); err != nil {
		r.logger.Error("reconciler: install draining rule", "priority", pref, "error", err)
	}
}

// reconcileNFTables resets the loadbalancing nftables table: a mangle
// chain marking new connections and a postrouting chain masquerading
// egress on every interface present in active or draining.
func (r *Reconciler) reconcileNFTables(active, draining sampler.State) {
	var ifaces []string
	for _, t := range active {
		ifaces = append(ifaces, t.Iface)
	}
	for _, t := range draining {
		ifaces = append(ifaces, t.Iface)
	}

	spec := kernel.NFTableSpec{
		Name: NFTableName,
		Mangle: kernel.MangleChainSpec{
			Affinity:   r.cfg.AffinityEnabled && len(active) > 1,
			ActiveMark: ActiveMark,
			NumActive:  len(active),
		},
		NAT: kernel.NATChainSpec{
			ConsistentNAT: r.cfg.ConsistentNAT,
			Interfaces:    ifaces,
		},
	}
	if err := r.kernel.NFResetTable(spec); err != nil {
		r.logger.Error("reconciler: reset nftables table", "table", NFTableName, "error", err)
	}
}

// hostRoute returns the /32 destination for an on-link route to ip.
func hostRoute(ip net.IP) *net.IPNet {
	v4 := ip.To4()
	if v4 == nil {
		v4 = ip
	}
	return &net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}
}

var (
	ethernetPattern = regexp.MustCompile(`^(eno|ens|enp|eth)`)
	wifiPattern     = regexp.MustCompile(`^(wlan|wlp|wlx|wl)`)
	usbEthPattern   = regexp.MustCompile(`^(enx)`)
)

// Weight implements the interface-name weighting heuristic of spec.md
// §4.E: wired Ethernet-class names weigh 5, Wi-Fi-class names weigh 3,
// USB-Ethernet (enx*) weighs 2, anything else weighs 1.
func Weight(iface string) int {
	switch {
	case usbEthPattern.MatchString(iface):
		return 2
	case ethernetPattern.MatchString(iface):
		return 5
	case wifiPattern.MatchString(iface):
		return 3
	default:
		return 1
	}
}
