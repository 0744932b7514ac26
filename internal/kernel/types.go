// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net"
	"time"
)

// NeighborState mirrors the kernel ARP/NDP neighbor-cache states consulted
// by the health monitor (spec §4.D).
type NeighborState string

const (
	NeighborReachable  NeighborState = "reachable"
	NeighborDelay      NeighborState = "delay"
	NeighborProbe      NeighborState = "probe"
	NeighborStale      NeighborState = "stale"
	NeighborFailed     NeighborState = "failed"
	NeighborIncomplete NeighborState = "incomplete"
	NeighborUnknown    NeighborState = "unknown"
)

// DefaultRoute is a default route found in the main table that carries
// both a nexthop (via) and an egress device (dev).
type DefaultRoute struct {
	Iface string
	Gw    net.IP
}

// RouteSpec is a single route to install in a table via AddTable.
type RouteSpec struct {
	// Dst is the route's destination. nil means the default route
	// (0.0.0.0/0).
	Dst *net.IPNet
	// Gw is the nexthop for a single-nexthop route. Mutually exclusive
	// with Nexthops.
	Gw net.IP
	// Src pins the preferred source address for this route.
	Src net.IP
	// Iface is the egress device.
	Iface string
	// Nexthops, when non-empty, makes this a multipath route and Gw/Iface
	// on the RouteSpec itself are ignored.
	Nexthops []Nexthop
}

// Nexthop is one weighted leg of a multipath route.
type Nexthop struct {
	Gw     net.IP
	Iface  string
	Weight int
}

// RuleSelector chooses which packets a policy rule matches.
type RuleSelector struct {
	// SrcIP, when set, matches "from SrcIP".
	SrcIP net.IP
	// FwMark and FwMask, when FwMark != 0 or Mask explicitly requested,
	// match "fwmark FwMark/FwMask". FwMask of zero means no mask (match
	// the full mark exactly).
	FwMark uint32
	FwMask uint32
}

// Rule is a single policy routing rule: selector -> table, at priority.
type Rule struct {
	Selector RuleSelector
	Table    int
	Priority int
}

// ProbeResult is the outcome of a single TCP reachability probe.
type ProbeResult struct {
	OK       bool
	Err      error
	Duration time.Duration
}

// NFTableSpec describes the desired nftables table to reset-and-rebuild.
// The Reconciler builds one of these per reconcile and hands it to
// NFResetTable; the Kernel Adapter owns translating it into actual
// nftables.Conn calls.
type NFTableSpec struct {
	Name    string
	Mangle  MangleChainSpec
	NAT     NATChainSpec
}

// MangleChainSpec is the output-hook chain that marks new connections.
type MangleChainSpec struct {
	// Affinity selects jhash-based per-flow sharding instead of a flat mark.
	Affinity   bool
	ActiveMark uint32
	// NumActive is the shard count used by the affinity jhash when
	// Affinity is true.
	NumActive int
}

// NATChainSpec is the postrouting-hook chain that masquerades egress
// traffic.
type NATChainSpec struct {
	// ConsistentNAT selects one "oifname X masquerade" rule per interface
	// in Interfaces rather than a single unconditional masquerade.
	ConsistentNAT bool
	Interfaces    []string
}
