// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel is the thin, testable facade over routing-table, rule,
// neighbor, link, and nftables operations described in spec.md §4.A. Every
// operation is idempotent: "delete if present", "create if missing". Errors
// for "already exists" or "does not exist" are absorbed here and never
// surface to the caller; only genuinely unexpected errors (permission
// denied, malformed input) are returned.
package kernel

import (
	"context"
	"net"
	"time"
)

// Kernel abstracts the Linux kernel's routing, rule, neighbor, link, and
// nftables subsystems. The Reconciler is the primary caller; the Sampler
// and Health Monitor use the read-only subset.
type Kernel interface {
	// AddTable installs routes into table id, replacing any route this
	// call would conflict with. It does not first flush the table -
	// callers that want a clean table call FlushTable first.
	AddTable(tableID int, routes []RouteSpec) error
	// FlushTable removes every route from table id. A table with no
	// routes is not an error.
	FlushTable(tableID int) error

	// AddRule installs a policy rule selecting table id at priority pref.
	// Installing an identical rule twice is a no-op.
	AddRule(rule Rule) error
	// DelRulesMatching removes every rule whose priority equals pref (if
	// pref >= 0) or whose table equals table (if table >= 0). Passing
	// both narrows to rules matching both.
	DelRulesMatching(pref, table int) error

	// FlushRouteCache drops the kernel's cached route lookups so newly
	// installed multipath weights and rules take effect immediately.
	FlushRouteCache() error

	// NFResetTable deletes the nftables table named spec.Name if present
	// and recreates it from spec, matching spec.md §4.E's "Reset table
	// loadbalancing, then ..." instruction literally.
	NFResetTable(spec NFTableSpec) error
	// NFDeleteTable removes the named nftables table. Absent is not an
	// error.
	NFDeleteTable(name string) error

	// NeighborState returns the ARP/NDP cache state for gw on iface.
	NeighborState(iface string, gw net.IP) (NeighborState, error)
	// NeighborFlush removes the neighbor cache entry for gw on iface,
	// forcing a fresh resolution on the next packet.
	NeighborFlush(iface string, gw net.IP) error

	// DialTCP opens a TCP connection from srcIP to dst:dstPort, bound so
	// the kernel routes it out the interface srcIP is configured on. Any
	// established connection is success regardless of payload.
	DialTCP(ctx context.Context, srcIP net.IP, dst string, dstPort int, timeout time.Duration) ProbeResult

	// ListDefaultRoutes returns every default route in the main table
	// that carries both a nexthop and an egress device.
	ListDefaultRoutes() ([]DefaultRoute, error)
	// PrimaryIPv4Of returns the first IPv4 address bound to iface.
	PrimaryIPv4Of(iface string) (net.IP, error)

	// LinkCarrier reports whether iface currently has physical carrier,
	// disambiguating "administratively up but no link" from "down".
	LinkCarrier(iface string) (bool, error)
}
