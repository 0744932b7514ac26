// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package sampler implements the State Sampler (spec.md §4.C): on demand,
// it scans the main routing table for default routes, resolves the primary
// IPv4 address on each egress interface, and returns the canonical ordered
// tuple sequence the rest of the control loop reconciles against.
package sampler

import (
	"fmt"
	"net"
	"sort"

	"github.com/1999AZZAR/load-balancer-tool/internal/kernel"
)

// Tuple is a single observed default-route leg: an interface, its next
// hop, and the source address bound on it.
type Tuple struct {
	Iface string
	Gw    net.IP
	SrcIP net.IP
}

// Key returns the canonical sort/equality key "iface,gw,src_ip".
func (t Tuple) Key() string {
	return fmt.Sprintf("%s,%s,%s", t.Iface, t.Gw, t.SrcIP)
}

// State is the canonical ordered sequence of Tuples produced by Sample.
// Two States are considered equal - "no change" - when their Key
// sequences match exactly.
type State []Tuple

// Equal reports whether s and other carry the same tuples in the same
// canonical order.
func (s State) Equal(other State) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i].Key() != other[i].Key() {
			return false
		}
	}
	return true
}

// Key returns a string uniquely identifying s's tuple sequence, suitable
// for cheap change detection without holding onto the previous State.
func (s State) Key() string {
	out := ""
	for _, t := range s {
		out += t.Key() + "|"
	}
	return out
}

// Sampler scans the kernel for the current default-route topology.
type Sampler struct {
	kernel kernel.Kernel
}

// New returns a Sampler backed by k.
func New(k kernel.Kernel) *Sampler {
	return &Sampler{kernel: k}
}

// Sample returns the canonical State: every default route in the main
// table with both a nexthop and an egress device, paired with that
// device's primary IPv4 address, sorted lexicographically by
// "iface,gw,src_ip". A default route whose interface has no IPv4 address
// yet is dropped rather than surfaced with a blank SrcIP - the tuple is
// incomplete and spec.md §4.C requires discarding tuples missing any of
// the three fields.
func (s *Sampler) Sample() (State, error) {
	routes, err := s.kernel.ListDefaultRoutes()
	if err != nil {
		return nil, fmt.Errorf("sampler: list default routes: %w", err)
	}

	var out State
	for _, r := range routes {
		if r.Iface == "" || r.Gw == nil {
			continue
		}
		src, err := s.kernel.PrimaryIPv4Of(r.Iface)
		if err != nil || src == nil {
			continue
		}
		out = append(out, Tuple{Iface: r.Iface, Gw: r.Gw, SrcIP: src})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}
