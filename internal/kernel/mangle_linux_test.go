//go:build linux
// +build linux

// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"testing"

	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMangleRuleExprs_AffinityHashesFullFiveTuple guards against the
// register-clobbering bug where the TCP/UDP shard hash silently dropped
// sport/dport and hashed the address pair alone: the payload carrying the
// ports must not land in a register the address payload already occupies,
// and the hash must span both.
func TestMangleRuleExprs_AffinityHashesFullFiveTuple(t *testing.T) {
	rules := mangleRuleExprs(MangleChainSpec{Affinity: true, NumActive: 3, ActiveMark: 0x20000000})
	require.Len(t, rules, 4) // TCP, UDP, ICMP, ct-mark-or-ActiveMark

	for i, proto := range []string{"tcp", "udp"} {
		var payloads []*expr.Payload
		var hash *expr.Hash
		for _, e := range rules[i] {
			switch v := e.(type) {
			case *expr.Payload:
				payloads = append(payloads, v)
			case *expr.Hash:
				hash = v
			}
		}
		require.NotNilf(t, hash, "%s rule has no Hash expr", proto)
		require.Lenf(t, payloads, 2, "%s rule should load address and ports", proto)

		addrPayload, portPayload := payloads[0], payloads[1]
		assert.NotEqualf(t, addrPayload.DestRegister, portPayload.DestRegister,
			"%s: port payload must not reuse the address payload's register", proto)

		// The hash must start at the address payload's register and
		// span both loads (12 bytes: 8-byte address pair + 4-byte
		// port pair), never just the 8-byte address alone.
		assert.EqualValuesf(t, addrPayload.DestRegister, hash.SourceRegister,
			"%s: hash should start at the address payload's register", proto)
		assert.EqualValuesf(t, 12, hash.Length,
			"%s: hash should span the full address+port load, not just the address", proto)
		assert.EqualValues(t, 3, hash.Modulus)
	}
}

// TestMangleRuleExprs_AffinityMarkKeepsShardBits guards against the
// Bitwise mask that zeroed the shard index instead of OR-ing ACTIVE_MARK
// into it.
func TestMangleRuleExprs_AffinityMarkKeepsShardBits(t *testing.T) {
	rules := mangleRuleExprs(MangleChainSpec{Affinity: true, NumActive: 2, ActiveMark: 0x20000000})
	require.Len(t, rules, 4)

	final := rules[3]
	var bw *expr.Bitwise
	for _, e := range final {
		if v, ok := e.(*expr.Bitwise); ok {
			bw = v
		}
	}
	require.NotNil(t, bw, "expected a Bitwise expr in the final ct-mark-set rule")
	assert.Equal(t, binU32(0xFFFFFFFF), bw.Mask, "mask must keep every bit the hash wrote (the shard index)")
	assert.Equal(t, binU32(0x20000000), bw.Xor, "xor must OR in ACTIVE_MARK")
}

// TestMangleRuleExprs_SimpleModeMarksActiveMark covers the non-affinity
// path: every rule sets the mark to ActiveMark verbatim via an Immediate.
func TestMangleRuleExprs_SimpleModeMarksActiveMark(t *testing.T) {
	rules := mangleRuleExprs(MangleChainSpec{ActiveMark: 0x20000000})
	require.Len(t, rules, 3) // TCP, UDP, ICMP

	for _, rule := range rules {
		var imm *expr.Immediate
		for _, e := range rule {
			if v, ok := e.(*expr.Immediate); ok {
				imm = v
			}
		}
		require.NotNil(t, imm)
		assert.Equal(t, binU32(0x20000000), imm.Data)
	}
}
