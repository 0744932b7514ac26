// Copyright (C) 2026. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_PassesValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadBytes_AppliesDefaultsForUnsetFields(t *testing.T) {
	cfg, err := LoadBytes([]byte(`affinity_enabled = true`), "egressd.hcl")
	require.NoError(t, err)

	assert.True(t, cfg.AffinityEnabled)
	assert.Equal(t, 200, cfg.LBTable)
	assert.Equal(t, 90, cfg.LBPref)
	assert.True(t, cfg.IsHealthCheckEnabled())
	assert.True(t, cfg.IsDrainingEnabled())
}

func TestLoadBytes_ExplicitFalseOverridesDefaultTrue(t *testing.T) {
	cfg, err := LoadBytes([]byte(`draining_enabled = false`), "egressd.hcl")
	require.NoError(t, err)
	assert.False(t, cfg.IsDrainingEnabled())
}

func TestValidate_RejectsReturnTableCollision(t *testing.T) {
	cfg := Default()
	cfg.LBTable = 105
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsInvertedBackoffBounds(t *testing.T) {
	cfg := Default()
	cfg.BackoffBase = "300s"
	cfg.BackoffMax = "30s"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsIncompleteSyslogBlock(t *testing.T) {
	cfg := Default()
	cfg.Syslog = &SyslogBlock{Enabled: true, Port: 514, Protocol: "udp"}
	assert.Error(t, cfg.Validate())
}

func TestToHCL_RoundTripsThroughLoadBytes(t *testing.T) {
	cfg := Default()
	cfg.AffinityEnabled = true
	cfg.LBTable = 210

	rendered := cfg.ToHCL()
	require.NotEmpty(t, rendered)

	reloaded, err := LoadBytes([]byte(rendered), "egressd.hcl")
	require.NoError(t, err)
	assert.Equal(t, cfg.LBTable, reloaded.LBTable)
	assert.Equal(t, cfg.AffinityEnabled, reloaded.AffinityEnabled)
}
